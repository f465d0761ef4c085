// Package call owns the client-side lifecycle of a single call: ring
// timeouts, accept/reject, the cue player, quality monitoring and the
// perfect-negotiation manager underneath.
package call

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"

	"huddle/pkg/protocol"
	"huddle/pkg/rtc"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrMachineClosed  = errors.New("call machine closed")
)

// SignalSender transmits a call envelope through the signaling channel.
type SignalSender func(env *protocol.Envelope) error

// LinkFactory builds a fresh peer transport for each call session.
type LinkFactory func() (rtc.PeerLink, error)

// Notifier receives user-facing call events.
type Notifier interface {
	OnStateChange(s Snapshot)
	OnIncomingCall(s Snapshot)
	OnQuality(quality int, latency time.Duration)
	OnEnded(callID, reason string)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) OnStateChange(Snapshot)       {}
func (NopNotifier) OnIncomingCall(Snapshot)      {}
func (NopNotifier) OnQuality(int, time.Duration) {}
func (NopNotifier) OnEnded(string, string)       {}

type Config struct {
	SelfID       string
	SelfUsername string
	// RingTimeout bounds how long an unanswered call rings.
	RingTimeout time.Duration
	// QualityInterval is the stats poll period while connected. Default 1s.
	QualityInterval time.Duration
}

// Machine is the call state machine. One goroutine owns all mutable state;
// every entry point posts a closure into that loop, and every timer or
// transport callback re-reads the current callID/status when it runs, so a
// step that resolves after the call ended is a no-op.
type Machine struct {
	cfg      Config
	send     SignalSender
	newLink  LinkFactory
	cue      *AudioCue
	notifier Notifier
	logger   *slog.Logger

	cmds chan func()
	done chan struct{}

	// Owned by the run loop.
	sess      *session
	link      rtc.PeerLink
	neg       *rtc.Negotiator
	ringTimer *time.Timer
}

func NewMachine(cfg Config, send SignalSender, newLink LinkFactory, cue *AudioCue, notifier Notifier) *Machine {
	if cfg.QualityInterval <= 0 {
		cfg.QualityInterval = time.Second
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cue == nil {
		cue = NewAudioCue(NopPlayer{})
	}
	m := &Machine{
		cfg:      cfg,
		send:     send,
		newLink:  newLink,
		cue:      cue,
		notifier: notifier,
		logger:   slog.Default().With(slog.String("component", "call")),
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Machine) run() {
	for {
		select {
		case cmd := <-m.cmds:
			cmd()
		case <-m.done:
			return
		}
	}
}

// post runs fn on the machine loop and waits for it to finish.
func (m *Machine) post(fn func()) error {
	doneCh := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(doneCh) }:
	case <-m.done:
		return ErrMachineClosed
	}
	select {
	case <-doneCh:
		return nil
	case <-m.done:
		return ErrMachineClosed
	}
}

// postAsync runs fn on the machine loop without waiting. Used by timers and
// transport callbacks that must not block.
func (m *Machine) postAsync(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

// Close shuts the machine down, hanging up any active call.
func (m *Machine) Close() {
	_ = m.post(func() {
		if m.sess != nil {
			m.sendBestEffort(protocol.TypeCallHangup, "")
			m.endSession("closed")
		}
	})
	close(m.done)
}

// Snapshot returns the current session view; Status is idle when no call is
// active.
func (m *Machine) Snapshot() Snapshot {
	var snap Snapshot
	if err := m.post(func() { snap = m.sess.snapshot() }); err != nil {
		return Snapshot{Status: StatusIdle}
	}
	return snap
}

// StartCall places an outgoing call and returns its fresh call id. The
// initial offer carries no SDP; media descriptions follow via renegotiation
// once the callee accepts.
func (m *Machine) StartCall(remoteUserID, remoteUsername string) (string, error) {
	var (
		callID string
		outErr error
	)
	err := m.post(func() {
		if m.sess != nil {
			outErr = ErrCallInProgress
			return
		}
		callID = ksuid.New().String()
		m.sess = &session{
			callID:         callID,
			remoteUserID:   remoteUserID,
			remoteUsername: remoteUsername,
			polite:         m.cfg.SelfID < remoteUserID,
			status:         StatusOutgoing,
		}
		if err := m.send(&protocol.Envelope{
			Type:        protocol.TypeCallOffer,
			RecipientID: remoteUserID,
			CallID:      callID,
			CallerName:  m.cfg.SelfUsername,
		}); err != nil {
			m.sess = nil
			outErr = err
			return
		}
		m.cue.Play(CueRingback)
		m.armRingTimer(callID)
		m.notifier.OnStateChange(m.sess.snapshot())
	})
	if err != nil {
		return "", err
	}
	return callID, outErr
}

// Accept answers the ringing incoming call. The accept goes out before any
// media acquisition so the caller is unblocked even if media setup fails;
// a media failure then hangs up with a reason.
func (m *Machine) Accept() error {
	var outErr error
	err := m.post(func() {
		if m.sess == nil || m.sess.status != StatusIncoming {
			outErr = ErrNoActiveCall
			return
		}
		m.cancelRingTimer()
		m.cue.Stop()
		if err := m.send(&protocol.Envelope{
			Type:        protocol.TypeCallAccept,
			RecipientID: m.sess.remoteUserID,
			CallID:      m.sess.callID,
		}); err != nil {
			outErr = err
			return
		}
		m.sess.status = StatusConnecting
		m.notifier.OnStateChange(m.sess.snapshot())
		m.setupPeer()
	})
	if err != nil {
		return err
	}
	return outErr
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject() error {
	var outErr error
	err := m.post(func() {
		if m.sess == nil || m.sess.status != StatusIncoming {
			outErr = ErrNoActiveCall
			return
		}
		m.sendBestEffort(protocol.TypeCallReject, "")
		m.endSession("rejected")
	})
	if err != nil {
		return err
	}
	return outErr
}

// Hangup ends the active call in any non-idle state.
func (m *Machine) Hangup() error {
	var outErr error
	err := m.post(func() {
		if m.sess == nil {
			outErr = ErrNoActiveCall
			return
		}
		m.sendBestEffort(protocol.TypeCallHangup, "")
		m.endSession("hangup")
	})
	if err != nil {
		return err
	}
	return outErr
}

// ToggleMute flips the local audio track and returns the new muted state.
// No state transition happens.
func (m *Machine) ToggleMute() (bool, error) {
	var (
		muted  bool
		outErr error
	)
	err := m.post(func() {
		if m.sess == nil || m.link == nil {
			outErr = ErrNoActiveCall
			return
		}
		m.sess.muted = !m.sess.muted
		muted = m.sess.muted
		outErr = m.link.SetMuted(muted)
	})
	if err != nil {
		return false, err
	}
	return muted, outErr
}

// ToggleVideo flips the local video track and returns the new disabled state.
func (m *Machine) ToggleVideo() (bool, error) {
	var (
		off    bool
		outErr error
	)
	err := m.post(func() {
		if m.sess == nil || m.link == nil {
			outErr = ErrNoActiveCall
			return
		}
		m.sess.videoOff = !m.sess.videoOff
		off = m.sess.videoOff
		outErr = m.link.SetVideoEnabled(!off)
	})
	if err != nil {
		return false, err
	}
	return off, outErr
}

// HandleEnvelope ingests one call-family envelope from the signaling
// channel. Non-call envelopes are ignored.
func (m *Machine) HandleEnvelope(env *protocol.Envelope) {
	if !env.Type.IsCall() {
		return
	}
	e := *env
	m.postAsync(func() { m.handleEnvelope(&e) })
}

func (m *Machine) handleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCallOffer:
		m.handleOffer(env)
	case protocol.TypeCallAccept:
		m.handleAccept(env)
	case protocol.TypeCallAnswer:
		if m.matches(env) && m.neg != nil {
			if err := m.neg.HandleRemoteDescription(rtc.KindAnswer, env.SDP); err != nil {
				m.logger.Warn("answer apply failed", slog.Any("error", err))
			}
		}
	case protocol.TypeCallICECandidate:
		if m.matches(env) && m.neg != nil {
			if err := m.neg.HandleRemoteCandidate(env.Candidate); err != nil {
				m.logger.Warn("candidate apply failed", slog.Any("error", err))
			}
		}
	case protocol.TypeCallReject:
		if m.matches(env) {
			m.endSession("rejected by remote")
		}
	case protocol.TypeCallHangup:
		if m.matches(env) {
			m.endSession("hangup by remote")
		}
	case protocol.TypeCallError:
		if m.matches(env) {
			m.endSession(env.Reason)
		}
	}
}

func (m *Machine) matches(env *protocol.Envelope) bool {
	return m.sess != nil && m.sess.callID == env.CallID
}

// handleOffer covers three cases: a fresh ring (no SDP, no session), a
// renegotiation offer for the active call, and a second call while busy,
// which is auto-rejected without touching the current session.
func (m *Machine) handleOffer(env *protocol.Envelope) {
	if m.sess != nil {
		if m.sess.callID == env.CallID {
			if env.SDP != "" && m.neg != nil {
				if err := m.neg.HandleRemoteDescription(rtc.KindOffer, env.SDP); err != nil {
					m.logger.Warn("offer apply failed", slog.Any("error", err))
				}
			}
			return
		}
		// Busy: decline the second call, keep the current one untouched.
		_ = m.send(&protocol.Envelope{
			Type:        protocol.TypeCallReject,
			RecipientID: env.SenderID,
			CallID:      env.CallID,
			Reason:      protocol.ReasonBusy,
		})
		return
	}

	m.sess = &session{
		callID:         env.CallID,
		remoteUserID:   env.SenderID,
		remoteUsername: env.CallerName,
		polite:         m.cfg.SelfID < env.SenderID,
		status:         StatusIncoming,
	}
	m.cue.Play(CueRingtone)
	m.armRingTimer(env.CallID)
	m.notifier.OnIncomingCall(m.sess.snapshot())
	m.notifier.OnStateChange(m.sess.snapshot())
}

func (m *Machine) handleAccept(env *protocol.Envelope) {
	if !m.matches(env) || m.sess.status != StatusOutgoing {
		return
	}
	m.cancelRingTimer()
	m.cue.Stop()
	m.sess.status = StatusConnecting
	m.notifier.OnStateChange(m.sess.snapshot())
	m.setupPeer()
}

// setupPeer builds the peer link and negotiator for the current session and
// attaches local media. Attaching media triggers negotiation-needed, which
// produces the SDP-bearing offer. Runs on the machine loop.
func (m *Machine) setupPeer() {
	callID := m.sess.callID
	remoteID := m.sess.remoteUserID

	link, err := m.newLink()
	if err != nil {
		m.mediaFailure(err)
		return
	}
	m.link = link

	m.neg = rtc.NewNegotiator(link, m.sess.polite, func(kind, sdp string) error {
		typ := protocol.TypeCallOffer
		if kind == rtc.KindAnswer {
			typ = protocol.TypeCallAnswer
		}
		return m.send(&protocol.Envelope{
			Type:        typ,
			RecipientID: remoteID,
			CallID:      callID,
			SDP:         sdp,
		})
	})

	link.OnLocalCandidate(func(candidate json.RawMessage) {
		_ = m.send(&protocol.Envelope{
			Type:        protocol.TypeCallICECandidate,
			RecipientID: remoteID,
			CallID:      callID,
			Candidate:   candidate,
		})
	})

	link.OnICEStateChange(func(state rtc.ICEState) {
		m.postAsync(func() { m.iceStateChanged(callID, state) })
	})

	if err := link.AttachMedia(); err != nil {
		m.mediaFailure(err)
		return
	}
}

// mediaFailure tears the call down with a reason the remote side can show.
func (m *Machine) mediaFailure(err error) {
	m.logger.Error("media setup failed", slog.Any("error", err))
	m.sendBestEffort(protocol.TypeCallHangup, protocol.ReasonMediaFailed)
	m.endSession(protocol.ReasonMediaFailed)
}

// iceStateChanged reacts to transport health for the session it was armed
// for; a state change arriving after that call ended is ignored.
func (m *Machine) iceStateChanged(callID string, state rtc.ICEState) {
	if m.sess == nil || m.sess.callID != callID {
		return
	}
	switch state {
	case rtc.ICEConnected, rtc.ICECompleted:
		if m.sess.status == StatusConnecting || m.sess.status == StatusReconnecting {
			m.sess.status = StatusConnected
			if m.sess.startTime.IsZero() {
				m.sess.startTime = time.Now()
				m.armQualityPoll(callID)
			}
			m.notifier.OnStateChange(m.sess.snapshot())
		}
	case rtc.ICEDisconnected:
		if m.sess.status == StatusConnected {
			// Monitoring keeps running; the transport may recover on its own.
			m.sess.status = StatusReconnecting
			m.notifier.OnStateChange(m.sess.snapshot())
		}
	case rtc.ICEFailed:
		if m.neg != nil {
			if err := m.neg.RestartICE(); err != nil {
				m.logger.Warn("ice restart failed", slog.Any("error", err))
			}
		}
	}
}

// armQualityPoll samples transport stats once per interval while the call
// is connected or reconnecting.
func (m *Machine) armQualityPoll(callID string) {
	time.AfterFunc(m.cfg.QualityInterval, func() {
		m.postAsync(func() {
			if m.sess == nil || m.sess.callID != callID {
				return
			}
			if m.sess.status != StatusConnected && m.sess.status != StatusReconnecting {
				return
			}
			if m.link != nil {
				if stats, err := m.link.Stats(); err == nil {
					m.sess.quality = qualityBucket(stats)
					m.sess.latency = stats.RTT
					m.notifier.OnQuality(m.sess.quality, stats.RTT)
				}
			}
			m.armQualityPoll(callID)
		})
	})
}

// armRingTimer bounds the wait for the remote party. On expiry the
// outgoing side hangs up, the incoming side rejects; both return to idle.
func (m *Machine) armRingTimer(callID string) {
	m.cancelRingTimer()
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.postAsync(func() {
			if m.sess == nil || m.sess.callID != callID {
				return
			}
			switch m.sess.status {
			case StatusOutgoing:
				m.sendBestEffort(protocol.TypeCallHangup, protocol.ReasonRingTimeout)
				m.endSession(protocol.ReasonRingTimeout)
			case StatusIncoming:
				m.sendBestEffort(protocol.TypeCallReject, protocol.ReasonRingTimeout)
				m.endSession(protocol.ReasonRingTimeout)
			}
		})
	})
}

func (m *Machine) cancelRingTimer() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) sendBestEffort(typ protocol.Type, reason string) {
	if m.sess == nil {
		return
	}
	_ = m.send(&protocol.Envelope{
		Type:        typ,
		RecipientID: m.sess.remoteUserID,
		CallID:      m.sess.callID,
		Reason:      reason,
	})
}

// endSession releases every per-call resource: timers, the cue slot, the
// negotiator state and the peer link. Runs on the machine loop.
func (m *Machine) endSession(reason string) {
	if m.sess == nil {
		return
	}
	callID := m.sess.callID
	m.cancelRingTimer()
	m.cue.Stop()
	if m.neg != nil {
		m.neg.Reset()
		m.neg = nil
	}
	if m.link != nil {
		_ = m.link.Close()
		m.link = nil
	}
	m.sess.status = StatusEnded
	m.notifier.OnStateChange(m.sess.snapshot())
	m.sess = nil
	m.notifier.OnEnded(callID, reason)
	m.notifier.OnStateChange(Snapshot{Status: StatusIdle})
}
