package rtc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// MediaSource yields the local tracks to attach to a call. A nil track from
// either method means that kind is not sent.
type MediaSource interface {
	AudioTrack() (webrtc.TrackLocal, error)
	VideoTrack() (webrtc.TrackLocal, error)
}

// SampleMediaSource serves static sample tracks the application feeds with
// encoded media (opus/VP8). Suitable for headless clients and tests.
type SampleMediaSource struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample
}

func NewSampleMediaSource(withVideo bool) (*SampleMediaSource, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "huddle")
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	src := &SampleMediaSource{Audio: audio}
	if withVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "huddle")
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		src.Video = video
	}
	return src, nil
}

func (s *SampleMediaSource) AudioTrack() (webrtc.TrackLocal, error) {
	if s.Audio == nil {
		return nil, nil
	}
	return s.Audio, nil
}

func (s *SampleMediaSource) VideoTrack() (webrtc.TrackLocal, error) {
	if s.Video == nil {
		return nil, nil
	}
	return s.Video, nil
}

// PionLink implements PeerLink over a pion PeerConnection.
type PionLink struct {
	pc    *webrtc.PeerConnection
	media MediaSource

	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

func NewPionLink(iceServers []string, media MediaSource) (*PionLink, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionLink{pc: pc, media: media}, nil
}

func (l *PionLink) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (l *PionLink) CreateAnswer() (string, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (l *PionLink) SetRemoteDescription(kind, sdp string) error {
	var t webrtc.SDPType
	switch kind {
	case KindOffer:
		t = webrtc.SDPTypeOffer
	case KindAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unknown description kind %q", kind)
	}
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp})
}

func (l *PionLink) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return l.pc.AddICECandidate(init)
}

func (l *PionLink) Stable() bool {
	return l.pc.SignalingState() == webrtc.SignalingStateStable
}

func (l *PionLink) OnNegotiationNeeded(fn func()) {
	l.pc.OnNegotiationNeeded(fn)
}

func (l *PionLink) OnLocalCandidate(fn func(json.RawMessage)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (l *PionLink) OnICEStateChange(fn func(ICEState)) {
	l.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		fn(mapICEState(s))
	})
}

func mapICEState(s webrtc.ICEConnectionState) ICEState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return ICECompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ICEFailed
	case webrtc.ICEConnectionStateClosed:
		return ICEClosed
	default:
		return ICENew
	}
}

func (l *PionLink) AttachMedia() error {
	audio, err := l.media.AudioTrack()
	if err != nil {
		return fmt.Errorf("acquire audio: %w", err)
	}
	if audio != nil {
		sender, err := l.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		l.audioTrack, l.audioSender = audio, sender
	}

	video, err := l.media.VideoTrack()
	if err != nil {
		return fmt.Errorf("acquire video: %w", err)
	}
	if video != nil {
		sender, err := l.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		l.videoTrack, l.videoSender = video, sender
	}
	return nil
}

// SetMuted detaches or reattaches the audio track without renegotiating the
// session.
func (l *PionLink) SetMuted(muted bool) error {
	if l.audioSender == nil {
		return nil
	}
	if muted {
		return l.audioSender.ReplaceTrack(nil)
	}
	return l.audioSender.ReplaceTrack(l.audioTrack)
}

func (l *PionLink) SetVideoEnabled(enabled bool) error {
	if l.videoSender == nil {
		return nil
	}
	if enabled {
		return l.videoSender.ReplaceTrack(l.videoTrack)
	}
	return l.videoSender.ReplaceTrack(nil)
}

// Stats samples packet loss and round-trip time from the remote inbound
// RTP stream reports.
func (l *PionLink) Stats() (Stats, error) {
	report := l.pc.GetStats()
	var out Stats
	for _, s := range report {
		if ri, ok := s.(webrtc.RemoteInboundRTPStreamStats); ok {
			if ri.FractionLost > out.PacketLoss {
				out.PacketLoss = ri.FractionLost
			}
			rtt := time.Duration(ri.RoundTripTime * float64(time.Second))
			if rtt > out.RTT {
				out.RTT = rtt
			}
		}
	}
	return out, nil
}

func (l *PionLink) Close() error {
	return l.pc.Close()
}
