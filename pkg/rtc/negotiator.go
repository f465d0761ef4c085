package rtc

import (
	"encoding/json"
	"sync"
)

// DescriptionKind values on the wire.
const (
	KindOffer  = "offer"
	KindAnswer = "answer"
)

// SendDescription transmits a local description to the remote peer through
// the signaling channel.
type SendDescription func(kind, sdp string) error

// NegotiationState is the snapshot of the three collision-gating booleans.
type NegotiationState struct {
	MakingOffer                bool
	IgnoreOffer                bool
	SettingRemoteAnswerPending bool
}

// Negotiator drives one peer link through renegotiation. The polite role is
// fixed when the session is created and never changes; on a simultaneous
// offer collision the impolite side keeps its own offer and drops the
// remote one, the polite side defers.
type Negotiator struct {
	polite bool
	link   PeerLink
	send   SendDescription

	mu                  sync.Mutex
	makingOffer         bool
	ignoreOffer         bool
	settingRemoteAnswer bool
}

func NewNegotiator(link PeerLink, polite bool, send SendDescription) *Negotiator {
	n := &Negotiator{polite: polite, link: link, send: send}
	link.OnNegotiationNeeded(n.negotiationNeeded)
	return n
}

func (n *Negotiator) Polite() bool { return n.polite }

// State returns the current collision-gating booleans.
func (n *Negotiator) State() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NegotiationState{
		MakingOffer:                n.makingOffer,
		IgnoreOffer:                n.ignoreOffer,
		SettingRemoteAnswerPending: n.settingRemoteAnswer,
	}
}

// negotiationNeeded produces and sends a local offer, holding makingOffer
// for the whole duration so a colliding remote offer is detected.
func (n *Negotiator) negotiationNeeded() {
	n.mu.Lock()
	n.makingOffer = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.makingOffer = false
		n.mu.Unlock()
	}()

	sdp, err := n.link.CreateOffer(false)
	if err != nil {
		return
	}
	_ = n.send(KindOffer, sdp)
}

// HandleRemoteDescription applies a remote offer or answer. A colliding
// offer on the impolite side is dropped entirely: no reply, no error, no
// further processing.
func (n *Negotiator) HandleRemoteDescription(kind, sdp string) error {
	offer := kind == KindOffer

	n.mu.Lock()
	collision := offer && (n.makingOffer || !n.link.Stable())
	n.ignoreOffer = !n.polite && collision
	if n.ignoreOffer {
		n.mu.Unlock()
		return nil
	}
	n.settingRemoteAnswer = !offer
	n.mu.Unlock()

	err := n.link.SetRemoteDescription(kind, sdp)

	n.mu.Lock()
	n.settingRemoteAnswer = false
	n.mu.Unlock()

	if err != nil {
		return err
	}

	if offer {
		answer, err := n.link.CreateAnswer()
		if err != nil {
			return err
		}
		return n.send(KindAnswer, answer)
	}
	return nil
}

// HandleRemoteCandidate applies a remote ICE candidate. Candidates are
// ignored while an offer is being ignored, and apply errors are swallowed
// while an answer is still being applied: races there are expected and
// non-fatal.
func (n *Negotiator) HandleRemoteCandidate(candidate json.RawMessage) error {
	n.mu.Lock()
	ignore := n.ignoreOffer
	n.mu.Unlock()
	if ignore {
		return nil
	}

	if err := n.link.AddICECandidate(candidate); err != nil {
		n.mu.Lock()
		pending := n.settingRemoteAnswer || n.ignoreOffer
		n.mu.Unlock()
		if pending {
			return nil
		}
		return err
	}
	return nil
}

// RestartICE produces a new offer with fresh ICE credentials. Invoked only
// on ICE failure; the polite role is untouched.
func (n *Negotiator) RestartICE() error {
	n.mu.Lock()
	n.makingOffer = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.makingOffer = false
		n.mu.Unlock()
	}()

	sdp, err := n.link.CreateOffer(true)
	if err != nil {
		return err
	}
	return n.send(KindOffer, sdp)
}

// Reset clears the collision-gating state. Called when the session closes.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	n.makingOffer = false
	n.ignoreOffer = false
	n.settingRemoteAnswer = false
	n.mu.Unlock()
}
