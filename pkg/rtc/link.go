// Package rtc wraps the underlying peer transport and resolves offer
// collisions with a fixed polite/impolite role per session (the Perfect
// Negotiation pattern).
package rtc

import (
	"encoding/json"
	"time"
)

// ICEState is the subset of ICE connection states the call machine reacts to.
type ICEState int

const (
	ICENew ICEState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

func (s ICEState) String() string {
	switch s {
	case ICENew:
		return "new"
	case ICEChecking:
		return "checking"
	case ICEConnected:
		return "connected"
	case ICECompleted:
		return "completed"
	case ICEDisconnected:
		return "disconnected"
	case ICEFailed:
		return "failed"
	case ICEClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is one sample of transport health used for quality bucketing.
type Stats struct {
	PacketLoss float64 // fraction, 0..1
	RTT        time.Duration
}

// PeerLink is the negotiator's view of one peer transport. The production
// implementation is PionLink; tests substitute fakes.
type PeerLink interface {
	// CreateOffer produces a local offer and applies it as the local
	// description. iceRestart requests new ICE credentials.
	CreateOffer(iceRestart bool) (sdp string, err error)
	// CreateAnswer produces a local answer and applies it as the local
	// description.
	CreateAnswer() (sdp string, err error)
	// SetRemoteDescription applies a remote description. kind is "offer"
	// or "answer".
	SetRemoteDescription(kind, sdp string) error
	AddICECandidate(candidate json.RawMessage) error
	// Stable reports whether the signaling state is stable.
	Stable() bool

	OnNegotiationNeeded(fn func())
	OnLocalCandidate(fn func(candidate json.RawMessage))
	OnICEStateChange(fn func(state ICEState))

	// AttachMedia acquires and adds the local media tracks.
	AttachMedia() error
	SetMuted(muted bool) error
	SetVideoEnabled(enabled bool) error

	Stats() (Stats, error)
	Close() error
}
