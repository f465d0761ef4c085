package relay

import (
	"huddle/internal/registry"
	"huddle/pkg/protocol"
)

// Call signaling is pure routing keyed by callId + recipientId. Payloads
// (sdp, candidates) pass through untouched.

// handleCallNegotiation routes call-offer and call-answer. These are the two
// envelopes a caller actively waits on, so an unreachable recipient is
// surfaced as a call-error instead of silence.
func (r *Relay) handleCallNegotiation(senderID string, sender registry.Link, env *protocol.Envelope) {
	if err := env.Validate(); err != nil {
		sender.Send(protocol.ErrorEnvelope(protocol.CodeInvalidEnvelope, err.Error()))
		return
	}

	recipient, ok := r.reg.Lookup(env.RecipientID)
	if !ok || !recipient.Open() {
		sender.Send(protocol.CallErrorEnvelope(env.CallID, protocol.ReasonRecipientOffline))
		return
	}
	recipient.Send(env)
}

// handleCallCandidate is fire-and-forget: ICE candidates are racy and
// replaceable, so an offline recipient just loses this one silently.
func (r *Relay) handleCallCandidate(senderID string, sender registry.Link, env *protocol.Envelope) {
	if err := env.Validate(); err != nil {
		sender.Send(protocol.ErrorEnvelope(protocol.CodeInvalidEnvelope, err.Error()))
		return
	}

	if recipient, ok := r.reg.Lookup(env.RecipientID); ok && recipient.Open() {
		recipient.Send(env)
	}
}

// handleCallBestEffort forwards accept/reject/hangup without an offline
// notification: if the peer vanished, the message is moot.
func (r *Relay) handleCallBestEffort(senderID string, sender registry.Link, env *protocol.Envelope) {
	if err := env.Validate(); err != nil {
		sender.Send(protocol.ErrorEnvelope(protocol.CodeInvalidEnvelope, err.Error()))
		return
	}

	if recipient, ok := r.reg.Lookup(env.RecipientID); ok && recipient.Open() {
		recipient.Send(env)
	}
}
