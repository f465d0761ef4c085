// Package protocol defines the wire envelopes exchanged over the persistent
// per-user socket. Every frame is one JSON object tagged by `type`; the
// server reads routing fields only and treats payload content as opaque.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Type string

const (
	TypeMessage         Type = "message"
	TypeMessageAck      Type = "message_ack"
	TypeDelivered       Type = "delivered"
	TypeRead            Type = "read"
	TypeReadReceipt     Type = "read_receipt"
	TypeTyping          Type = "typing"
	TypeGroupMessage    Type = "group-message"
	TypeGroupMessageAck Type = "group-message_ack"
	TypeError           Type = "error"

	TypeCallOffer        Type = "call-offer"
	TypeCallAnswer       Type = "call-answer"
	TypeCallICECandidate Type = "call-ice-candidate"
	TypeCallAccept       Type = "call-accept"
	TypeCallReject       Type = "call-reject"
	TypeCallHangup       Type = "call-hangup"
	TypeCallError        Type = "call-error"
)

// IsCall reports whether the envelope belongs to the call signaling family.
// The signaling channel uses this to dispatch to the call state machine.
func (t Type) IsCall() bool {
	return strings.HasPrefix(string(t), "call-")
}

// Known reports whether t is a type this protocol version understands.
func (t Type) Known() bool {
	switch t {
	case TypeMessage, TypeMessageAck, TypeDelivered, TypeRead, TypeReadReceipt,
		TypeTyping, TypeGroupMessage, TypeGroupMessageAck, TypeError,
		TypeCallOffer, TypeCallAnswer, TypeCallICECandidate,
		TypeCallAccept, TypeCallReject, TypeCallHangup, TypeCallError:
		return true
	default:
		return false
	}
}

// Envelope is the tagged union of every frame on the wire. Which fields are
// required depends on Type; Validate enforces that. All fields are omitempty
// so each variant serializes only its own shape.
type Envelope struct {
	Type Type `json:"type"`

	// Routing. SenderID is stamped by the server from the authenticated
	// connection and is never trusted from the client.
	SenderID    string `json:"senderId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`

	// Chat.
	ID               string `json:"id,omitempty"`        // durable message id (set by persistence)
	TempID           string `json:"tempId,omitempty"`    // client-side id, echoed in acks
	MessageID        string `json:"messageId,omitempty"` // delivered / read receipts
	EncryptedContent string `json:"encryptedContent,omitempty"`
	ConversationID   string `json:"conversationId,omitempty"`
	IsTyping         *bool  `json:"isTyping,omitempty"`
	ReaderID         string `json:"readerId,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"` // unix milliseconds

	// Calls. SDP and Candidate are opaque to the relay.
	CallID     string          `json:"callId,omitempty"`
	CallerName string          `json:"callerName,omitempty"`
	SDP        string          `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Reason     string          `json:"reason,omitempty"`

	// Errors.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var ErrMissingField = errors.New("missing required field")

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// Validate checks the required-field set for the envelope's type, as a
// client would have produced it. Server-stamped fields (senderId, id,
// timestamp) are not required here.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeMessage:
		if e.RecipientID == "" {
			return missing("recipientId")
		}
		if e.EncryptedContent == "" {
			return missing("encryptedContent")
		}
	case TypeGroupMessage:
		if e.GroupID == "" {
			return missing("groupId")
		}
		if e.EncryptedContent == "" {
			return missing("encryptedContent")
		}
	case TypeTyping:
		if e.RecipientID == "" {
			return missing("recipientId")
		}
		if e.ConversationID == "" {
			return missing("conversationId")
		}
		if e.IsTyping == nil {
			return missing("isTyping")
		}
	case TypeRead:
		if e.RecipientID == "" {
			return missing("recipientId")
		}
	case TypeCallOffer:
		// sdp is optional: the initial ring offer carries none.
		if e.RecipientID == "" {
			return missing("recipientId")
		}
		if e.CallID == "" {
			return missing("callId")
		}
	case TypeCallAnswer:
		if e.RecipientID == "" {
			return missing("recipientId")
		}
		if e.CallID == "" {
			return missing("callId")
		}
		if e.SDP == "" {
			return missing("sdp")
		}
	case TypeCallICECandidate:
		if e.RecipientID == "" {
			return missing("recipientId")
		}
		if e.CallID == "" {
			return missing("callId")
		}
		if len(e.Candidate) == 0 {
			return missing("candidate")
		}
	case TypeCallAccept, TypeCallReject, TypeCallHangup:
		if e.RecipientID == "" {
			return missing("recipientId")
		}
		if e.CallID == "" {
			return missing("callId")
		}
	case TypeMessageAck, TypeGroupMessageAck, TypeDelivered, TypeReadReceipt,
		TypeError, TypeCallError:
		// Server-originated; clients never submit these for relay.
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return nil
}

// ErrorEnvelope builds a local `error` reply. It is answered to the sender
// and never relayed.
func ErrorEnvelope(code, message string) *Envelope {
	return &Envelope{Type: TypeError, Code: code, Message: message}
}

// CallErrorEnvelope builds a `call-error` reply for a specific call.
func CallErrorEnvelope(callID, reason string) *Envelope {
	return &Envelope{Type: TypeCallError, CallID: callID, Reason: reason}
}
