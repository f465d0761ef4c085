package protocol

import (
	"encoding/json"
	"testing"
)

func TestValidateMessageRequiresRecipientAndContent(t *testing.T) {
	env := &Envelope{Type: TypeMessage, EncryptedContent: "abc"}
	if err := env.Validate(); err == nil {
		t.Fatalf("expected error for missing recipientId")
	}

	env = &Envelope{Type: TypeMessage, RecipientID: "u2"}
	if err := env.Validate(); err == nil {
		t.Fatalf("expected error for missing encryptedContent")
	}

	env = &Envelope{Type: TypeMessage, RecipientID: "u2", EncryptedContent: "abc"}
	if err := env.Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
}

func TestValidateTypingRequiresAllThreeFields(t *testing.T) {
	yes := true
	cases := []*Envelope{
		{Type: TypeTyping, ConversationID: "c1", IsTyping: &yes},
		{Type: TypeTyping, RecipientID: "u2", IsTyping: &yes},
		{Type: TypeTyping, RecipientID: "u2", ConversationID: "c1"},
	}
	for i, env := range cases {
		if err := env.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	ok := &Envelope{Type: TypeTyping, RecipientID: "u2", ConversationID: "c1", IsTyping: &yes}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid typing, got %v", err)
	}
}

func TestValidateCallOfferSDPOptional(t *testing.T) {
	env := &Envelope{Type: TypeCallOffer, RecipientID: "u2", CallID: "c1"}
	if err := env.Validate(); err != nil {
		t.Fatalf("initial ring offer must not require sdp: %v", err)
	}

	env = &Envelope{Type: TypeCallAnswer, RecipientID: "u2", CallID: "c1"}
	if err := env.Validate(); err == nil {
		t.Fatalf("call-answer must require sdp")
	}
}

func TestValidateCallCandidateRequiresCandidate(t *testing.T) {
	env := &Envelope{Type: TypeCallICECandidate, RecipientID: "u2", CallID: "c1"}
	if err := env.Validate(); err == nil {
		t.Fatalf("expected error for missing candidate")
	}
	env.Candidate = json.RawMessage(`{"candidate":"candidate:1"}`)
	if err := env.Validate(); err != nil {
		t.Fatalf("expected valid candidate envelope, got %v", err)
	}
}

func TestIsCallCoversCallFamilyOnly(t *testing.T) {
	for _, typ := range []Type{TypeCallOffer, TypeCallAnswer, TypeCallICECandidate, TypeCallAccept, TypeCallReject, TypeCallHangup, TypeCallError} {
		if !typ.IsCall() {
			t.Fatalf("%s should be a call type", typ)
		}
	}
	for _, typ := range []Type{TypeMessage, TypeTyping, TypeRead, TypeError} {
		if typ.IsCall() {
			t.Fatalf("%s should not be a call type", typ)
		}
	}
}

func TestUnknownTypeNotKnown(t *testing.T) {
	if Type("presence").Known() {
		t.Fatalf("unexpected known type")
	}
	if err := (&Envelope{Type: "presence"}).Validate(); err == nil {
		t.Fatalf("expected validation error for unknown type")
	}
}
