package relay_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"huddle/internal/registry"
	"huddle/internal/relay"
	"huddle/pkg/protocol"
)

type fakeLink struct {
	id   uuid.UUID
	open bool
	sent []*protocol.Envelope
}

func newFakeLink() *fakeLink { return &fakeLink{id: uuid.New(), open: true} }

func (f *fakeLink) ID() uuid.UUID { return f.id }
func (f *fakeLink) Open() bool    { return f.open }
func (f *fakeLink) Close(string)  { f.open = false }
func (f *fakeLink) Send(env *protocol.Envelope) bool {
	if !f.open {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeLink) byType(typ protocol.Type) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range f.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type memStore struct {
	saved    []string
	failOnID int // 1-based save ordinal that fails; 0 disables
	calls    int
	marked   map[string]string
}

func (m *memStore) SaveDirect(_ context.Context, senderID, recipientID, content string) (string, int64, error) {
	m.calls++
	if m.failOnID != 0 && m.calls == m.failOnID {
		return "", 0, errors.New("disk full")
	}
	id := fmt.Sprintf("msg-%d", m.calls)
	m.saved = append(m.saved, id)
	return id, int64(1000 + m.calls), nil
}

func (m *memStore) SaveGroup(_ context.Context, senderID, groupID, content string) (string, int64, error) {
	m.calls++
	id := fmt.Sprintf("gmsg-%d", m.calls)
	m.saved = append(m.saved, id)
	return id, int64(1000 + m.calls), nil
}

func (m *memStore) MarkRead(_ context.Context, readerID, peerID string) (int64, error) {
	if m.marked == nil {
		m.marked = make(map[string]string)
	}
	m.marked[readerID] = peerID
	return 1, nil
}

type allowAll struct{}

func (allowAll) AreFriends(context.Context, string, string) (bool, error) { return true, nil }

type denyAll struct{}

func (denyAll) AreFriends(context.Context, string, string) (bool, error) { return false, nil }

type staticGroups map[string][]string

func (g staticGroups) Members(_ context.Context, groupID string) ([]string, error) {
	return g[groupID], nil
}

type recordingTyping struct {
	set []string
}

func (r *recordingTyping) Set(conversationID, userID string, isTyping bool) {
	r.set = append(r.set, fmt.Sprintf("%s/%s/%v", conversationID, userID, isTyping))
}

type fixture struct {
	reg    *registry.Registry
	store  *memStore
	typing *recordingTyping
	relay  *relay.Relay
}

func newFixture(friends relay.Friendships, groups relay.Groups) *fixture {
	f := &fixture{
		reg:    registry.New(),
		store:  &memStore{},
		typing: &recordingTyping{},
	}
	f.relay = relay.New(f.reg, f.store, friends, groups, f.typing, slog.Default())
	return f
}

func TestMessageToNonFriendYieldsErrorAndNoPersist(t *testing.T) {
	f := newFixture(denyAll{}, staticGroups{})
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeMessage, RecipientID: "bob", EncryptedContent: "x",
	})

	errs := sender.byType(protocol.TypeError)
	if len(errs) != 1 || errs[0].Code != protocol.CodeNotAllowed {
		t.Fatalf("expected one not_allowed error, got %v", sender.sent)
	}
	if len(f.store.saved) != 0 {
		t.Fatalf("nothing must be persisted, got %v", f.store.saved)
	}
}

func TestMessageMissingFieldsYieldsValidationError(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeMessage, RecipientID: "bob",
	})

	errs := sender.byType(protocol.TypeError)
	if len(errs) != 1 || errs[0].Code != protocol.CodeInvalidEnvelope {
		t.Fatalf("expected invalid_envelope error, got %v", sender.sent)
	}
}

func TestMessageOnlineRecipientAckForwardDelivered(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()
	recipient := newFakeLink()
	f.reg.Register("bob", recipient)

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeMessage, RecipientID: "bob", EncryptedContent: "x", TempID: "t1",
	})

	acks := sender.byType(protocol.TypeMessageAck)
	if len(acks) != 1 {
		t.Fatalf("expected one ack, got %v", sender.sent)
	}
	if acks[0].ID == "" || acks[0].TempID != "t1" || acks[0].Timestamp == 0 {
		t.Fatalf("ack missing id/tempId/timestamp: %+v", acks[0])
	}

	forwarded := recipient.byType(protocol.TypeMessage)
	if len(forwarded) != 1 {
		t.Fatalf("expected one forwarded message, got %v", recipient.sent)
	}
	if forwarded[0].ID != acks[0].ID || forwarded[0].SenderID != "alice" {
		t.Fatalf("forwarded envelope must carry persisted id and sender: %+v", forwarded[0])
	}

	delivered := sender.byType(protocol.TypeDelivered)
	if len(delivered) != 1 {
		t.Fatalf("expected one delivered event, got %v", sender.sent)
	}
	if delivered[0].MessageID != acks[0].ID {
		t.Fatalf("delivered.messageId %q must match ack.id %q", delivered[0].MessageID, acks[0].ID)
	}
}

func TestMessageOfflineRecipientAckOnly(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeMessage, RecipientID: "bob", EncryptedContent: "x",
	})

	if len(sender.byType(protocol.TypeMessageAck)) != 1 {
		t.Fatalf("expected ack even when recipient offline")
	}
	if len(sender.byType(protocol.TypeDelivered)) != 0 {
		t.Fatalf("no delivered event for offline recipient")
	}
	if len(sender.byType(protocol.TypeError)) != 0 {
		t.Fatalf("offline recipient is not an error for ordinary messages")
	}
}

func TestPersistFailureIsIndependentPerMessage(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	f.store.failOnID = 2
	sender := newFakeLink()
	recipient := newFakeLink()
	f.reg.Register("bob", recipient)

	for i := 0; i < 3; i++ {
		f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
			Type: protocol.TypeMessage, RecipientID: "bob", EncryptedContent: "x",
		})
	}

	if got := len(sender.byType(protocol.TypeMessageAck)); got != 2 {
		t.Fatalf("expected acks for messages 1 and 3, got %d", got)
	}
	errs := sender.byType(protocol.TypeError)
	if len(errs) != 1 || errs[0].Code != protocol.CodePersistFailed {
		t.Fatalf("expected one persist_failed error, got %v", errs)
	}
	if got := len(recipient.byType(protocol.TypeMessage)); got != 2 {
		t.Fatalf("expected messages 1 and 3 forwarded, got %d", got)
	}
}

func TestGroupMessageFansOutExcludingSender(t *testing.T) {
	groups := staticGroups{"g1": {"alice", "bob", "carol", "dan"}}
	f := newFixture(allowAll{}, groups)
	sender := newFakeLink()
	bob := newFakeLink()
	carol := newFakeLink()
	f.reg.Register("alice", sender)
	f.reg.Register("bob", bob)
	f.reg.Register("carol", carol)
	// dan is a member but offline

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeGroupMessage, GroupID: "g1", EncryptedContent: "x",
	})

	if len(sender.byType(protocol.TypeGroupMessageAck)) != 1 {
		t.Fatalf("expected one group ack, got %v", sender.sent)
	}
	if len(sender.byType(protocol.TypeGroupMessage)) != 0 {
		t.Fatalf("sender must not receive its own group message")
	}
	if len(bob.byType(protocol.TypeGroupMessage)) != 1 || len(carol.byType(protocol.TypeGroupMessage)) != 1 {
		t.Fatalf("every online member except sender must receive the message")
	}
}

func TestGroupMessageFromNonMemberRejected(t *testing.T) {
	groups := staticGroups{"g1": {"bob", "carol"}}
	f := newFixture(allowAll{}, groups)
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeGroupMessage, GroupID: "g1", EncryptedContent: "x",
	})

	errs := sender.byType(protocol.TypeError)
	if len(errs) != 1 || errs[0].Code != protocol.CodeNotAllowed {
		t.Fatalf("expected not_allowed error, got %v", sender.sent)
	}
	if len(f.store.saved) != 0 {
		t.Fatalf("nothing must be persisted for a non-member")
	}
}

// Typing deliberately diverges from every other handler: missing fields are
// dropped without an error reply. This pins the asymmetry so changing it is
// a conscious decision.
func TestTypingMissingFieldsSilentlyDropped(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeTyping, RecipientID: "bob",
	})

	if len(sender.sent) != 0 {
		t.Fatalf("typing with missing fields must produce no reply at all, got %v", sender.sent)
	}
}

func TestTypingRelayedToRecipientOnly(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()
	recipient := newFakeLink()
	f.reg.Register("bob", recipient)

	yes := true
	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeTyping, RecipientID: "bob", ConversationID: "c1", IsTyping: &yes,
	})

	if len(recipient.byType(protocol.TypeTyping)) != 1 {
		t.Fatalf("expected typing relayed to recipient")
	}
	if len(f.typing.set) != 1 || f.typing.set[0] != "c1/alice/true" {
		t.Fatalf("expected typing state recorded, got %v", f.typing.set)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("typing produces no reply to the sender")
	}
}

func TestReadMarksAndNotifiesOriginalSender(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	reader := newFakeLink()
	origin := newFakeLink()
	f.reg.Register("alice", origin)

	f.relay.Handle(context.Background(), "bob", reader, &protocol.Envelope{
		Type: protocol.TypeRead, RecipientID: "alice",
	})

	if f.store.marked["bob"] != "alice" {
		t.Fatalf("expected bulk mark-as-read for bob/alice, got %v", f.store.marked)
	}
	receipts := origin.byType(protocol.TypeReadReceipt)
	if len(receipts) != 1 || receipts[0].ReaderID != "bob" {
		t.Fatalf("expected read_receipt{readerId:bob}, got %v", origin.sent)
	}
}

func TestCallOfferOfflineYieldsExactlyOneCallError(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeCallOffer, RecipientID: "bob", CallID: "c1",
	})

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one reply, got %v", sender.sent)
	}
	env := sender.sent[0]
	if env.Type != protocol.TypeCallError || env.CallID != "c1" || env.Reason != protocol.ReasonRecipientOffline {
		t.Fatalf("expected call-error{recipient_offline}, got %+v", env)
	}
}

func TestCallOfferOnlineIsRelayedOpaquely(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()
	recipient := newFakeLink()
	f.reg.Register("bob", recipient)

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeCallOffer, RecipientID: "bob", CallID: "c1", SDP: "v=0...",
	})

	offers := recipient.byType(protocol.TypeCallOffer)
	if len(offers) != 1 {
		t.Fatalf("expected offer relayed, got %v", recipient.sent)
	}
	if offers[0].SDP != "v=0..." || offers[0].SenderID != "alice" {
		t.Fatalf("sdp must pass through untouched with sender stamped: %+v", offers[0])
	}
	if len(sender.sent) != 0 {
		t.Fatalf("no reply expected for a relayed offer")
	}
}

func TestCallCandidateOfflineDroppedSilently(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeCallICECandidate, RecipientID: "bob", CallID: "c1",
		Candidate: []byte(`{"candidate":"candidate:1"}`),
	})

	if len(sender.sent) != 0 {
		t.Fatalf("candidates to offline recipients are dropped without error, got %v", sender.sent)
	}
}

func TestCallHangupOfflineNoNotification(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeCallHangup, RecipientID: "bob", CallID: "c1",
	})

	if len(sender.sent) != 0 {
		t.Fatalf("hangup is best-effort, got %v", sender.sent)
	}
}

func TestServerOriginatedTypesRejectedFromClients(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{
		Type: protocol.TypeDelivered, MessageID: "m1",
	})

	errs := sender.byType(protocol.TypeError)
	if len(errs) != 1 || errs[0].Code != protocol.CodeInvalidEnvelope {
		t.Fatalf("expected invalid_envelope, got %v", sender.sent)
	}
}

func TestUnknownTypeAnswered(t *testing.T) {
	f := newFixture(allowAll{}, staticGroups{})
	sender := newFakeLink()

	f.relay.Handle(context.Background(), "alice", sender, &protocol.Envelope{Type: "presence"})

	errs := sender.byType(protocol.TypeError)
	if len(errs) != 1 || errs[0].Code != protocol.CodeUnknownType {
		t.Fatalf("expected unknown_type error, got %v", sender.sent)
	}
}
