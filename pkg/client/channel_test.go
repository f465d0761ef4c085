package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"huddle/pkg/protocol"
)

type fakeConn struct {
	mu    sync.Mutex
	wrote []*protocol.Envelope

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.wrote = append(f.wrote, &env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.drop()
	return nil
}

// drop simulates the socket dying, from either side.
func (f *fakeConn) drop() { f.once.Do(func() { close(f.closed) }) }

func (f *fakeConn) written() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, len(f.wrote))
	copy(out, f.wrote)
	return out
}

// deliver pushes an inbound frame as if the server sent it.
func (f *fakeConn) deliver(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.inbox <- data
}

type fakeDialer struct {
	mu         sync.Mutex
	conns      []*fakeConn
	dialErr    error
	lastToken  string
	dialedSign chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialedSign: make(chan struct{}, 8)}
}

func (d *fakeDialer) dial(ctx context.Context, url, token, userAgent string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastToken = token
	select {
	case d.dialedSign <- struct{}{}:
	default:
	}
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeTokens struct {
	mu         sync.Mutex
	refreshes  int
	refreshErr error
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) { return "token-0", nil }

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.refreshes++
	return "token-1", nil
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type plainCipher struct{}

func (plainCipher) Encrypt(recipientID, plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}

type recordingHandler struct {
	events    chan string
	envelopes chan *protocol.Envelope
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan string, 16), envelopes: make(chan *protocol.Envelope, 16)}
}

func (h *recordingHandler) OnConnected()                      { h.events <- "connected" }
func (h *recordingHandler) OnReconnected(time.Duration)       { h.events <- "reconnected" }
func (h *recordingHandler) OnDisconnected()                   { h.events <- "disconnected" }
func (h *recordingHandler) OnSessionExpired()                 { h.events <- "session_expired" }
func (h *recordingHandler) OnEnvelope(env *protocol.Envelope) { h.envelopes <- env }
func (h *recordingHandler) OnError(env *protocol.Envelope)    { h.events <- "error:" + env.Code }

func (h *recordingHandler) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.events:
		if got != want {
			t.Fatalf("expected event %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %q", want)
	}
}

func newTestChannel(cfg Config, tokens TokenSource, dialer *fakeDialer, handler EventHandler) *Channel {
	cfg.ServerURL = "ws://test/ws"
	ch := NewChannel(cfg, tokens, plainCipher{})
	ch.dial = dialer.dial
	ch.SetEventHandler(handler)
	return ch
}

func TestSendMessageQueuedWhileDisconnected(t *testing.T) {
	ch := newTestChannel(Config{}, &fakeTokens{}, newFakeDialer(), newRecordingHandler())

	tempID, err := ch.SendMessage("bob", "hello")
	if err != nil {
		t.Fatalf("queued send must not fail: %v", err)
	}
	if tempID == "" {
		t.Fatalf("expected a temp id even for a queued message")
	}
	if ch.QueueLen() != 1 {
		t.Fatalf("expected 1 queued message, got %d", ch.QueueLen())
	}
}

func TestQueueDrainsInOrderOnConnect(t *testing.T) {
	dialer := newFakeDialer()
	handler := newRecordingHandler()
	ch := newTestChannel(Config{}, &fakeTokens{}, dialer, handler)

	var tempIDs []string
	for _, text := range []string{"one", "two", "three"} {
		id, _ := ch.SendMessage("bob", text)
		tempIDs = append(tempIDs, id)
	}

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Close()
	handler.expect(t, "connected")

	wrote := dialer.conn(0).written()
	if len(wrote) != 3 {
		t.Fatalf("expected 3 flushed messages, got %d", len(wrote))
	}
	for i, env := range wrote {
		if env.Type != protocol.TypeMessage || env.TempID != tempIDs[i] {
			t.Fatalf("message %d out of order: %+v", i, env)
		}
	}
	if wrote[0].EncryptedContent != "enc:one" {
		t.Fatalf("queued sends must go through the cipher, got %q", wrote[0].EncryptedContent)
	}
	if ch.QueueLen() != 0 {
		t.Fatalf("queue must be empty after flush, got %d", ch.QueueLen())
	}
}

func TestReconnectRefreshesTokenOnce(t *testing.T) {
	dialer := newFakeDialer()
	tokens := &fakeTokens{}
	handler := newRecordingHandler()
	ch := newTestChannel(Config{ReconnectDelay: 10 * time.Millisecond}, tokens, dialer, handler)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Close()
	handler.expect(t, "connected")

	dialer.conn(0).drop()
	handler.expect(t, "disconnected")
	// Brief outage, below the reconnect notice threshold.
	handler.expect(t, "connected")

	if got := tokens.refreshCount(); got != 1 {
		t.Fatalf("expected exactly one token refresh, got %d", got)
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("expected a second dial, got %d", dialer.dialCount())
	}
	dialer.mu.Lock()
	last := dialer.lastToken
	dialer.mu.Unlock()
	if last != "token-1" {
		t.Fatalf("reconnect must use the refreshed credential, got %q", last)
	}
	if ch.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", ch.State())
	}
}

func TestRefreshFailureEndsSession(t *testing.T) {
	dialer := newFakeDialer()
	tokens := &fakeTokens{}
	handler := newRecordingHandler()
	ch := newTestChannel(Config{ReconnectDelay: 10 * time.Millisecond}, tokens, dialer, handler)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Close()
	handler.expect(t, "connected")

	tokens.mu.Lock()
	tokens.refreshErr = errors.New("refresh token revoked")
	tokens.mu.Unlock()

	dialer.conn(0).drop()
	handler.expect(t, "disconnected")
	handler.expect(t, "session_expired")

	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected after refresh failure, got %s", ch.State())
	}

	// No further dials on their own: the session is over.
	time.Sleep(50 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no retry after refresh failure, got %d dials", dialer.dialCount())
	}
}

func TestTypingDebouncePerConversation(t *testing.T) {
	dialer := newFakeDialer()
	handler := newRecordingHandler()
	ch := newTestChannel(Config{TypingInterval: time.Minute}, &fakeTokens{}, dialer, handler)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Close()
	handler.expect(t, "connected")

	_ = ch.SendTyping("bob", "conv1", true)
	_ = ch.SendTyping("bob", "conv1", true) // debounced
	_ = ch.SendTyping("bob", "conv2", true) // separate conversation
	_ = ch.SendTyping("bob", "conv1", false)
	_ = ch.SendTyping("bob", "conv1", true) // debounce was reset by false

	wrote := dialer.conn(0).written()
	if len(wrote) != 4 {
		t.Fatalf("expected 4 typing frames, got %d: %+v", len(wrote), wrote)
	}
	if *wrote[2].IsTyping != false || wrote[2].ConversationID != "conv1" {
		t.Fatalf("typing=false must always go out: %+v", wrote[2])
	}
	if *wrote[3].IsTyping != true {
		t.Fatalf("typing=true after a false must go out again: %+v", wrote[3])
	}
}

func TestCallEnvelopesRoutedToSink(t *testing.T) {
	dialer := newFakeDialer()
	handler := newRecordingHandler()
	ch := newTestChannel(Config{}, &fakeTokens{}, dialer, handler)

	calls := make(chan *protocol.Envelope, 1)
	ch.SetCallSink(func(env *protocol.Envelope) { calls <- env })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer ch.Close()
	handler.expect(t, "connected")

	dialer.conn(0).deliver(t, &protocol.Envelope{
		Type: protocol.TypeCallOffer, SenderID: "bob", CallID: "c1",
	})

	select {
	case env := <-calls:
		if env.CallID != "c1" {
			t.Fatalf("unexpected call envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("call envelope never reached the sink")
	}

	select {
	case env := <-handler.envelopes:
		t.Fatalf("call envelope must bypass the chat handler, got %+v", env)
	default:
	}
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	ch := newTestChannel(Config{}, &fakeTokens{}, newFakeDialer(), newRecordingHandler())

	err := ch.Send(&protocol.Envelope{Type: protocol.TypeCallHangup, RecipientID: "bob", CallID: "c1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
