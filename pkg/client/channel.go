// Package client owns the persistent connection from the client side: one
// socket multiplexing chat envelopes and call signaling, with reconnect,
// an offline send queue and typing-indicator debouncing.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	cidpkg "huddle/internal/cid"
	"huddle/pkg/protocol"
)

var ErrNotConnected = errors.New("signaling channel not connected")

// wsConn is the slice of the websocket API the channel uses. Tests inject
// fakes; production wraps coder/websocket.
type wsConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url, token, userAgent string) (wsConn, error)

type coderConn struct{ ws *websocket.Conn }

func (c *coderConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *coderConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *coderConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "client disconnect")
}

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent, token string) map[string][]string {
	headers := map[string][]string{
		"User-Agent":    {userAgent},
		"Authorization": {"Bearer " + token},
	}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

func coderDial(ctx context.Context, url, token, userAgent string) (wsConn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, userAgent, token),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return &coderConn{ws: ws}, nil
}

// Channel is the client signaling channel. All exported methods are safe
// for concurrent use.
type Channel struct {
	cfg      Config
	tokens   TokenSource
	cipher   Cipher
	handler  EventHandler
	callSink func(env *protocol.Envelope)
	dial     dialFunc
	logger   *slog.Logger

	mu             sync.Mutex
	state          State
	conn           wsConn
	queue          []QueuedMessage
	reconnectTimer *time.Timer
	closed         bool
	disconnectedAt time.Time
	lastTyping     map[string]time.Time
}

func NewChannel(cfg Config, tokens TokenSource, cipher Cipher) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:        cfg,
		tokens:     tokens,
		cipher:     cipher,
		handler:    &DefaultEventHandler{},
		dial:       coderDial,
		logger:     slog.Default().With(slog.String("component", "signaling")),
		state:      StateDisconnected,
		lastTyping: make(map[string]time.Time),
	}
}

// SetEventHandler sets a custom event handler.
func (c *Channel) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// SetCallSink routes call-family envelopes to the call state machine.
func (c *Channel) SetCallSink(sink func(env *protocol.Envelope)) {
	c.mu.Lock()
	c.callSink = sink
	c.mu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server with the current credential. The dial is bounded
// by the configured connect timeout.
func (c *Channel) Connect(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("no credential: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, c.cfg.ServerURL, token, c.cfg.UserAgent)
	if err != nil {
		return err
	}

	c.onOpen(conn)
	return nil
}

// onOpen installs conn as the live connection, drains the offline queue in
// FIFO order before anything else, and notifies the handler.
func (c *Channel) onOpen(conn wsConn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	outage := time.Duration(0)
	if !c.disconnectedAt.IsZero() {
		outage = time.Since(c.disconnectedAt)
		c.disconnectedAt = time.Time{}
	}
	pending := c.queue
	c.queue = nil
	handler := c.handler
	c.mu.Unlock()

	go c.readLoop(conn)

	// Queued intents go through the same encrypt-and-send path as live sends.
	for i, qm := range pending {
		if err := c.sendPlaintext(conn, qm); err != nil {
			c.logger.Warn("queue flush interrupted", slog.Any("error", err))
			c.requeue(pending[i:])
			return
		}
	}

	if outage > c.cfg.ReconnectNotice {
		handler.OnReconnected(outage)
	} else {
		handler.OnConnected()
	}
}

func (c *Channel) requeue(pending []QueuedMessage) {
	c.mu.Lock()
	c.queue = append(append([]QueuedMessage{}, pending...), c.queue...)
	c.mu.Unlock()
}

func (c *Channel) readLoop(conn wsConn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.handleClose(conn)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed frame", slog.Any("error", err))
			continue
		}
		c.dispatch(&env)
	}
}

func (c *Channel) dispatch(env *protocol.Envelope) {
	c.mu.Lock()
	handler := c.handler
	sink := c.callSink
	c.mu.Unlock()

	if env.Type.IsCall() {
		if sink != nil {
			sink(env)
		}
		return
	}
	if env.Type == protocol.TypeError {
		handler.OnError(env)
		return
	}
	handler.OnEnvelope(env)
}

// handleClose runs when the socket dies. A teardown close stays down; any
// other close schedules exactly one reconnect attempt after the flat delay,
// gated by a token refresh.
func (c *Channel) handleClose(conn wsConn) {
	c.mu.Lock()
	if c.conn != conn {
		// A stale read loop from a replaced connection; ignore.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.disconnectedAt = time.Now()
	handler := c.handler
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	handler.OnDisconnected()
}

// scheduleReconnectLocked arms the reconnect timer, superseding any prior
// one. Caller holds c.mu.
func (c *Channel) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, c.attemptReconnect)
}

// attemptReconnect refreshes the credential and dials once. Refresh failure
// is fatal to the session: the channel surfaces session-expired and never
// retries on its own.
func (c *Channel) attemptReconnect() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	handler := c.handler
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	token, err := c.tokens.Refresh(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		handler.OnSessionExpired()
		return
	}

	conn, err := c.dial(ctx, c.cfg.ServerURL, token, c.cfg.UserAgent)
	if err != nil {
		// Dial failed with a valid credential: stay in reconnecting and try
		// again after the same flat delay, gated by a fresh refresh.
		c.mu.Lock()
		if !c.closed && c.state == StateReconnecting {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return
	}

	c.onOpen(conn)
}

// Close tears the channel down for good. No reconnect follows.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SendMessage encrypts and sends a message intent, or queues it when the
// channel is not open. It returns the temp id usable to match the ack.
func (c *Channel) SendMessage(recipientID, plaintext string) (string, error) {
	qm := QueuedMessage{
		RecipientID: recipientID,
		Plaintext:   plaintext,
		TempID:      uuid.New().String(),
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.queue = append(c.queue, qm)
		c.mu.Unlock()
		return qm.TempID, nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.sendPlaintext(conn, qm); err != nil {
		return "", err
	}
	return qm.TempID, nil
}

func (c *Channel) sendPlaintext(conn wsConn, qm QueuedMessage) error {
	content, err := c.cipher.Encrypt(qm.RecipientID, qm.Plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return c.write(conn, &protocol.Envelope{
		Type:             protocol.TypeMessage,
		RecipientID:      qm.RecipientID,
		EncryptedContent: content,
		TempID:           qm.TempID,
	})
}

// SendTyping relays a typing indicator. typing=true is debounced per
// conversation; typing=false always goes out and resets the debounce.
// Indicators are lossy: when the channel is down they are dropped.
func (c *Channel) SendTyping(recipientID, conversationID string, isTyping bool) error {
	c.mu.Lock()
	conn := c.conn
	if c.state != StateConnected || conn == nil {
		c.mu.Unlock()
		return nil
	}
	now := time.Now()
	if isTyping {
		if last, ok := c.lastTyping[conversationID]; ok && now.Sub(last) < c.cfg.TypingInterval {
			c.mu.Unlock()
			return nil
		}
		c.lastTyping[conversationID] = now
	} else {
		delete(c.lastTyping, conversationID)
	}
	c.mu.Unlock()

	return c.write(conn, &protocol.Envelope{
		Type:           protocol.TypeTyping,
		RecipientID:    recipientID,
		ConversationID: conversationID,
		IsTyping:       &isTyping,
	})
}

// SendRead reports that the conversation with senderID has been read.
func (c *Channel) SendRead(senderID string) error {
	return c.Send(&protocol.Envelope{
		Type:        protocol.TypeRead,
		RecipientID: senderID,
	})
}

// Send transmits an envelope as-is. Call signaling uses this; unlike
// message intents it is not queued while disconnected.
func (c *Channel) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, env)
}

func (c *Channel) write(conn wsConn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return conn.Write(context.Background(), data)
}

// QueueLen reports the number of pending offline messages.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
