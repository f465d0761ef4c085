package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"huddle/pkg/protocol"
)

// Link is the registry's view of one live client socket. The production
// implementation is Conn; tests substitute in-memory fakes.
type Link interface {
	// ID identifies this particular connection, not the user. Unregister
	// compares it so a stale close cannot evict a newer connection.
	ID() uuid.UUID
	// Send enqueues an envelope for delivery. It never blocks; it reports
	// false when the link is closed or its buffer is full.
	Send(env *protocol.Envelope) bool
	Open() bool
	Close(reason string)
}

// OnCloseHandler runs once when the connection terminates for any reason.
type OnCloseHandler func(c *Conn)

// Conn wraps one WebSocket connection with a buffered send channel and a
// write pump, so handlers can fan out envelopes without blocking on slow
// receivers.
type Conn struct {
	id     uuid.UUID
	userID string
	ws     *websocket.Conn
	send   chan *protocol.Envelope

	ctx     context.Context
	cancel  context.CancelFunc
	onClose OnCloseHandler

	closeOnce sync.Once
	logger    *slog.Logger
}

func NewConn(parent context.Context, ws *websocket.Conn, userID string, sendBuffer int, onClose OnCloseHandler, logger *slog.Logger) *Conn {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parent)
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	c := &Conn{
		id:      id,
		userID:  userID,
		ws:      ws,
		send:    make(chan *protocol.Envelope, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
		logger:  logger.With(slog.String("connID", id.String()), slog.String("userID", userID)),
	}
	go c.writePump()
	return c
}

func (c *Conn) ID() uuid.UUID  { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Open() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

func (c *Conn) Send(env *protocol.Envelope) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		c.logger.Warn("send buffer full, dropping envelope", slog.String("type", string(env.Type)))
		return false
	}
}

// writePump drains the send channel onto the socket until the connection
// context is cancelled or a write fails.
func (c *Conn) writePump() {
	for {
		select {
		case env := <-c.send:
			data, err := json.Marshal(env)
			if err != nil {
				c.logger.Error("failed to marshal envelope", slog.Any("error", err))
				continue
			}
			if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
				c.logger.Debug("write failed, closing", slog.Any("error", err))
				c.Close("write failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close tears down the connection. Idempotent.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, reason)
		c.logger.Info("connection closed", slog.String("reason", reason))
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// Read reads one frame from the socket. It is called only by the
// connection's read loop in cmd/server.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
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
