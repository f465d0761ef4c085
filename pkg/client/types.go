package client

import (
	"context"
	"log/slog"
	"time"

	"huddle/pkg/protocol"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config holds the signaling channel's connection settings.
type Config struct {
	ServerURL string
	UserAgent string

	// ConnectTimeout bounds the initial dial. Default 10s.
	ConnectTimeout time.Duration
	// ReconnectDelay is the flat wait before each reconnect attempt.
	// Default 3s; there is no backoff.
	ReconnectDelay time.Duration
	// ReconnectNotice is the minimum outage before OnReconnected fires,
	// debouncing noise from brief blips. Default 2s.
	ReconnectNotice time.Duration
	// TypingInterval is the per-conversation debounce window for
	// typing=true indicators. Default 3s.
	TypingInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "huddle-client/1.0.0"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.ReconnectNotice <= 0 {
		c.ReconnectNotice = 2 * time.Second
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = 3 * time.Second
	}
}

// TokenSource yields the bearer credential for the connection. Refresh is
// called once before each reconnect attempt; a refresh failure ends the
// session.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Cipher encrypts outbound plaintext for a recipient. The channel treats
// the result as opaque; decryption of inbound content is the caller's
// concern.
type Cipher interface {
	Encrypt(recipientID, plaintext string) (string, error)
}

// QueuedMessage is a send intent captured while the channel was not open.
// The FIFO drains in order on reconnect, before anything else.
type QueuedMessage struct {
	RecipientID string
	Plaintext   string
	TempID      string
}

// EventHandler receives chat-side events. Call-family envelopes bypass it
// and go to the call sink instead.
type EventHandler interface {
	OnConnected()
	OnReconnected(outage time.Duration)
	OnDisconnected()
	OnSessionExpired()
	OnEnvelope(env *protocol.Envelope)
	OnError(env *protocol.Envelope)
}

// DefaultEventHandler logs every event and is a convenient embed for
// callers that care about a subset.
type DefaultEventHandler struct{}

func (h *DefaultEventHandler) OnConnected() { slog.Info("connected to server") }
func (h *DefaultEventHandler) OnReconnected(outage time.Duration) {
	slog.Info("reconnected", slog.Duration("outage", outage))
}
func (h *DefaultEventHandler) OnDisconnected()   { slog.Info("disconnected from server") }
func (h *DefaultEventHandler) OnSessionExpired() { slog.Warn("session expired") }
func (h *DefaultEventHandler) OnEnvelope(env *protocol.Envelope) {
	slog.Info("envelope", slog.String("type", string(env.Type)))
}
func (h *DefaultEventHandler) OnError(env *protocol.Envelope) {
	slog.Warn("server error", slog.String("code", env.Code), slog.String("message", env.Message))
}
