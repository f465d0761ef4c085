// Package relay validates and routes envelopes between connected clients.
// It reads routing fields only; message content stays opaque ciphertext.
package relay

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"huddle/internal/registry"
	"huddle/pkg/protocol"
)

// MessageStore persists chat messages. Implemented by internal/store.
type MessageStore interface {
	SaveDirect(ctx context.Context, senderID, recipientID, content string) (id string, ts int64, err error)
	SaveGroup(ctx context.Context, senderID, groupID, content string) (id string, ts int64, err error)
	MarkRead(ctx context.Context, readerID, peerID string) (int64, error)
}

// Friendships answers whether two users may message each other.
type Friendships interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
}

// Groups yields the current membership of a group. The relay queries it on
// every group send; it never caches the result.
type Groups interface {
	Members(ctx context.Context, groupID string) ([]string, error)
}

// TypingTracker records short-lived typing state.
type TypingTracker interface {
	Set(conversationID, userID string, isTyping bool)
}

type Relay struct {
	reg     *registry.Registry
	store   MessageStore
	friends Friendships
	groups  Groups
	typing  TypingTracker
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New(reg *registry.Registry, store MessageStore, friends Friendships, groups Groups, typing TypingTracker, logger *slog.Logger) *Relay {
	return &Relay{
		reg:     reg,
		store:   store,
		friends: friends,
		groups:  groups,
		typing:  typing,
		logger:  logger.With(slog.String("component", "relay")),
		tracer:  otel.Tracer("huddle/relay"),
	}
}

// Handle routes one inbound envelope from the authenticated sender. Replies
// that concern only the sender (acks, errors) go straight back on its link.
func (r *Relay) Handle(ctx context.Context, senderID string, sender registry.Link, env *protocol.Envelope) {
	ctx, span := r.tracer.Start(ctx, "relay.handle",
		trace.WithAttributes(
			attribute.String("envelope.type", string(env.Type)),
			attribute.String("sender.id", senderID),
		))
	defer span.End()

	// The sender identity always comes from the connection, never the frame.
	env.SenderID = senderID

	switch env.Type {
	case protocol.TypeMessage:
		r.handleMessage(ctx, senderID, sender, env)
	case protocol.TypeGroupMessage:
		r.handleGroupMessage(ctx, senderID, sender, env)
	case protocol.TypeTyping:
		r.handleTyping(ctx, senderID, env)
	case protocol.TypeRead:
		r.handleRead(ctx, senderID, sender, env)
	case protocol.TypeCallOffer, protocol.TypeCallAnswer:
		r.handleCallNegotiation(senderID, sender, env)
	case protocol.TypeCallICECandidate:
		r.handleCallCandidate(senderID, sender, env)
	case protocol.TypeCallAccept, protocol.TypeCallReject, protocol.TypeCallHangup:
		r.handleCallBestEffort(senderID, sender, env)
	case protocol.TypeMessageAck, protocol.TypeGroupMessageAck, protocol.TypeDelivered,
		protocol.TypeReadReceipt, protocol.TypeError, protocol.TypeCallError:
		// Server-originated types are not accepted from clients.
		sender.Send(protocol.ErrorEnvelope(protocol.CodeInvalidEnvelope, "type not accepted from clients"))
	default:
		sender.Send(protocol.ErrorEnvelope(protocol.CodeUnknownType, "unknown envelope type"))
	}
}
