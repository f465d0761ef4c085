package relay

import (
	"context"
	"log/slog"

	"huddle/internal/registry"
	"huddle/pkg/protocol"
)

// handleMessage implements persist-then-relay for one-to-one messages:
// validate, authorize, persist, ack the sender, then forward and emit a
// delivered event only if the recipient is reachable right now.
func (r *Relay) handleMessage(ctx context.Context, senderID string, sender registry.Link, env *protocol.Envelope) {
	if err := env.Validate(); err != nil {
		sender.Send(protocol.ErrorEnvelope(protocol.CodeInvalidEnvelope, err.Error()))
		return
	}

	ok, err := r.friends.AreFriends(ctx, senderID, env.RecipientID)
	if err != nil || !ok {
		// Deliberately generic: the sender learns only that the message was
		// not allowed, not whether the recipient exists.
		sender.Send(protocol.ErrorEnvelope(protocol.CodeNotAllowed, "message not allowed"))
		return
	}

	id, ts, err := r.store.SaveDirect(ctx, senderID, env.RecipientID, env.EncryptedContent)
	if err != nil {
		r.logger.Error("persist failed", slog.String("sender", senderID), slog.Any("error", err))
		sender.Send(protocol.ErrorEnvelope(protocol.CodePersistFailed, "message not persisted"))
		return
	}

	sender.Send(&protocol.Envelope{
		Type:        protocol.TypeMessageAck,
		ID:          id,
		TempID:      env.TempID,
		RecipientID: env.RecipientID,
		Timestamp:   ts,
	})

	recipient, online := r.reg.Lookup(env.RecipientID)
	if !online || !recipient.Open() {
		// Offline is not an error: the ack alone moves the client's message
		// to "sent"; delivery happens when the recipient fetches history.
		return
	}

	forwarded := *env
	forwarded.ID = id
	forwarded.Timestamp = ts
	if recipient.Send(&forwarded) {
		sender.Send(&protocol.Envelope{
			Type:        protocol.TypeDelivered,
			MessageID:   id,
			RecipientID: env.RecipientID,
		})
	}
}

// handleGroupMessage follows the same persist-then-ack-then-fan-out shape.
// Membership is looked up at send time, so membership changes are eventually
// consistent with respect to already-established sockets.
func (r *Relay) handleGroupMessage(ctx context.Context, senderID string, sender registry.Link, env *protocol.Envelope) {
	if err := env.Validate(); err != nil {
		sender.Send(protocol.ErrorEnvelope(protocol.CodeInvalidEnvelope, err.Error()))
		return
	}

	members, err := r.groups.Members(ctx, env.GroupID)
	if err != nil {
		sender.Send(protocol.ErrorEnvelope(protocol.CodeNotAllowed, "group lookup failed"))
		return
	}
	if !contains(members, senderID) {
		sender.Send(protocol.ErrorEnvelope(protocol.CodeNotAllowed, "not a group member"))
		return
	}

	id, ts, err := r.store.SaveGroup(ctx, senderID, env.GroupID, env.EncryptedContent)
	if err != nil {
		r.logger.Error("group persist failed", slog.String("group", env.GroupID), slog.Any("error", err))
		sender.Send(protocol.ErrorEnvelope(protocol.CodePersistFailed, "message not persisted"))
		return
	}

	sender.Send(&protocol.Envelope{
		Type:      protocol.TypeGroupMessageAck,
		ID:        id,
		TempID:    env.TempID,
		GroupID:   env.GroupID,
		Timestamp: ts,
	})

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m != senderID {
			recipients = append(recipients, m)
		}
	}
	forwarded := *env
	forwarded.ID = id
	forwarded.Timestamp = ts
	r.reg.Broadcast(recipients, &forwarded)
}

// handleTyping relays typing indicators to the named recipient only. Frames
// with missing fields are dropped without a reply: typing is lossy on
// purpose and an error answer would just add traffic.
func (r *Relay) handleTyping(ctx context.Context, senderID string, env *protocol.Envelope) {
	if env.Validate() != nil {
		return
	}

	r.typing.Set(env.ConversationID, senderID, *env.IsTyping)

	if recipient, ok := r.reg.Lookup(env.RecipientID); ok && recipient.Open() {
		recipient.Send(env)
	}
}

// handleRead bulk-marks the conversation with the original sender as read
// and notifies that sender if they are online.
func (r *Relay) handleRead(ctx context.Context, senderID string, sender registry.Link, env *protocol.Envelope) {
	if err := env.Validate(); err != nil {
		sender.Send(protocol.ErrorEnvelope(protocol.CodeInvalidEnvelope, err.Error()))
		return
	}

	if _, err := r.store.MarkRead(ctx, senderID, env.RecipientID); err != nil {
		r.logger.Error("mark read failed", slog.String("reader", senderID), slog.Any("error", err))
		return
	}

	if origin, ok := r.reg.Lookup(env.RecipientID); ok && origin.Open() {
		origin.Send(&protocol.Envelope{
			Type:     protocol.TypeReadReceipt,
			ReaderID: senderID,
		})
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
