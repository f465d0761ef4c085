package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"huddle/internal/registry"
	"huddle/pkg/protocol"
)

// bearerToken extracts the credential from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query param.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleWebSocket authenticates the handshake, upgrades, registers the
// connection and runs its read loop until the socket dies.
func (s *Server) handleWebSocket(c *gin.Context) {
	token := bearerToken(c.Request)
	userID, err := s.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": protocol.CodeSessionExpired})
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("upgrade failed", slog.Any("error", err))
		return
	}

	conn := registry.NewConn(context.Background(), ws, userID, s.cfg.Transport.SendBuffer,
		func(closed *registry.Conn) {
			s.registry.Unregister(closed.UserID(), closed)
		}, s.logger)

	// Last connect wins: a fresh socket for the same user replaces the old
	// entry outright.
	s.registry.Register(userID, conn)
	s.logger.Info("user connected", slog.String("userID", userID))

	s.readLoop(c.Request.Context(), userID, conn)
}

func (s *Server) readLoop(ctx context.Context, userID string, conn *registry.Conn) {
	defer conn.Close("read loop ended")

	for {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.Transport.ReadTimeout)
		data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Debug("read ended", slog.String("userID", userID), slog.Any("error", err))
			}
			return
		}

		// Cheap peek at the discriminator before a full decode.
		typ := gjson.GetBytes(data, "type").String()
		if typ == "" {
			conn.Send(protocol.ErrorEnvelope(protocol.CodeInvalidEnvelope, "missing type"))
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.Send(protocol.ErrorEnvelope(protocol.CodeInvalidEnvelope, "malformed envelope"))
			continue
		}

		s.relay.Handle(ctx, userID, conn, &env)
	}
}
