package main

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"huddle/internal/auth"
	cidpkg "huddle/internal/cid"
	"huddle/internal/config"
	"huddle/internal/registry"
	"huddle/internal/relay"
)

// Server wires the registry, relay and auth capability behind the HTTP
// surface. One instance per process; tests construct isolated instances.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	relay    *relay.Relay
	verifier *auth.Verifier
}

func NewServer(cfg *config.Config, reg *registry.Registry, rel *relay.Relay, verifier *auth.Verifier, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "server")),
		registry: reg,
		relay:    rel,
		verifier: verifier,
	}
}

// Router builds the gin engine with the middleware chain and all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.cidMiddleware())
	r.Use(s.otelMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "huddle"})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.registry.Stats())
	})

	r.GET("/ws", s.handleWebSocket)

	return r
}

// cidMiddleware assigns each request a correlation id, preserving one the
// caller already carries, and echoes it on the response.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(cidpkg.HeaderName)
		if cid == "" {
			cid = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), cid))
		c.Writer.Header().Set(cidpkg.HeaderName, cid)
		c.Next()
	}
}

// otelMiddleware opens one span per HTTP request and attaches the CID.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("huddle/server")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.FullPath())
		defer span.End()

		if cid := cidpkg.CIDFromContext(ctx); cid != "" {
			span.SetAttributes(attribute.String(cidpkg.AttributeName, cid))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}
