package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server is the Kaiwa HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying handler set.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Capture, MCPServer.
type ServerConfig struct {
	Dispatcher *Dispatcher
	Tenants    TenantResolver
	DB         Pinger
	Logger     *slog.Logger

	// Capture enables the outbound poll endpoint when the dispatcher sends
	// through a CaptureSender.
	Capture   *CaptureSender
	MCPServer *mcpserver.MCPServer

	WhatsAppAppSecret   string
	WhatsAppVerifyToken string

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Dispatcher:   cfg.Dispatcher,
		Capture:      cfg.Capture,
		Tenants:      cfg.Tenants,
		DB:           cfg.DB,
		AppSecret:    cfg.WhatsAppAppSecret,
		VerifyToken:  cfg.WhatsAppVerifyToken,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		Version:      cfg.Version,
		Logger:       cfg.Logger,
	})

	mux := http.NewServeMux()

	// WhatsApp webhook: GET handshake, POST events.
	mux.HandleFunc("GET /webhook/whatsapp", h.HandleWebhookVerify)
	mux.HandleFunc("POST /webhook/whatsapp", h.HandleWebhook)

	// Conversation surface.
	mux.HandleFunc("GET /v1/conversations/{thread_id}/outbound", h.HandleOutbound)
	mux.HandleFunc("POST /v1/conversations/{thread_id}/trigger", h.HandleTrigger)

	// MCP StreamableHTTP transport for operator tools.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:    handler,
		handlers:   h,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, drains in-flight turns, and shuts the
// listener down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if s.dispatcher != nil {
		s.dispatcher.Drain()
	}
	return nil
}
