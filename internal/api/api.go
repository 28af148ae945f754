// Package api provides HTTP handlers and the main API server logic for BookFlow.
//
// It exposes RESTful endpoints for processing conversation messages and
// inspecting conversation state. The API integrates with the flow engine and
// the snapshot store.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BookFlowHQ/BookFlow/internal/models"
)

// DefaultAddr is the server listen address when none is configured.
const DefaultAddr = ":8080"

// DefaultRequestTimeout bounds one full message round trip, including
// classification, tool execution, generation, and one regeneration.
const DefaultRequestTimeout = 60 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	RequestTimeout time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRequestTimeout sets the per-request processing deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Engine is the conversation processing surface the API depends on.
type Engine interface {
	HandleMessage(ctx context.Context, req models.MessageRequest) (*models.MessageResponse, error)
	Conversation(ctx context.Context, conversationID string) (*models.Snapshot, error)
	EndConversation(ctx context.Context, conversationID string) error
}

// Server wires HTTP endpoints to the flow engine.
type Server struct {
	engine Engine
	opts   Opts
}

// NewServer creates an API server for the given engine.
func NewServer(engine Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{engine: engine, opts: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.messagesHandler)
	mux.HandleFunc("GET /conversations/{id}", s.conversationHandler)
	mux.HandleFunc("DELETE /conversations/{id}", s.deleteConversationHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: BookFlow API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		slog.Info("Server.Run: server stopped")
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}
