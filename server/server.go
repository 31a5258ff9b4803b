// Package server exposes chat turns over HTTP.
//
// Information Hiding:
// - Route table and middleware order hidden
// - Error to status mapping hidden
// - Transcript and quota bookkeeping around a turn hidden
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/richinex/parley/agent"
	"github.com/richinex/parley/quota"
	"github.com/richinex/parley/storage"
	"github.com/richinex/parley/tools"
)

// DefaultMaxRequestBytes caps a request body.
const DefaultMaxRequestBytes = 1 << 20

const (
	shutdownTimeout = 10 * time.Second
	persistTimeout  = 10 * time.Second
)

// Options holds the server's collaborators.
type Options struct {
	Orchestrator    *agent.Orchestrator
	Assembler       *agent.Assembler
	Catalog         *tools.Catalog
	Store           storage.Store
	Gate            *quota.Gate
	Auth            Authenticator
	MaxRequestBytes int64
	Logger          *zap.Logger
}

// Server handles the HTTP surface.
type Server struct {
	orchestrator *agent.Orchestrator
	assembler    *agent.Assembler
	catalog      *tools.Catalog
	store        storage.Store
	gate         *quota.Gate
	auth         Authenticator
	maxBytes     int64
	logger       *zap.Logger
}

// New creates a server. Orchestrator, Catalog, Store, Gate and Auth are required.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Orchestrator == nil:
		return nil, errors.New("server: orchestrator is required")
	case opts.Catalog == nil:
		return nil, errors.New("server: tool catalog is required")
	case opts.Store == nil:
		return nil, errors.New("server: store is required")
	case opts.Gate == nil:
		return nil, errors.New("server: quota gate is required")
	case opts.Auth == nil:
		return nil, errors.New("server: authenticator is required")
	}
	if opts.Assembler == nil {
		opts.Assembler = agent.NewAssembler(nil, 0, opts.Orchestrator.Config().SystemPrompt)
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		orchestrator: opts.Orchestrator,
		assembler:    opts.Assembler,
		catalog:      opts.Catalog,
		store:        opts.Store,
		gate:         opts.Gate,
		auth:         opts.Auth,
		maxBytes:     opts.MaxRequestBytes,
		logger:       opts.Logger,
	}, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	authed := chain(requireUser(s.auth), limitBody(s.maxBytes))

	mux := http.NewServeMux()
	mux.Handle("POST /chat", authed(http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /chats", authed(http.HandlerFunc(s.handleListChats)))
	mux.Handle("GET /chats/{id}", authed(http.HandlerFunc(s.handleGetChat)))
	mux.Handle("DELETE /chats/{id}", authed(http.HandlerFunc(s.handleDeleteChat)))
	mux.Handle("GET /usage", authed(http.HandlerFunc(s.handleUsage)))
	mux.Handle("GET /integrations", authed(http.HandlerFunc(s.handleListIntegrations)))
	mux.Handle("PUT /integrations/{name}", authed(http.HandlerFunc(s.handlePutIntegration)))
	mux.Handle("DELETE /integrations/{name}", authed(http.HandlerFunc(s.handleDeleteIntegration)))
	mux.Handle("PUT /profile/instruction", authed(http.HandlerFunc(s.handlePutInstruction)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return logRequests(s.logger)(mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("graceful shutdown timed out; forcing connection close")
			_ = srv.Close()
		}
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
