package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/bidworks/bidflow/internal/engine"
	"github.com/bidworks/bidflow/internal/store"
	"github.com/bidworks/bidflow/internal/streaming"
	"github.com/bidworks/bidflow/internal/validation"
	"github.com/bidworks/bidflow/pkg/schema"
)

// Engine is the controller surface the API exposes.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest) (*store.Snapshot, error)
	Snapshot(ctx context.Context, executionID string) (*store.Snapshot, error)
	SubmitDecision(ctx context.Context, executionID string, decision schema.Decision) (*store.Snapshot, error)
	ResetTo(ctx context.Context, executionID string, target schema.StageType, reason string) (*store.Snapshot, error)
	Cancel(ctx context.Context, executionID, reason string) (*store.Snapshot, error)
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Engine    Engine
	Store     store.Store
	Gateway   *streaming.Gateway
	Validator *validation.RequestValidator
	Logger    *slog.Logger
}

// Server serves the JSON API and per-execution SSE streams.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/executions", s.handleStartExecution)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /api/executions/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /api/executions/{id}/decisions", s.handleSubmitDecision)
	mux.HandleFunc("POST /api/executions/{id}/reset", s.handleReset)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)

	return mux
}
