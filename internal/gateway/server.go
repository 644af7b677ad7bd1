// Package gateway exposes runs, approvals and settings over HTTP and streams
// orchestration events to WebSocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SSWConsulting/yakshaver/internal/agent"
	"github.com/SSWConsulting/yakshaver/internal/approval"
	"github.com/SSWConsulting/yakshaver/internal/bus"
	"github.com/SSWConsulting/yakshaver/internal/config"
	"github.com/SSWConsulting/yakshaver/internal/metrics"
	"github.com/SSWConsulting/yakshaver/internal/settings"
)

// Orchestrator is the part of agent.Orchestrator the gateway drives.
type Orchestrator interface {
	Start(ctx context.Context, goal string, rc agent.RunContext, opts agent.RunOptions) (string, <-chan agent.RunOutcome, error)
	Current() (agent.RunStatus, bool)
	ResolveApproval(requestID string, d approval.Decision) bool
	CancelAllPending(reason string)
	PendingApprovals() []approval.Request
	AutoApproveDelay() time.Duration
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Orchestrator Orchestrator
	Settings     settings.Store
	Events       *bus.Hub
	Metrics      *metrics.Metrics
}

type Server struct {
	cfg        config.GatewayConfig
	deps       Deps
	httpServer *http.Server

	// runCtx outlives the request that started a run.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu   sync.Mutex
	last *runRecord
}

type runRecord struct {
	Result   agent.Result `json:"result"`
	Error    string       `json:"error,omitempty"`
	Finished time.Time    `json:"finished_at"`
}

func New(cfg config.GatewayConfig, deps Deps) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port <= 0 {
		port = 18790
	}

	cfg.Host = host
	cfg.Port = port
	runCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		deps:      deps,
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, withdraws pending approvals and cancels
// the active run.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.deps.Orchestrator != nil {
		s.deps.Orchestrator.CancelAllPending("gateway shutting down")
	}
	s.cancelRun()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.cfg.Token))
		r.Get("/ws/events", s.handleEvents)
		r.Route("/api", func(r chi.Router) {
			r.Post("/runs", s.handleStartRun)
			r.Get("/runs/current", s.handleCurrentRun)

			r.Get("/approvals", s.handleListApprovals)
			r.Post("/approvals/cancel", s.handleCancelApprovals)
			r.Post("/approvals/{id}", s.handleResolveApproval)

			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings/mode", s.handleSetMode)
			r.Post("/settings/whitelist", s.handleAddWhitelist)
			r.Delete("/settings/whitelist/{id}", s.handleRemoveWhitelist)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, getRequestID(r), http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, getRequestID(r), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(token) != "" && !isAuthorized(r, token) {
				writeError(w, getRequestID(r), http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == expected
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
