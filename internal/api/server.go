// Package api serves health, metrics, the cloud account endpoints and the
// tenant live event stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/cloudaccounts/internal/model"
)

// Accounts is the query and command surface of the lifecycle engine.
type Accounts interface {
	ListAccounts(ctx context.Context, workspaceID string) ([]model.CloudAccount, error)
	GetAccount(ctx context.Context, workspaceID, id string) (*model.CloudAccount, error)
	UpdateAccountName(ctx context.Context, workspaceID, id string, name *string) (*model.CloudAccount, error)
	Enable(ctx context.Context, id, workspaceID string) (*model.CloudAccount, error)
	Disable(ctx context.Context, id, workspaceID string) (*model.CloudAccount, error)
	Delete(ctx context.Context, id, workspaceID string) error
	LastScan(ctx context.Context, workspaceID string) (*model.LastScanInfo, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Subscriber delivers the payloads published on a notification channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, fn func(payload []byte) error) error
}

type Server struct {
	router     chi.Router
	logger     zerolog.Logger
	accounts   Accounts
	db         Pinger
	subscriber Subscriber
	token      string
}

// NewServer builds the router. An empty token disables authentication of the
// tenant routes.
func NewServer(logger zerolog.Logger, accounts Accounts, db Pinger, subscriber Subscriber, token string) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger.With().Str("component", "api").Logger(),
		accounts:   accounts,
		db:         db,
		subscriber: subscriber,
		token:      token,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics)

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/tenants/{workspaceID}", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/events", s.handleTenantEvents)
		r.Get("/cloud_accounts", s.listAccounts)
		r.Get("/cloud_accounts/last_scan", s.lastScan)
		r.Get("/cloud_accounts/{id}", s.getAccount)
		r.Patch("/cloud_accounts/{id}", s.renameAccount)
		r.Patch("/cloud_accounts/{id}/enable", s.enableAccount)
		r.Patch("/cloud_accounts/{id}/disable", s.disableAccount)
		r.Delete("/cloud_accounts/{id}", s.deleteAccount)
	})

	return s
}

func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"core_db": "ok"}
	if err := s.db.Ping(ctx); err != nil {
		checks["core_db"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
