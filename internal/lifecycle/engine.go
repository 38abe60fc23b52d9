// Package lifecycle drives cloud accounts through their states: detected,
// discovered, configured, degraded and deleted.
//
// Every state change goes through AccountRepository.Update with a function
// that checks the state it expects. When the check fails the function returns
// model.ErrConflict, the write is abandoned and no event is emitted; the next
// trigger starts again from the stored truth.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/cloudaccounts/internal/model"
	"github.com/edvin/cloudaccounts/internal/probe"
	"github.com/edvin/cloudaccounts/internal/schedule"
	"github.com/edvin/cloudaccounts/internal/stream"
)

var transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cloud_account_transitions_total",
	Help: "Cloud account state transitions by target state",
}, []string{"to"})

// AccountRepository persists cloud accounts.
type AccountRepository interface {
	Get(ctx context.Context, id string) (*model.CloudAccount, error)
	GetByProviderAccountID(ctx context.Context, workspaceID, providerAccountID string) (*model.CloudAccount, error)
	Create(ctx context.Context, a *model.CloudAccount) error
	Update(ctx context.Context, id string, fn func(model.CloudAccount) (model.CloudAccount, error)) (*model.CloudAccount, error)
	ListByState(ctx context.Context, state model.StateName) ([]model.CloudAccount, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]model.CloudAccount, error)
}

// WorkspaceRepository resolves workspace secrets.
type WorkspaceRepository interface {
	ExternalID(ctx context.Context, workspaceID string) (string, error)
}

// EventPublisher emits domain events and tenant broadcasts.
type EventPublisher interface {
	Publish(ctx context.Context, evt model.Event) error
	PublishTenant(ctx context.Context, workspaceID string, evt model.Event) error
}

// Config holds the lifecycle timeouts.
type Config struct {
	// BecomeDegradedTimeout is how long the periodic sweep keeps retrying an
	// account whose role cannot be assumed.
	BecomeDegradedTimeout time.Duration
	// FastLaneTimeout bounds retries triggered by the discovery event.
	FastLaneTimeout time.Duration
	// StuckDiscoveryTimeout force-degrades accounts discovered for too long.
	StuckDiscoveryTimeout time.Duration
	ReconcileInterval     time.Duration
	// ReconcileStartDelay is the wait before the first sweep after Start.
	ReconcileStartDelay time.Duration
	// ReconcileConcurrency bounds the accounts configured in parallel by a sweep.
	ReconcileConcurrency int
}

func DefaultConfig() Config {
	return Config{
		BecomeDegradedTimeout: 15 * time.Minute,
		FastLaneTimeout:       1 * time.Minute,
		StuckDiscoveryTimeout: 30 * time.Minute,
		ReconcileInterval:     1 * time.Minute,
		ReconcileStartDelay:   5 * time.Second,
		ReconcileConcurrency:  8,
	}
}

// errUnchanged aborts an update that has nothing to write.
var errUnchanged = errors.New("unchanged")

// Engine is the account lifecycle state machine.
type Engine struct {
	accounts   AccountRepository
	workspaces WorkspaceRepository
	publisher  EventPublisher
	probe      probe.Probe
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	reconciler *schedule.Periodic
}

func New(accounts AccountRepository, workspaces WorkspaceRepository, publisher EventPublisher, p probe.Probe, cfg Config, logger zerolog.Logger) *Engine {
	e := &Engine{
		accounts:   accounts,
		workspaces: workspaces,
		publisher:  publisher,
		probe:      p,
		cfg:        cfg,
		logger:     logger.With().Str("component", "lifecycle").Logger(),
		now:        time.Now,
	}
	e.reconciler = schedule.NewPeriodic("reconcile-discovered", cfg.ReconcileInterval, e.ReconcileDiscovered, logger)
	if cfg.ReconcileStartDelay > 0 {
		e.reconciler.InitialDelay = cfg.ReconcileStartDelay
	}
	return e
}

// Start begins the periodic reconciliation of discovered accounts.
func (e *Engine) Start(ctx context.Context) {
	e.reconciler.Start(ctx)
}

// Stop ends the periodic reconciliation and waits for a running sweep.
func (e *Engine) Stop() {
	e.reconciler.Stop()
}

// ListenerOptions returns the stream options for the engine's domain event
// listener. Discovery events retry in-process for about a minute, matching
// the fast lane.
func ListenerOptions() stream.Options {
	opts := stream.DefaultOptions()
	opts.BackoffByKind = map[string]stream.Backoff{
		model.KindAccountDiscovered: {Base: 5 * time.Second, Max: 10 * time.Second, Retries: 8},
	}
	return opts
}

// transition applies fn through the repository. A stale precondition or an
// unchanged account yields (nil, nil).
func (e *Engine) transition(ctx context.Context, id string, fn func(model.CloudAccount) (model.CloudAccount, error)) (*model.CloudAccount, error) {
	updated, err := e.accounts.Update(ctx, id, fn)
	switch {
	case errors.Is(err, model.ErrConflict):
		e.logger.Info().Str("cloud_account_id", id).Err(err).Msg("account changed concurrently, dropping transition")
		return nil, nil
	case errors.Is(err, errUnchanged):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return updated, nil
}

func recordTransition(to model.StateName) {
	transitions.WithLabelValues(string(to)).Inc()
}
