// Package schedule runs functions on a fixed interval.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	periodicRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "periodic_runs_total",
		Help: "Periodic task runs by result",
	}, []string{"task", "result"})

	periodicDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "periodic_run_duration_seconds",
		Help:    "Duration of periodic task runs",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"task"})
)

// Periodic calls fn every interval until stopped. The first run happens
// after InitialDelay. Runs never overlap.
type Periodic struct {
	name         string
	interval     time.Duration
	InitialDelay time.Duration
	fn           func(ctx context.Context) error
	logger       zerolog.Logger

	runMu  sync.Mutex
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context) error, logger zerolog.Logger) *Periodic {
	return &Periodic{
		name:         name,
		interval:     interval,
		InitialDelay: interval,
		fn:           fn,
		logger:       logger.With().Str("component", "periodic").Str("task", name).Logger(),
	}
}

// Start spawns the timer loop. Calling Start on a running task is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(loopCtx, p.done)
	p.logger.Info().Dur("interval", p.interval).Msg("periodic task started")
}

// Stop cancels the timer and waits for a run in progress. The run itself is
// not cancelled.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info().Msg("periodic task stopped")
}

func (p *Periodic) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(p.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.RunOnce(context.WithoutCancel(ctx))
			timer.Reset(p.interval)
		}
	}
}

// RunOnce calls fn immediately and logs its error.
func (p *Periodic) RunOnce(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := time.Now()
	err := p.fn(ctx)
	periodicDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	if err != nil {
		periodicRuns.WithLabelValues(p.name, "error").Inc()
		p.logger.Error().Err(err).Msg("periodic task failed")
		return
	}
	periodicRuns.WithLabelValues(p.name, "success").Inc()
}
