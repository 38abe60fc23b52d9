package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Listener.
type Options struct {
	// BatchSize is the maximum number of messages fetched per poll.
	BatchSize int
	// ConsiderFailedAfter is the visibility window of a received message.
	ConsiderFailedAfter time.Duration
	// DoNotRetryMoreThan is the number of redeliveries after which a message
	// is dropped without being handled again.
	DoNotRetryMoreThan int
	// Backoff applies to kinds missing from BackoffByKind.
	Backoff       Backoff
	BackoffByKind map[string]Backoff
	// IdleWait is the pause after an empty poll or a transport error.
	IdleWait time.Duration
}

// DefaultOptions returns the options used unless a listener overrides them.
func DefaultOptions() Options {
	return Options{
		BatchSize:           1,
		ConsiderFailedAfter: 5 * time.Minute,
		DoNotRetryMoreThan:  5,
		Backoff:             DefaultBackoff,
		IdleWait:            time.Second,
	}
}

func (o Options) backoffFor(kind string) Backoff {
	if b, ok := o.BackoffByKind[kind]; ok {
		return b
	}
	return o.Backoff
}

// Listener polls a Transport and hands every message to a Handler.
// Messages of one batch are processed sequentially.
type Listener struct {
	name      string
	transport Transport
	handler   Handler
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a listener. Unset batch size, visibility window and
// idle wait fall back to DefaultOptions; start from DefaultOptions to keep
// the default retry limit.
func NewListener(name string, transport Transport, handler Handler, opts Options, logger zerolog.Logger) *Listener {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.ConsiderFailedAfter <= 0 {
		opts.ConsiderFailedAfter = def.ConsiderFailedAfter
	}
	if opts.DoNotRetryMoreThan < 0 {
		opts.DoNotRetryMoreThan = def.DoNotRetryMoreThan
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = def.IdleWait
	}
	return &Listener{
		name:      name,
		transport: transport,
		handler:   handler,
		opts:      opts,
		logger: logger.With().
			Str("component", "stream-listener").
			Str("listener", name).
			Str("transport", transport.Name()).
			Logger(),
		now: time.Now,
	}
}

// Start spawns the poll loop. Calling Start on a running listener is a no-op.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(loopCtx, l.done)
	l.logger.Info().Int("batch_size", l.opts.BatchSize).Msg("listener started")
}

// Stop cancels the poll loop and waits until the message in flight is handled.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info().Msg("listener stopped")
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		n, err := l.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("polling failed")
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.opts.IdleWait):
			}
		}
	}
}

// Poll runs a single receive cycle and returns the number of received messages.
func (l *Listener) Poll(ctx context.Context) (int, error) {
	deliveries, err := l.transport.Receive(ctx, l.opts.BatchSize, l.opts.ConsiderFailedAfter)
	if err != nil {
		return 0, err
	}
	started := l.now()
	for i, d := range deliveries {
		if ctx.Err() != nil {
			break
		}
		// Overdue messages are visible to other consumers again.
		if l.now().Sub(started) >= l.opts.ConsiderFailedAfter {
			l.logger.Warn().Int("remaining", len(deliveries)-i).Msg("visibility window elapsed, skipping rest of batch")
			break
		}
		l.process(ctx, d)
	}
	return len(deliveries), nil
}

func (l *Listener) process(ctx context.Context, d Delivery) {
	logger := l.logger.With().Str("message_id", d.ID).Str("kind", d.Kind).Int("redeliveries", d.Redeliveries).Logger()

	if d.Redeliveries > l.opts.DoNotRetryMoreThan {
		logger.Warn().Msg("message was received too often, dropping it")
		messageProcessingFailed.WithLabelValues(l.name, "yes").Inc()
		l.ack(ctx, d, logger)
		return
	}

	// In-flight handling is not interrupted by Stop.
	handlerCtx := context.WithoutCancel(ctx)
	start := l.now()
	err := l.opts.backoffFor(d.Kind).Do(ctx, func(context.Context) error {
		return l.handler(handlerCtx, d)
	})
	handlerDuration.WithLabelValues(l.name).Observe(l.now().Sub(start).Seconds())
	if err != nil {
		logger.Error().Err(err).Msg("error handling message")
		messageProcessingFailed.WithLabelValues(l.name, "no").Inc()
		return
	}
	messagesProcessed.WithLabelValues(l.name).Inc()
	l.ack(ctx, d, logger)
}

func (l *Listener) ack(ctx context.Context, d Delivery, logger zerolog.Logger) {
	if err := l.transport.Ack(context.WithoutCancel(ctx), d); err != nil {
		logger.Error().Err(err).Msg("failed to acknowledge message")
	}
}
