package stream

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff retries a handler in-process before the message is given back to
// the transport.
type Backoff struct {
	Base    time.Duration `yaml:"base"`
	Max     time.Duration `yaml:"max"`
	Retries uint64        `yaml:"retries"`
}

// NoBackoff runs the handler exactly once.
var NoBackoff = Backoff{}

// DefaultBackoff is used for message kinds without an override.
var DefaultBackoff = Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Retries: 10}

// Do runs fn and retries failures with exponential, capped delays. The
// error of the last attempt is returned.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.Retries == 0 {
		return fn(ctx)
	}
	return retry.Do(ctx, b.policy(), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (b Backoff) policy() retry.Backoff {
	var next retry.Backoff
	if b.Base > 0 {
		next = retry.NewExponential(b.Base)
		if b.Max > 0 {
			next = retry.WithCappedDuration(b.Max, next)
		}
	} else {
		next = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	return retry.WithMaxRetries(b.Retries, next)
}
