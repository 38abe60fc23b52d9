package probe

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/edvin/cloudaccounts/internal/model"
)

// Bounded limits the number of provider calls in flight across all callers.
type Bounded struct {
	next Probe
	sem  *semaphore.Weighted
}

// NewBounded wraps a probe. size < 1 is treated as 1.
func NewBounded(next Probe, size int) *Bounded {
	if size < 1 {
		size = 1
	}
	return &Bounded{next: next, sem: semaphore.NewWeighted(int64(size))}
}

func (b *Bounded) run(ctx context.Context, fn func() error) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)
	return fn()
}

func (b *Bounded) CanAssumeRole(ctx context.Context, access model.AwsAccess) error {
	return b.run(ctx, func() error { return b.next.CanAssumeRole(ctx, access) })
}

func (b *Bounded) CanDescribeRegions(ctx context.Context, access model.AwsAccess) error {
	return b.run(ctx, func() error { return b.next.CanDescribeRegions(ctx, access) })
}

func (b *Bounded) ListAccounts(ctx context.Context, access model.AwsAccess) ([]ProviderAccount, error) {
	var accounts []ProviderAccount
	err := b.run(ctx, func() error {
		var err error
		accounts, err = b.next.ListAccounts(ctx, access)
		return err
	})
	return accounts, err
}

func (b *Bounded) ListAccountAliases(ctx context.Context, access model.AwsAccess) ([]string, error) {
	var aliases []string
	err := b.run(ctx, func() error {
		var err error
		aliases, err = b.next.ListAccountAliases(ctx, access)
		return err
	})
	return aliases, err
}
