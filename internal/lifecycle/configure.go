package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/edvin/cloudaccounts/internal/model"
)

// ConfigureAccount verifies the credentials of a Discovered account and moves
// it to Configured. Accounts in any other state are left alone.
//
// calledFromEvent selects the retry window when the role cannot be assumed:
// the event path gives up silently after FastLaneTimeout, the periodic path
// degrades the account after BecomeDegradedTimeout. Inside the window the
// returned error wraps model.ErrAccountNotReady.
func (e *Engine) ConfigureAccount(ctx context.Context, account model.CloudAccount, calledFromEvent bool) error {
	logger := e.logger.With().Str("workspace_id", account.WorkspaceID).Str("cloud_account_id", account.ID).Logger()

	discovered, ok := account.State.(model.Discovered)
	if !ok {
		logger.Info().Str("state", string(account.State.StateName())).Msg("account not in discovered state, skipping configure")
		return nil
	}

	access, isAWS := discovered.Access.(model.AwsAccess)
	if !isAWS {
		// Other providers are verified when their credentials are uploaded.
		return e.markConfigured(ctx, account, discovered.Access, false, nil)
	}

	if err := e.probe.CanAssumeRole(ctx, access); err != nil {
		elapsed := e.now().Sub(account.StateUpdatedAt)
		switch {
		case !calledFromEvent && elapsed > e.cfg.BecomeDegradedTimeout:
			logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("role still not assumable, degrading account")
			return e.degradeDiscovered(ctx, account.ID, err.Error())
		case calledFromEvent && elapsed > e.cfg.FastLaneTimeout:
			logger.Info().Err(err).Dur("elapsed", elapsed).Msg("fast lane expired, leaving account to periodic reconcile")
			return nil
		default:
			return fmt.Errorf("%w: %w", model.ErrAccountNotReady, err)
		}
	}

	if err := e.probe.CanDescribeRegions(ctx, access); err != nil {
		return fmt.Errorf("configure account %s: %w", account.ID, err)
	}

	siblings, err := e.probe.ListAccounts(ctx, access)
	if err != nil {
		logger.Warn().Err(err).Msg("list organization accounts failed")
		siblings = nil
	}

	var alias *string
	privileged := len(siblings) > 0
	if privileged {
		for _, sib := range siblings {
			name := sib.Name
			_, err := e.CreateAccount(ctx, CreateAccountParams{
				WorkspaceID:       account.WorkspaceID,
				ProviderAccountID: sib.ID,
				RoleName:          access.RoleName,
				ExternalID:        access.ExternalID,
				AccountName:       &name,
			})
			if err != nil {
				logger.Error().Err(err).Str("account_id", sib.ID).Msg("create organization account failed")
			}
		}
	} else {
		aliases, err := e.probe.ListAccountAliases(ctx, access)
		if err != nil {
			logger.Warn().Err(err).Msg("list account aliases failed")
		}
		if len(aliases) > 0 {
			alias = &aliases[0]
		}
	}

	return e.markConfigured(ctx, account, discovered.Access, privileged, alias)
}

// markConfigured moves the account from Discovered to Configured, provided it
// still carries the verified access.
func (e *Engine) markConfigured(ctx context.Context, account model.CloudAccount, access model.CloudAccess, privileged bool, alias *string) error {
	now := e.now().UTC()
	updated, err := e.transition(ctx, account.ID, func(a model.CloudAccount) (model.CloudAccount, error) {
		current, ok := a.State.(model.Discovered)
		if !ok || !sameAccess(current.Access, access) {
			return a, model.ErrConflict
		}
		a.State = model.Configured{Access: access, Enabled: true}
		a.StateUpdatedAt = now
		a.Privileged = privileged
		if alias != nil {
			a.AccountAlias = alias
		}
		return a, nil
	})
	if err != nil {
		return fmt.Errorf("configure account %s: %w", account.ID, err)
	}
	if updated == nil {
		return nil
	}
	recordTransition(model.StateConfigured)
	e.logger.Info().Str("workspace_id", updated.WorkspaceID).Str("cloud_account_id", updated.ID).
		Bool("privileged", privileged).Msg("account configured")
	if err := e.publisher.Publish(ctx, model.AccountConfigured{AccountEvent: model.NewAccountEvent(updated, now)}); err != nil {
		return fmt.Errorf("publish account configured: %w", err)
	}
	return nil
}

// ReconcileDiscovered is the periodic sweep over Discovered accounts. Accounts
// stuck longer than StuckDiscoveryTimeout are degraded without probing; the
// rest are configured concurrently. Per-account failures are logged.
func (e *Engine) ReconcileDiscovered(ctx context.Context) error {
	accounts, err := e.accounts.ListByState(ctx, model.StateDiscovered)
	if err != nil {
		return fmt.Errorf("list discovered accounts: %w", err)
	}

	limit := e.cfg.ReconcileConcurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	now := e.now()
	for _, account := range accounts {
		logger := e.logger.With().Str("workspace_id", account.WorkspaceID).Str("cloud_account_id", account.ID).Logger()

		if now.Sub(account.StateUpdatedAt) > e.cfg.StuckDiscoveryTimeout {
			logger.Warn().Time("state_updated_at", account.StateUpdatedAt).Msg("account stuck in discovered, degrading")
			if err := e.degradeDiscovered(ctx, account.ID, "Account configuration timed out"); err != nil {
				logger.Error().Err(err).Msg("degrade stuck account failed")
			}
			continue
		}

		g.Go(func() error {
			err := e.ConfigureAccount(ctx, account, false)
			switch {
			case errors.Is(err, model.ErrAccountNotReady):
				logger.Debug().Err(err).Msg("account not ready yet")
			case err != nil:
				logger.Error().Err(err).Msg("configure account failed")
			}
			return nil
		})
	}
	return g.Wait()
}
