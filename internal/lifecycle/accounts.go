package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edvin/cloudaccounts/internal/model"
)

// Degrade marks an account with credentials as failing. Accounts in Detected,
// Degraded or Deleted are left unchanged.
func (e *Engine) Degrade(ctx context.Context, id, reason string) error {
	return e.degradeIf(ctx, id, reason, func(a model.CloudAccount) error {
		switch a.State.(type) {
		case model.Discovered, model.Configured:
			return nil
		default:
			return errUnchanged
		}
	})
}

// DegradeMatching degrades the account only while it still carries the given
// role and external id. Notifications about superseded credentials are
// ignored.
func (e *Engine) DegradeMatching(ctx context.Context, id, roleName, externalID, reason string) error {
	return e.degradeIf(ctx, id, reason, func(a model.CloudAccount) error {
		current, ok := a.Access()
		if !ok {
			return errUnchanged
		}
		aws, ok := current.(model.AwsAccess)
		if !ok || aws.RoleName != roleName || aws.ExternalID != externalID {
			return errUnchanged
		}
		switch a.State.(type) {
		case model.Discovered, model.Configured:
			return nil
		default:
			return errUnchanged
		}
	})
}

func (e *Engine) degradeDiscovered(ctx context.Context, id, reason string) error {
	return e.degradeIf(ctx, id, reason, func(a model.CloudAccount) error {
		if _, ok := a.State.(model.Discovered); !ok {
			return model.ErrConflict
		}
		return nil
	})
}

func (e *Engine) degradeIf(ctx context.Context, id, reason string, check func(model.CloudAccount) error) error {
	now := e.now().UTC()
	updated, err := e.transition(ctx, id, func(a model.CloudAccount) (model.CloudAccount, error) {
		if err := check(a); err != nil {
			return a, err
		}
		access, _ := a.Access()
		a.State = model.Degraded{Access: access, Reason: reason}
		a.StateUpdatedAt = now
		a.NextScan = nil
		return a, nil
	})
	if err != nil {
		return fmt.Errorf("degrade account %s: %w", id, err)
	}
	if updated == nil {
		return nil
	}
	recordTransition(model.StateDegraded)
	e.logger.Info().Str("workspace_id", updated.WorkspaceID).Str("cloud_account_id", id).Str("reason", reason).Msg("account degraded")
	evt := model.AccountDegraded{
		AccountEvent: model.NewAccountEvent(updated, now),
		AccountName:  updated.FinalName(),
		Error:        reason,
	}
	if err := e.publisher.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish account degraded: %w", err)
	}
	return nil
}

// Delete soft-deletes an account of the workspace. Deleting a deleted account
// is a no-op.
func (e *Engine) Delete(ctx context.Context, id, workspaceID string) error {
	now := e.now().UTC()
	updated, err := e.transition(ctx, id, func(a model.CloudAccount) (model.CloudAccount, error) {
		if a.WorkspaceID != workspaceID {
			return a, model.ErrAccessDenied
		}
		if _, ok := a.State.(model.Deleted); ok {
			return a, errUnchanged
		}
		a.State = model.Deleted{}
		a.StateUpdatedAt = now
		a.NextScan = nil
		return a, nil
	})
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if updated == nil {
		return nil
	}
	recordTransition(model.StateDeleted)
	e.logger.Info().Str("workspace_id", workspaceID).Str("cloud_account_id", id).Msg("account deleted")
	if err := e.publisher.Publish(ctx, model.AccountDeleted{AccountEvent: model.NewAccountEvent(updated, now)}); err != nil {
		return fmt.Errorf("publish account deleted: %w", err)
	}
	return nil
}

// Enable turns on scheduled collection for a configured account.
func (e *Engine) Enable(ctx context.Context, id, workspaceID string) (*model.CloudAccount, error) {
	return e.setEnabled(ctx, id, workspaceID, true)
}

// Disable turns off scheduled collection for a configured account.
func (e *Engine) Disable(ctx context.Context, id, workspaceID string) (*model.CloudAccount, error) {
	return e.setEnabled(ctx, id, workspaceID, false)
}

func (e *Engine) setEnabled(ctx context.Context, id, workspaceID string, enabled bool) (*model.CloudAccount, error) {
	updated, err := e.accounts.Update(ctx, id, func(a model.CloudAccount) (model.CloudAccount, error) {
		if a.WorkspaceID != workspaceID {
			return a, model.ErrAccessDenied
		}
		configured, ok := a.State.(model.Configured)
		if !ok {
			return a, fmt.Errorf("account in state %s: %w", a.State.StateName(), model.ErrInvalidState)
		}
		configured.Enabled = enabled
		a.State = configured
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("set enabled=%t on account %s: %w", enabled, id, err)
	}
	return updated, nil
}

// GetAccount returns an account of the workspace.
func (e *Engine) GetAccount(ctx context.Context, workspaceID, id string) (*model.CloudAccount, error) {
	a, err := e.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccessDenied)
	}
	return a, nil
}

// ListAccounts returns the accounts of the workspace that are not deleted.
func (e *Engine) ListAccounts(ctx context.Context, workspaceID string) ([]model.CloudAccount, error) {
	return e.accounts.ListByWorkspace(ctx, workspaceID)
}

// UpdateAccountName sets or clears the user override of the account name.
func (e *Engine) UpdateAccountName(ctx context.Context, workspaceID, id string, name *string) (*model.CloudAccount, error) {
	if _, err := e.GetAccount(ctx, workspaceID, id); err != nil {
		return nil, err
	}
	return e.rename(ctx, id, func(a *model.CloudAccount) { a.UserAccountName = name })
}

// LastScan aggregates the last scan of every account in the workspace.
func (e *Engine) LastScan(ctx context.Context, workspaceID string) (*model.LastScanInfo, error) {
	accounts, err := e.accounts.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	info := &model.LastScanInfo{Accounts: map[string]model.LastScanAccountInfo{}}
	for _, a := range accounts {
		if a.LastScanStartedAt == nil {
			continue
		}
		info.Accounts[a.ID] = model.LastScanAccountInfo{
			CloudAccountID:   a.ID,
			AccountID:        a.ProviderAccountID,
			DurationSeconds:  a.LastScanDurationSeconds,
			ResourcesScanned: a.LastScanResourcesScanned,
			StartedAt:        *a.LastScanStartedAt,
		}
		if a.NextScan != nil && (info.NextScan == nil || a.NextScan.Before(*info.NextScan)) {
			next := *a.NextScan
			info.NextScan = &next
		}
	}
	return info, nil
}

// HandleEvent reacts to a domain event.
func (e *Engine) HandleEvent(ctx context.Context, evt model.Event) error {
	switch ev := evt.(type) {
	case model.TenantAccountsCollected:
		return e.recordScans(ctx, ev)
	case model.AccountDiscovered:
		account, err := e.accounts.Get(ctx, ev.CloudAccountID)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return e.ConfigureAccount(ctx, *account, true)
	case model.AccountConfigured, model.AccountDegraded, model.AccountDeleted:
		return e.publisher.PublishTenant(ctx, evt.Tenant(), evt.WithoutTenant())
	default:
		return nil
	}
}

func (e *Engine) recordScans(ctx context.Context, evt model.TenantAccountsCollected) error {
	for id, info := range evt.CloudAccounts {
		startedAt := info.StartedAt.UTC()
		var nextScan *time.Time
		if evt.NextRun != nil {
			next := evt.NextRun.UTC()
			nextScan = &next
		}
		_, err := e.accounts.Update(ctx, id, func(a model.CloudAccount) (model.CloudAccount, error) {
			a.LastScanStartedAt = &startedAt
			a.LastScanDurationSeconds = info.DurationSeconds
			a.LastScanResourcesScanned = info.ScannedResources
			a.LastTaskID = info.TaskID
			a.NextScan = nextScan
			return a, nil
		})
		if errors.Is(err, model.ErrNotFound) {
			e.logger.Warn().Str("cloud_account_id", id).Msg("collected account no longer exists")
			continue
		}
		if err != nil {
			return fmt.Errorf("record scan of account %s: %w", id, err)
		}
	}
	return nil
}
