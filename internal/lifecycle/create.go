package lifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/edvin/cloudaccounts/internal/model"
	"github.com/edvin/cloudaccounts/internal/platform"
)

// CreateAccountParams describes an AWS account reported by the customer's
// deployment of the access role.
type CreateAccountParams struct {
	WorkspaceID       string
	ProviderAccountID string
	// RoleName is empty when the account is known but no role exists yet.
	RoleName    string
	ExternalID  string
	AccountName *string
}

// CreateAccount records an account or refreshes an existing one. New
// credentials put the account into Discovered and emit AccountDiscovered;
// repeated calls with the same credentials only update the name.
func (e *Engine) CreateAccount(ctx context.Context, p CreateAccountParams) (*model.CloudAccount, error) {
	expected, err := e.workspaces.ExternalID(ctx, p.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("create account in workspace %s: %w", p.WorkspaceID, err)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(p.ExternalID)) != 1 {
		return nil, fmt.Errorf("create account in workspace %s: %w", p.WorkspaceID, model.ErrWrongExternalID)
	}

	existing, err := e.accounts.GetByProviderAccountID(ctx, p.WorkspaceID, p.ProviderAccountID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		created, err := e.createNew(ctx, p)
		if !errors.Is(err, model.ErrConflict) {
			return created, err
		}
		// Inserted concurrently: continue with the stored account.
		if existing, err = e.accounts.GetByProviderAccountID(ctx, p.WorkspaceID, p.ProviderAccountID); err != nil {
			return nil, fmt.Errorf("reload account %s: %w", p.ProviderAccountID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("look up account %s: %w", p.ProviderAccountID, err)
	}
	return e.updateExisting(ctx, existing, p)
}

func (p CreateAccountParams) access() model.AwsAccess {
	return model.AwsAccess{AwsAccountID: p.ProviderAccountID, ExternalID: p.ExternalID, RoleName: p.RoleName}
}

func (e *Engine) createNew(ctx context.Context, p CreateAccountParams) (*model.CloudAccount, error) {
	now := e.now().UTC()
	account := &model.CloudAccount{
		ID:                platform.NewID(),
		WorkspaceID:       p.WorkspaceID,
		Cloud:             model.CloudAWS,
		ProviderAccountID: p.ProviderAccountID,
		AccountName:       p.AccountName,
		State:             model.Detected{},
		StateUpdatedAt:    now,
		CreatedAt:         now,
	}
	if p.RoleName != "" {
		account.State = model.Discovered{Access: p.access()}
	}
	if err := e.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	logger := e.logger.With().Str("workspace_id", p.WorkspaceID).Str("cloud_account_id", account.ID).Str("account_id", p.ProviderAccountID).Logger()
	if p.RoleName == "" {
		logger.Info().Msg("account detected without role")
		recordTransition(model.StateDetected)
		return account, nil
	}
	recordTransition(model.StateDiscovered)
	logger.Info().Msg("account discovered")
	if err := e.publisher.Publish(ctx, model.AccountDiscovered{AccountEvent: model.NewAccountEvent(account, now)}); err != nil {
		return account, fmt.Errorf("publish account discovered: %w", err)
	}
	return account, nil
}

func (e *Engine) updateExisting(ctx context.Context, existing *model.CloudAccount, p CreateAccountParams) (*model.CloudAccount, error) {
	access := p.access()
	current, hasAccess := existing.Access()
	nameOnly := p.RoleName == "" || (hasAccess && sameAccess(current, access))

	if nameOnly {
		if p.AccountName == nil {
			return existing, nil
		}
		return e.rename(ctx, existing.ID, func(a *model.CloudAccount) { a.AccountName = p.AccountName })
	}

	now := e.now().UTC()
	updated, err := e.accounts.Update(ctx, existing.ID, func(a model.CloudAccount) (model.CloudAccount, error) {
		a.State = model.Discovered{Access: access}
		a.StateUpdatedAt = now
		if p.AccountName != nil {
			a.AccountName = p.AccountName
		}
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rediscover account %s: %w", existing.ID, err)
	}
	recordTransition(model.StateDiscovered)
	e.logger.Info().Str("workspace_id", p.WorkspaceID).Str("cloud_account_id", existing.ID).
		Str("from", string(existing.State.StateName())).Msg("account credentials changed, rediscovering")
	if err := e.publisher.Publish(ctx, model.AccountDiscovered{AccountEvent: model.NewAccountEvent(updated, now)}); err != nil {
		return updated, fmt.Errorf("publish account discovered: %w", err)
	}
	return updated, nil
}

// rename applies a name change and emits AccountNameChanged when the resolved
// final name differs afterwards.
func (e *Engine) rename(ctx context.Context, id string, set func(a *model.CloudAccount)) (*model.CloudAccount, error) {
	var before string
	updated, err := e.accounts.Update(ctx, id, func(a model.CloudAccount) (model.CloudAccount, error) {
		before = a.FinalName()
		set(&a)
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rename account %s: %w", id, err)
	}
	if updated.FinalName() == before {
		return updated, nil
	}
	evt := model.AccountNameChanged{
		AccountEvent: model.NewAccountEvent(updated, e.now()),
		State:        updated.State.StateName(),
		Name:         updated.UserAccountName,
		FinalName:    updated.FinalName(),
	}
	if err := e.publisher.Publish(ctx, evt); err != nil {
		return updated, fmt.Errorf("publish account name changed: %w", err)
	}
	return updated, nil
}

func sameAccess(a, b model.CloudAccess) bool {
	aws1, ok1 := a.(model.AwsAccess)
	aws2, ok2 := b.(model.AwsAccess)
	if ok1 && ok2 {
		return aws1.AwsAccountID == aws2.AwsAccountID && aws1.RoleName == aws2.RoleName &&
			subtle.ConstantTimeCompare([]byte(aws1.ExternalID), []byte(aws2.ExternalID)) == 1
	}
	return a == b
}
