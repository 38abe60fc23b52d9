package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/cloudaccounts/internal/model"
)

const accountColumns = `id, workspace_id, cloud, account_id, account_name, account_alias, user_account_name,
	state, access, enabled, error, state_updated_at, privileged,
	next_scan, last_scan_started_at, last_scan_duration_seconds, last_scan_resources_scanned, last_task_id,
	created_at, updated_at`

// AccountStore persists cloud accounts.
type AccountStore struct {
	db  DB
	now func() time.Time
}

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db, now: time.Now}
}

func scanAccount(row pgx.Row) (*model.CloudAccount, error) {
	var (
		a     model.CloudAccount
		state string
		cols  model.StateColumns
	)
	err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.Cloud, &a.ProviderAccountID, &a.AccountName, &a.AccountAlias, &a.UserAccountName,
		&state, &cols.Access, &cols.Enabled, &cols.Reason, &a.StateUpdatedAt, &a.Privileged,
		&a.NextScan, &a.LastScanStartedAt, &a.LastScanDurationSeconds, &a.LastScanResourcesScanned, &a.LastTaskID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cols.State = model.StateName(state)
	if a.State, err = model.RestoreState(cols); err != nil {
		return nil, fmt.Errorf("cloud account %s: %w", a.ID, err)
	}
	return &a, nil
}

func accountArgs(a *model.CloudAccount) ([]any, error) {
	cols, err := model.FlattenState(a.State)
	if err != nil {
		return nil, err
	}
	return []any{
		a.ID, a.WorkspaceID, a.Cloud, a.ProviderAccountID, a.AccountName, a.AccountAlias, a.UserAccountName,
		string(cols.State), cols.Access, cols.Enabled, cols.Reason, a.StateUpdatedAt, a.Privileged,
		a.NextScan, a.LastScanStartedAt, a.LastScanDurationSeconds, a.LastScanResourcesScanned, a.LastTaskID,
		a.CreatedAt, a.UpdatedAt,
	}, nil
}

func (s *AccountStore) Get(ctx context.Context, id string) (*model.CloudAccount, error) {
	a, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM cloud_accounts WHERE id = $1`, id,
	))
	if err != nil {
		return nil, notFound(err, "cloud account", id)
	}
	return a, nil
}

// GetByProviderAccountID looks up an account of a workspace by the provider's
// account id, including deleted accounts.
func (s *AccountStore) GetByProviderAccountID(ctx context.Context, workspaceID, providerAccountID string) (*model.CloudAccount, error) {
	a, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM cloud_accounts WHERE workspace_id = $1 AND account_id = $2`,
		workspaceID, providerAccountID,
	))
	if err != nil {
		return nil, notFound(err, "cloud account", workspaceID+"/"+providerAccountID)
	}
	return a, nil
}

// Create inserts a new account. A concurrent insert of the same provider
// account yields model.ErrConflict.
func (s *AccountStore) Create(ctx context.Context, a *model.CloudAccount) error {
	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	args, err := accountArgs(a)
	if err != nil {
		return fmt.Errorf("create cloud account: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO cloud_accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create cloud account %s: %w", a.ProviderAccountID, model.ErrConflict)
		}
		return fmt.Errorf("create cloud account: %w", err)
	}
	return nil
}

// Update locks the account row, applies fn and writes the result in one
// transaction. An error from fn aborts the update and is returned unchanged.
func (s *AccountStore) Update(ctx context.Context, id string, fn func(model.CloudAccount) (model.CloudAccount, error)) (*model.CloudAccount, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update of cloud account %s: %w", id, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM cloud_accounts WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		return nil, notFound(err, "cloud account", id)
	}

	updated, err := fn(*current)
	if err != nil {
		return nil, err
	}
	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.now().UTC()

	args, err := accountArgs(&updated)
	if err != nil {
		return nil, fmt.Errorf("update cloud account %s: %w", id, err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE cloud_accounts SET workspace_id = $2, cloud = $3, account_id = $4,
			account_name = $5, account_alias = $6, user_account_name = $7,
			state = $8, access = $9, enabled = $10, error = $11, state_updated_at = $12, privileged = $13,
			next_scan = $14, last_scan_started_at = $15, last_scan_duration_seconds = $16,
			last_scan_resources_scanned = $17, last_task_id = $18, created_at = $19, updated_at = $20
		 WHERE id = $1`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update cloud account %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update of cloud account %s: %w", id, err)
	}
	return &updated, nil
}

// ListByState returns all accounts in the given state.
func (s *AccountStore) ListByState(ctx context.Context, state model.StateName) ([]model.CloudAccount, error) {
	return s.list(ctx, `SELECT `+accountColumns+` FROM cloud_accounts WHERE state = $1 ORDER BY created_at, id`, string(state))
}

// ListByWorkspace returns the accounts of a workspace, excluding deleted ones.
func (s *AccountStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]model.CloudAccount, error) {
	return s.list(ctx,
		`SELECT `+accountColumns+` FROM cloud_accounts WHERE workspace_id = $1 AND state <> $2 ORDER BY created_at, id`,
		workspaceID, string(model.StateDeleted),
	)
}

func (s *AccountStore) list(ctx context.Context, query string, args ...any) ([]model.CloudAccount, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cloud accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.CloudAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cloud account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cloud accounts: %w", err)
	}
	return accounts, nil
}
