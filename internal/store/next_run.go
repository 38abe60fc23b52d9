package store

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/cloudaccounts/internal/model"
)

// dueBatchSize is the page size used when walking due rows.
const dueBatchSize = 100

// NextRunStore persists the collection schedule, one row per cloud account.
type NextRunStore struct {
	db DB
}

func NewNextRunStore(db DB) *NextRunStore {
	return &NextRunStore{db: db}
}

// Upsert sets the next run of an account.
func (s *NextRunStore) Upsert(ctx context.Context, nr model.NextRun) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO next_run (cloud_account_id, at) VALUES ($1, $2)
		 ON CONFLICT (cloud_account_id) DO UPDATE SET at = EXCLUDED.at`,
		nr.CloudAccountID, nr.At,
	)
	if err != nil {
		return fmt.Errorf("upsert next run of %s: %w", nr.CloudAccountID, err)
	}
	return nil
}

func (s *NextRunStore) Get(ctx context.Context, cloudAccountID string) (*model.NextRun, error) {
	nr := model.NextRun{CloudAccountID: cloudAccountID}
	err := s.db.QueryRow(ctx,
		`SELECT at FROM next_run WHERE cloud_account_id = $1`, cloudAccountID,
	).Scan(&nr.At)
	if err != nil {
		return nil, notFound(err, "next run", cloudAccountID)
	}
	return &nr, nil
}

// Delete removes the row of an account. Deleting a missing row is not an error.
func (s *NextRunStore) Delete(ctx context.Context, cloudAccountID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM next_run WHERE cloud_account_id = $1`, cloudAccountID); err != nil {
		return fmt.Errorf("delete next run of %s: %w", cloudAccountID, err)
	}
	return nil
}

// ForEachDue calls fn for every row with at <= now, ordered by time. Rows are
// fetched page by page with a keyset cursor, so fn may rewrite the row it is
// given. An error from fn stops the walk.
func (s *NextRunStore) ForEachDue(ctx context.Context, now time.Time, fn func(model.NextRun) error) error {
	var (
		afterAt time.Time
		afterID string
		first   = true
	)
	for {
		page, err := s.duePage(ctx, now, first, afterAt, afterID)
		if err != nil {
			return err
		}
		for _, nr := range page {
			if err := fn(nr); err != nil {
				return err
			}
		}
		if len(page) < dueBatchSize {
			return nil
		}
		last := page[len(page)-1]
		afterAt, afterID, first = last.At, last.CloudAccountID, false
	}
}

func (s *NextRunStore) duePage(ctx context.Context, now time.Time, first bool, afterAt time.Time, afterID string) ([]model.NextRun, error) {
	query := `SELECT cloud_account_id, at FROM next_run WHERE at <= $1`
	args := []any{now}
	if !first {
		query += ` AND (at, cloud_account_id) > ($2, $3)`
		args = append(args, afterAt, afterID)
	}
	query += fmt.Sprintf(` ORDER BY at, cloud_account_id LIMIT %d`, dueBatchSize)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due next runs: %w", err)
	}
	defer rows.Close()

	var page []model.NextRun
	for rows.Next() {
		var nr model.NextRun
		if err := rows.Scan(&nr.CloudAccountID, &nr.At); err != nil {
			return nil, fmt.Errorf("scan next run: %w", err)
		}
		page = append(page, nr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate next runs: %w", err)
	}
	return page, nil
}
