package store

import (
	"context"
	"fmt"

	"github.com/edvin/cloudaccounts/internal/model"
)

// MeteringStore appends collection usage records.
type MeteringStore struct {
	db DB
}

func NewMeteringStore(db DB) *MeteringStore {
	return &MeteringStore{db: db}
}

func (s *MeteringStore) Add(ctx context.Context, rec model.MeteringRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO collect_metering (id, tenant_id, job_id, task_id, timestamp,
			accounts_collected, resources_collected, error_messages, started_at, duration)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.TenantID, rec.JobID, rec.TaskID, rec.Timestamp,
		rec.AccountsCollected, rec.ResourcesCollected, rec.ErrorMessages, rec.StartedAt, rec.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("add metering record for job %s: %w", rec.JobID, err)
	}
	return nil
}
