// Package jobqueue submits collection jobs as Temporal workflows. The job id
// is the workflow id, so Temporal enforces that a job id is queued or running
// at most once.
package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/api/serviceerror"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/cloudaccounts/internal/model"
	"github.com/edvin/cloudaccounts/internal/platform"
)

// CollectWorkflow is the registered name of the collection workflow.
const CollectWorkflow = "CollectAccountWorkflow"

// Queue submits jobs to a Temporal task queue.
type Queue struct {
	tc        temporalclient.Client
	taskQueue string
	logger    zerolog.Logger
}

func New(tc temporalclient.Client, taskQueue string, logger zerolog.Logger) *Queue {
	return &Queue{
		tc:        tc,
		taskQueue: taskQueue,
		logger:    logger.With().Str("component", "jobqueue").Logger(),
	}
}

// Enqueue submits the job and returns its id. An empty job id is replaced by
// a fresh one. A job id that is queued or running yields
// model.ErrJobAlreadyEnqueued.
//
// With waitUntilDone the call blocks until the job finished and returns the
// job's error. Cancelling ctx stops the wait but not the job.
func (q *Queue) Enqueue(ctx context.Context, job model.CollectJob, waitUntilDone bool) (string, error) {
	if job.JobID == "" {
		job.JobID = platform.NewJobID()
	}
	run, err := q.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        job.JobID,
		TaskQueue: q.taskQueue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, CollectWorkflow, job)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return job.JobID, fmt.Errorf("job %s: %w", job.JobID, model.ErrJobAlreadyEnqueued)
		}
		return job.JobID, fmt.Errorf("start %s %s: %w", CollectWorkflow, job.JobID, err)
	}
	q.logger.Debug().Str("job_id", job.JobID).Str("tenant_id", job.TenantID).Str("kind", job.Account.Kind).Msg("job enqueued")

	if !waitUntilDone {
		return job.JobID, nil
	}
	if err := run.Get(ctx, nil); err != nil {
		return job.JobID, fmt.Errorf("job %s: %w", job.JobID, err)
	}
	return job.JobID, nil
}
