package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/cloudaccounts/internal/model"
)

// CollectActivity is the activity implemented by the external collector.
const CollectActivity = "Collect"

// Collect holds the workflows driving the external collector.
type Collect struct {
	// CollectorQueue is the task queue the collector polls.
	CollectorQueue string
}

// CollectAccountWorkflow runs the collector for one account and publishes the
// outcome onto the collect-events stream. The workflow id is the job id.
func (c Collect) CollectAccountWorkflow(ctx workflow.Context, job model.CollectJob) error {
	collectCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		TaskQueue:           c.CollectorQueue,
		StartToCloseTimeout: 3 * time.Hour,
		HeartbeatTimeout:    5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    2,
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
	publishCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    10,
			InitialInterval:    1 * time.Second,
			MaximumInterval:    1 * time.Minute,
			BackoffCoefficient: 2.0,
		},
	})

	var done model.CollectDone
	err := workflow.ExecuteActivity(collectCtx, CollectActivity, job).Get(ctx, &done)
	if err != nil {
		workflow.GetLogger(ctx).Error("collect job failed", "job_id", job.JobID, "error", err)
		pubErr := workflow.ExecuteActivity(publishCtx, "PublishJobFailed", model.CollectJobFailed{
			JobID:    job.JobID,
			TenantID: job.TenantID,
			Error:    err.Error(),
		}).Get(ctx, nil)
		if pubErr != nil {
			workflow.GetLogger(ctx).Error("publish job failure", "job_id", job.JobID, "error", pubErr)
		}
		return err
	}

	if done.JobID == "" {
		done.JobID = job.JobID
	}
	if done.TenantID == "" {
		done.TenantID = job.TenantID
	}
	return workflow.ExecuteActivity(publishCtx, "PublishCollectDone", done).Get(ctx, nil)
}
