package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	sdkactivity "go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/edvin/cloudaccounts/internal/activity"
	"github.com/edvin/cloudaccounts/internal/model"
)

type CollectAccountWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func (s *CollectAccountWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.env.RegisterActivityWithOptions(func(context.Context, model.CollectJob) (model.CollectDone, error) {
		return model.CollectDone{}, nil
	}, sdkactivity.RegisterOptions{Name: CollectActivity})
	s.env.RegisterActivity(&activity.CollectEvents{})
}

func (s *CollectAccountWorkflowTestSuite) AfterTest(suiteName, testName string) {
	s.env.AssertExpectations(s.T())
}

func collectJob() model.CollectJob {
	return model.CollectJob{
		JobID:    "job-1",
		TenantID: "ws-1",
		Account:  model.AccountInformation{Kind: model.AccountInfoAWS, AwsAccountID: "123456789012"},
	}
}

func (s *CollectAccountWorkflowTestSuite) TestSuccess_PublishesCollectDone() {
	job := collectJob()
	s.env.OnActivity(CollectActivity, mock.Anything, job).Return(model.CollectDone{
		TaskID: "task-1",
		AccountInfo: map[string]model.CollectedAccount{
			"123456789012": {Summary: map[string]int{"aws_s3_bucket": 4}, StartedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Duration: 30},
		},
	}, nil)
	s.env.OnActivity("PublishCollectDone", mock.Anything, mock.MatchedBy(func(d model.CollectDone) bool {
		return d.JobID == "job-1" && d.TenantID == "ws-1" && d.TaskID == "task-1"
	})).Return(nil)

	s.env.ExecuteWorkflow(Collect{CollectorQueue: "collector"}.CollectAccountWorkflow, job)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *CollectAccountWorkflowTestSuite) TestCollectorFailure_PublishesJobFailed() {
	job := collectJob()
	s.env.OnActivity(CollectActivity, mock.Anything, job).Return(model.CollectDone{}, errors.New("collector crashed"))
	s.env.OnActivity("PublishJobFailed", mock.Anything, mock.MatchedBy(func(f model.CollectJobFailed) bool {
		return f.JobID == "job-1" && f.TenantID == "ws-1" && f.Error != ""
	})).Return(nil)

	s.env.ExecuteWorkflow(Collect{CollectorQueue: "collector"}.CollectAccountWorkflow, job)
	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

func (s *CollectAccountWorkflowTestSuite) TestJobFailedPublishError_ReturnsCollectorError() {
	job := collectJob()
	s.env.OnActivity(CollectActivity, mock.Anything, job).Return(model.CollectDone{}, errors.New("collector crashed"))
	s.env.OnActivity("PublishJobFailed", mock.Anything, mock.Anything).Return(errors.New("stream unavailable"))

	s.env.ExecuteWorkflow(Collect{CollectorQueue: "collector"}.CollectAccountWorkflow, job)
	s.True(s.env.IsWorkflowCompleted())
	err := s.env.GetWorkflowError()
	s.Require().Error(err)
	s.Contains(err.Error(), "collector crashed")
	s.NotContains(err.Error(), "stream unavailable")
}

func TestCollectAccountWorkflow(t *testing.T) {
	suite.Run(t, new(CollectAccountWorkflowTestSuite))
}
