// Package dispatcher schedules recurring collection of configured cloud
// accounts and records what finished collection runs report back.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/cloudaccounts/internal/model"
	"github.com/edvin/cloudaccounts/internal/platform"
	"github.com/edvin/cloudaccounts/internal/schedule"
	"github.com/edvin/cloudaccounts/internal/stream"
)

var (
	jobsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_jobs_triggered_total",
		Help: "Collection jobs submitted by cloud",
	}, []string{"cloud"})

	jobsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_jobs_skipped_total",
		Help: "Collection triggers skipped by reason",
	}, []string{"reason"})
)

type Accounts interface {
	Get(ctx context.Context, id string) (*model.CloudAccount, error)
	GetByProviderAccountID(ctx context.Context, workspaceID, providerAccountID string) (*model.CloudAccount, error)
}

type NextRuns interface {
	Upsert(ctx context.Context, nr model.NextRun) error
	Get(ctx context.Context, cloudAccountID string) (*model.NextRun, error)
	Delete(ctx context.Context, cloudAccountID string) error
	ForEachDue(ctx context.Context, now time.Time, fn func(model.NextRun) error) error
}

// Workspaces resolves the collection target and stored provider secrets.
type Workspaces interface {
	GraphDBAccess(ctx context.Context, workspaceID string) (*model.GraphDBAccess, error)
	GCPServiceAccountKey(ctx context.Context, keyID string) (json.RawMessage, error)
	AzureCredential(ctx context.Context, credentialID string) (*model.AzureCredential, error)
}

type Metering interface {
	Add(ctx context.Context, rec model.MeteringRecord) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, job model.CollectJob, waitUntilDone bool) (string, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, evt model.Event) error
}

type Config struct {
	// Interval between two collections of the same account.
	Interval time.Duration
	// TickInterval is how often due accounts are looked up.
	TickInterval time.Duration
	// JobEnv is passed to every collection job.
	JobEnv map[string]string
}

func DefaultConfig() Config {
	return Config{
		Interval:     time.Hour,
		TickInterval: time.Minute,
	}
}

// Dispatcher is the collection scheduler.
type Dispatcher struct {
	accounts   Accounts
	nextRuns   NextRuns
	workspaces Workspaces
	metering   Metering
	jobs       JobQueue
	publisher  EventPublisher
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	ticker *schedule.Periodic
}

func New(accounts Accounts, nextRuns NextRuns, workspaces Workspaces, metering Metering, jobs JobQueue, publisher EventPublisher, cfg Config, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		accounts:   accounts,
		nextRuns:   nextRuns,
		workspaces: workspaces,
		metering:   metering,
		jobs:       jobs,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		now:        time.Now,
	}
	d.ticker = schedule.NewPeriodic("dispatch-due-runs", cfg.TickInterval, d.Tick, logger)
	return d
}

// Start begins the periodic tick.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ticker.Start(ctx)
}

// Stop ends the periodic tick. Collections already submitted keep running.
func (d *Dispatcher) Stop() {
	d.ticker.Stop()
}

// HandleEvent reacts to account lifecycle events.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt model.Event) error {
	switch ev := evt.(type) {
	case model.AccountConfigured:
		account, err := d.accounts.Get(ctx, ev.CloudAccountID)
		if errors.Is(err, model.ErrNotFound) {
			d.logger.Warn().Str("cloud_account_id", ev.CloudAccountID).Msg("configured account no longer exists")
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.triggerCollect(ctx, account); err != nil {
			return err
		}
		return d.schedule(ctx, account.ID)
	case model.AccountDeleted:
		if err := d.nextRuns.Delete(ctx, ev.CloudAccountID); err != nil {
			return fmt.Errorf("remove schedule of account %s: %w", ev.CloudAccountID, err)
		}
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) schedule(ctx context.Context, cloudAccountID string) error {
	nr := model.NextRun{CloudAccountID: cloudAccountID, At: d.now().UTC().Add(d.cfg.Interval)}
	if err := d.nextRuns.Upsert(ctx, nr); err != nil {
		return fmt.Errorf("schedule account %s: %w", cloudAccountID, err)
	}
	return nil
}

// Tick triggers collection of every account whose next run is due and
// schedules its following run. Failures are logged per account.
func (d *Dispatcher) Tick(ctx context.Context) error {
	var triggered int
	err := d.nextRuns.ForEachDue(ctx, d.now().UTC(), func(nr model.NextRun) error {
		logger := d.logger.With().Str("cloud_account_id", nr.CloudAccountID).Logger()
		account, err := d.accounts.Get(ctx, nr.CloudAccountID)
		if errors.Is(err, model.ErrNotFound) {
			logger.Warn().Msg("next run refers to missing account, skipping")
			return nil
		}
		if err != nil {
			logger.Error().Err(err).Msg("load account failed")
			return nil
		}
		if err := d.triggerCollect(ctx, account); err != nil {
			logger.Error().Err(err).Msg("trigger collect failed")
		} else {
			triggered++
		}
		if err := d.schedule(ctx, account.ID); err != nil {
			logger.Error().Err(err).Msg("reschedule failed")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate due runs: %w", err)
	}
	if triggered > 0 {
		d.logger.Info().Int("triggered", triggered).Msg("due collections triggered")
	}
	return nil
}

// triggerCollect submits a collection job for an enabled, configured account.
func (d *Dispatcher) triggerCollect(ctx context.Context, account *model.CloudAccount) error {
	logger := d.logger.With().Str("workspace_id", account.WorkspaceID).Str("cloud_account_id", account.ID).Logger()

	configured, ok := account.State.(model.Configured)
	if !ok || !configured.Enabled {
		logger.Debug().Str("state", string(account.State.StateName())).Msg("account not collectable, skipping")
		jobsSkipped.WithLabelValues("not_collectable").Inc()
		return nil
	}

	info, err := d.accountInformation(ctx, account, configured.Access)
	if err != nil {
		return err
	}
	if info == nil {
		logger.Warn().Str("access", fmt.Sprintf("%T", configured.Access)).Msg("unsupported access type, skipping")
		jobsSkipped.WithLabelValues("unsupported_access").Inc()
		return nil
	}

	target, err := d.workspaces.GraphDBAccess(ctx, account.WorkspaceID)
	if err != nil {
		return fmt.Errorf("resolve graph database of workspace %s: %w", account.WorkspaceID, err)
	}

	job := model.CollectJob{
		JobID:           platform.NewJobID(),
		TenantID:        account.WorkspaceID,
		GraphDBServer:   target.Server,
		GraphDBDatabase: target.Database,
		GraphDBUsername: target.Username,
		GraphDBPassword: target.Password,
		Account:         *info,
		Env:             d.cfg.JobEnv,
	}
	jobID, err := d.jobs.Enqueue(ctx, job, false)
	if err != nil {
		return fmt.Errorf("enqueue collect of account %s: %w", account.ID, err)
	}
	jobsTriggered.WithLabelValues(account.Cloud).Inc()
	logger.Info().Str("job_id", jobID).Msg("collect job submitted")
	return nil
}

// accountInformation resolves the provider part of a job. Unknown access
// types yield nil.
func (d *Dispatcher) accountInformation(ctx context.Context, account *model.CloudAccount, access model.CloudAccess) (*model.AccountInformation, error) {
	switch a := access.(type) {
	case model.AwsAccess:
		name := account.FinalName()
		return &model.AccountInformation{
			Kind:           model.AccountInfoAWS,
			AwsAccountID:   a.AwsAccountID,
			AwsAccountName: &name,
			AwsRoleARN:     a.RoleARN(),
			ExternalID:     a.ExternalID,
		}, nil
	case model.GcpAccess:
		key, err := d.workspaces.GCPServiceAccountKey(ctx, a.ServiceAccountKeyID)
		if err != nil {
			return nil, fmt.Errorf("load service account key %s: %w", a.ServiceAccountKeyID, err)
		}
		return &model.AccountInformation{
			Kind:                         model.AccountInfoGCP,
			GcpProjectID:                 a.ProjectID,
			GoogleApplicationCredentials: key,
		}, nil
	case model.AzureAccess:
		cred, err := d.workspaces.AzureCredential(ctx, a.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("load azure credential %s: %w", a.CredentialID, err)
		}
		return &model.AccountInformation{
			Kind:                model.AccountInfoAzure,
			AzureSubscriptionID: a.SubscriptionID,
			AzureTenantID:       cred.AzureTenantID,
			ClientID:            cred.ClientID,
			ClientSecret:        cred.ClientSecret,
		}, nil
	default:
		return nil, nil
	}
}

// HandleCollectMessage consumes the collect-events stream.
func (d *Dispatcher) HandleCollectMessage(ctx context.Context, msg stream.Delivery) error {
	switch msg.Kind {
	case model.KindCollectDone:
		var done model.CollectDone
		if err := json.Unmarshal(msg.Body, &done); err != nil {
			d.logger.Error().Err(err).Str("message_id", msg.ID).Msg("dropping undecodable collect-done message")
			return nil
		}
		return d.collectDone(ctx, done)
	case model.KindCollectJobFailed:
		var failed model.CollectJobFailed
		if err := json.Unmarshal(msg.Body, &failed); err != nil {
			d.logger.Error().Err(err).Str("message_id", msg.ID).Msg("dropping undecodable job-failed message")
			return nil
		}
		d.logger.Warn().Str("job_id", failed.JobID).Str("workspace_id", failed.TenantID).Str("error", failed.Error).Msg("collect job failed")
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) collectDone(ctx context.Context, done model.CollectDone) error {
	now := d.now().UTC()
	var resources int
	for _, info := range done.AccountInfo {
		for _, n := range info.Summary {
			resources += n
		}
	}

	rec := model.MeteringRecord{
		ID:                 platform.NewID(),
		TenantID:           done.TenantID,
		JobID:              done.JobID,
		TaskID:             done.TaskID,
		Timestamp:          now,
		AccountsCollected:  len(done.AccountInfo),
		ResourcesCollected: resources,
		ErrorMessages:      len(done.Messages),
		StartedAt:          done.StartedAt,
		DurationSeconds:    done.Duration,
	}
	if err := d.metering.Add(ctx, rec); err != nil {
		return fmt.Errorf("record metering of job %s: %w", done.JobID, err)
	}

	evt := model.TenantAccountsCollected{
		EventMeta:     model.NewEventMeta(now),
		TenantID:      done.TenantID,
		CloudAccounts: map[string]model.CloudAccountCollectInfo{},
	}
	taskID := done.TaskID
	for providerID, info := range done.AccountInfo {
		account, err := d.accounts.GetByProviderAccountID(ctx, done.TenantID, providerID)
		if errors.Is(err, model.ErrNotFound) {
			d.logger.Warn().Str("workspace_id", done.TenantID).Str("account_id", providerID).Msg("collected unknown account")
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve collected account %s: %w", providerID, err)
		}
		var scanned int
		for _, n := range info.Summary {
			scanned += n
		}
		evt.CloudAccounts[account.ID] = model.CloudAccountCollectInfo{
			AccountID:        providerID,
			ScannedResources: scanned,
			DurationSeconds:  info.Duration,
			StartedAt:        info.StartedAt,
			TaskID:           &taskID,
		}
		nr, err := d.nextRuns.Get(ctx, account.ID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("load next run of account %s: %w", account.ID, err)
		}
		if nr != nil && (evt.NextRun == nil || nr.At.Before(*evt.NextRun)) {
			at := nr.At
			evt.NextRun = &at
		}
	}

	if err := d.publisher.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish accounts collected: %w", err)
	}
	d.logger.Info().Str("workspace_id", done.TenantID).Str("job_id", done.JobID).
		Int("accounts", rec.AccountsCollected).Int("resources", resources).Msg("collect finished")
	return nil
}
