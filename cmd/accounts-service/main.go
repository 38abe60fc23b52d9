package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/cloudaccounts/internal/api"
	"github.com/edvin/cloudaccounts/internal/cloudformation"
	"github.com/edvin/cloudaccounts/internal/config"
	"github.com/edvin/cloudaccounts/internal/db"
	"github.com/edvin/cloudaccounts/internal/dispatcher"
	"github.com/edvin/cloudaccounts/internal/events"
	"github.com/edvin/cloudaccounts/internal/jobqueue"
	"github.com/edvin/cloudaccounts/internal/lifecycle"
	"github.com/edvin/cloudaccounts/internal/logging"
	"github.com/edvin/cloudaccounts/internal/metrics"
	"github.com/edvin/cloudaccounts/internal/model"
	"github.com/edvin/cloudaccounts/internal/probe"
	"github.com/edvin/cloudaccounts/internal/schedule"
	"github.com/edvin/cloudaccounts/internal/store"
	"github.com/edvin/cloudaccounts/internal/stream"
	"github.com/edvin/cloudaccounts/internal/stream/pgstream"
	"github.com/edvin/cloudaccounts/internal/stream/sqsqueue"
	"github.com/edvin/cloudaccounts/migrations"
)

const serviceName = "accounts-service"

func main() {
	migrateFlag := flag.Bool("migrate", true, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ServiceName = serviceName

	if err := cfg.Validate(serviceName); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Msg("running database migrations")
		if err := db.RunMigrations(cfg.CoreDatabaseURL, migrations.Core, "core"); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	policies, err := stream.LoadPolicies(cfg.ListenerPolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load listener policies")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	corePool, err := db.NewPool(ctx, cfg.CoreDatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to core database")
	}
	defer corePool.Close()
	metrics.RegisterPgxPoolMetrics(prometheus.DefaultRegisterer, "core", corePool)

	dialOpts, err := cfg.TemporalClientOptions()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure temporal TLS")
	}
	tc, err := temporalclient.Dial(dialOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to temporal")
	}
	defer tc.Close()

	awsProbe, err := probe.NewAWS(ctx, cfg.AWSRegion)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure aws probe")
	}

	accounts := store.NewAccountStore(corePool)
	workspaces := store.NewWorkspaceStore(corePool)
	publisher := events.NewPublisher(pgstream.NewPublisher(corePool, serviceName), corePool)

	engine := lifecycle.New(accounts, workspaces, publisher, probe.NewBounded(awsProbe, cfg.ProbeConcurrency), lifecycle.DefaultConfig(), logger)

	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.Interval = cfg.CollectInterval
	disp := dispatcher.New(accounts, store.NewNextRunStore(corePool), workspaces, store.NewMeteringStore(corePool),
		jobqueue.New(tc, cfg.CollectTaskQueue, logger), publisher, dispatchCfg, logger)

	listeners := []*stream.Listener{
		newListener(ctx, "lifecycle-domain-events",
			pgstream.NewConsumer(corePool, model.DomainEventsStream, "lifecycle"),
			events.Handler(logger, engine.HandleEvent),
			applyPolicy("lifecycle-domain-events", lifecycle.ListenerOptions(), policies, logger), logger),
		newListener(ctx, "dispatcher-domain-events",
			pgstream.NewConsumer(corePool, model.DomainEventsStream, "dispatcher"),
			events.Handler(logger, disp.HandleEvent),
			applyPolicy("dispatcher-domain-events", stream.DefaultOptions(), policies, logger), logger),
		newListener(ctx, "dispatcher-collect-events",
			pgstream.NewConsumer(corePool, model.CollectEventsStream, "dispatcher"),
			disp.HandleCollectMessage,
			applyPolicy("dispatcher-collect-events", stream.DefaultOptions(), policies, logger), logger),
	}

	if cfg.CFQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load aws config")
		}
		queue := sqsqueue.New(sqs.NewFromConfig(awsCfg), cfg.CFQueueURL, cloudformation.NotificationKind, 20*time.Second)
		cfOpts := applyPolicy("cloudformation-notifications", cloudformation.ListenerOptions(), policies, logger)
		cfHandler := cloudformation.NewHandler(engine, cloudformation.NewHTTPSender(), cfOpts.DoNotRetryMoreThan, logger)
		listeners = append(listeners, newListener(ctx, "cloudformation-notifications",
			queue, cfHandler.Handle, cfOpts, logger))
	} else {
		logger.Warn().Msg("CF_QUEUE_URL not set, cloudformation notifications are not consumed")
	}

	trimmer := schedule.NewPeriodic("trim-streams", time.Hour, func(ctx context.Context) error {
		return trimStreams(ctx, corePool, cfg.StreamRetention, logger)
	}, logger)

	for _, l := range listeners {
		l.Start(ctx)
	}
	engine.Start(ctx)
	disp.Start(ctx)
	trimmer.Start(ctx)

	tenantHub := events.NewTenantHub(cfg.CoreDatabaseURL, logger)
	tenantHub.Start(ctx)

	srv := api.NewServer(logger, engine, corePool, tenantHub, cfg.APIToken)
	httpServer := &http.Server{
		Addr:        cfg.HTTPListenAddr,
		Handler:     srv.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting accounts API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	tenantHub.Stop()

	trimmer.Stop()
	disp.Stop()
	engine.Stop()
	for _, l := range listeners {
		l.Stop()
	}
}

// applyPolicy overrides opts with the policy configured for the listener.
func applyPolicy(name string, opts stream.Options, policies map[string]stream.Policy, logger zerolog.Logger) stream.Options {
	if p, ok := policies[name]; ok {
		opts = opts.Apply(p)
		logger.Info().Str("listener", name).Msg("applied listener policy")
	}
	return opts
}

// newListener registers pgstream consumer groups before the first publish
// can race them.
func newListener(ctx context.Context, name string, transport stream.Transport, handler stream.Handler, opts stream.Options, logger zerolog.Logger) *stream.Listener {
	if c, ok := transport.(*pgstream.Consumer); ok {
		if err := c.Register(ctx); err != nil {
			logger.Fatal().Err(err).Str("listener", name).Msg("failed to register consumer group")
		}
	}
	return stream.NewListener(name, transport, handler, opts, logger)
}

func trimStreams(ctx context.Context, pool *pgxpool.Pool, retention time.Duration, logger zerolog.Logger) error {
	for _, name := range []string{model.DomainEventsStream, model.CollectEventsStream} {
		n, err := pgstream.Trim(ctx, pool, name, retention, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info().Str("stream", name).Int64("deleted", n).Msg("trimmed stream")
		}
	}
	return nil
}
