package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"

	collectactivity "github.com/edvin/cloudaccounts/internal/activity"
	"github.com/edvin/cloudaccounts/internal/config"
	"github.com/edvin/cloudaccounts/internal/db"
	"github.com/edvin/cloudaccounts/internal/jobqueue"
	"github.com/edvin/cloudaccounts/internal/logging"
	"github.com/edvin/cloudaccounts/internal/metrics"
	"github.com/edvin/cloudaccounts/internal/stream/pgstream"
	"github.com/edvin/cloudaccounts/internal/workflow"
)

const serviceName = "worker"

func main() {
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

	w := worker.New(tc, cfg.CollectTaskQueue, worker.Options{})

	collectEvents := collectactivity.NewCollectEvents(pgstream.NewPublisher(corePool, serviceName))
	w.RegisterActivity(collectEvents)

	collect := workflow.Collect{CollectorQueue: cfg.CollectorTaskQueue}
	w.RegisterWorkflowWithOptions(collect.CollectAccountWorkflow, temporalworkflow.RegisterOptions{Name: jobqueue.CollectWorkflow})

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, corePool)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer metricsSrv.Close()
	}

	logger.Info().Str("taskQueue", cfg.CollectTaskQueue).Str("collectorQueue", cfg.CollectorTaskQueue).Msg("starting temporal worker")
	if err := w.Start(); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}

	<-ctx.Done()

	logger.Info().Msg("shutting down worker")
	w.Stop()
}
