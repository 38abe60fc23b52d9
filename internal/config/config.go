package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edvin/cloudaccounts/internal/platform"
)

type Config struct {
	CoreDatabaseURL string
	// DatabaseMaxConns bounds the core pool.
	DatabaseMaxConns int32

	TemporalAddress       string
	TemporalNamespace     string
	TemporalTLSCert       string
	TemporalTLSKey        string
	TemporalTLSCACert     string
	TemporalTLSServerName string
	// CollectTaskQueue runs the collection workflows; CollectorTaskQueue is
	// served by the external collector executing the Collect activity.
	CollectTaskQueue   string
	CollectorTaskQueue string

	HTTPListenAddr string
	// APIToken guards the tenant routes. Authentication is off when empty.
	APIToken    string
	MetricsAddr string
	LogLevel       string
	// ServiceName is set by the binary, not by the environment.
	ServiceName string
	InstanceID  string

	AWSRegion string
	// CFQueueURL is the SQS queue receiving custom resource notifications.
	// The handler is disabled when empty.
	CFQueueURL       string
	ProbeConcurrency int

	CollectInterval time.Duration
	// StreamRetention bounds how long delivered stream messages are kept.
	StreamRetention    time.Duration
	ListenerPolicyFile string
}

func Load() (*Config, error) {
	cfg := &Config{
		CoreDatabaseURL:       getEnv("CORE_DATABASE_URL", ""),
		TemporalAddress:       getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace:     getEnv("TEMPORAL_NAMESPACE", "default"),
		TemporalTLSCert:       getEnv("TEMPORAL_TLS_CERT", ""),
		TemporalTLSKey:        getEnv("TEMPORAL_TLS_KEY", ""),
		TemporalTLSCACert:     getEnv("TEMPORAL_TLS_CA_CERT", ""),
		TemporalTLSServerName: getEnv("TEMPORAL_TLS_SERVER_NAME", ""),
		CollectTaskQueue:      getEnv("COLLECT_TASK_QUEUE", "collect"),
		CollectorTaskQueue:    getEnv("COLLECTOR_TASK_QUEUE", "collector"),
		HTTPListenAddr:        getEnv("HTTP_LISTEN_ADDR", ":8090"),
		APIToken:              getEnv("API_TOKEN", ""),
		MetricsAddr:           getEnv("METRICS_ADDR", ":9090"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		InstanceID:            getEnv("INSTANCE_ID", hostname()),
		AWSRegion:             getEnv("AWS_REGION", "us-east-1"),
		CFQueueURL:            getEnv("CF_QUEUE_URL", ""),
		ListenerPolicyFile:    getEnv("LISTENER_POLICY_FILE", ""),
	}

	maxConns, err := getEnvInt("DATABASE_MAX_CONNS", 20)
	if err != nil {
		return nil, err
	}
	cfg.DatabaseMaxConns = int32(maxConns)

	if cfg.ProbeConcurrency, err = getEnvInt("PROBE_CONCURRENCY", 16); err != nil {
		return nil, err
	}
	if cfg.CollectInterval, err = getEnvDuration("COLLECT_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.StreamRetention, err = getEnvDuration("STREAM_RETENTION", 7*24*time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every setting the given binary requires but lacks.
func (c *Config) Validate(role string) error {
	var missing []string
	require := func(value, name string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	switch role {
	case "accounts-service":
		require(c.CoreDatabaseURL, "CORE_DATABASE_URL")
		require(c.TemporalAddress, "TEMPORAL_ADDRESS")
		require(c.HTTPListenAddr, "HTTP_LISTEN_ADDR")
		require(c.AWSRegion, "AWS_REGION")
		require(c.CollectTaskQueue, "COLLECT_TASK_QUEUE")
	case "worker":
		require(c.CoreDatabaseURL, "CORE_DATABASE_URL")
		require(c.TemporalAddress, "TEMPORAL_ADDRESS")
		require(c.CollectTaskQueue, "COLLECT_TASK_QUEUE")
		require(c.CollectorTaskQueue, "COLLECTOR_TASK_QUEUE")
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config for %s: %s", role, strings.Join(missing, ", "))
	}
	if (c.TemporalTLSCert == "") != (c.TemporalTLSKey == "") {
		return fmt.Errorf("TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set")
	}
	if c.ProbeConcurrency < 1 {
		return fmt.Errorf("PROBE_CONCURRENCY must be positive, got %d", c.ProbeConcurrency)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return platform.NewName("instance-")
	}
	return h
}
