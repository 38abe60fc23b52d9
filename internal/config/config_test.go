package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyCoreDBURL(t *testing.T) {
	// Config loads successfully even without CORE_DATABASE_URL set.
	os.Unsetenv("CORE_DATABASE_URL")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "", cfg.CoreDatabaseURL)
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"TEMPORAL_ADDRESS", "HTTP_LISTEN_ADDR", "LOG_LEVEL", "COLLECT_TASK_QUEUE", "COLLECTOR_TASK_QUEUE",
		"AWS_REGION", "CF_QUEUE_URL", "PROBE_CONCURRENCY", "COLLECT_INTERVAL", "DATABASE_MAX_CONNS", "STREAM_RETENTION",
	} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:7233", cfg.TemporalAddress)
	assert.Equal(t, ":8090", cfg.HTTPListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "collect", cfg.CollectTaskQueue)
	assert.Equal(t, "collector", cfg.CollectorTaskQueue)
	assert.Equal(t, "us-east-1", cfg.AWSRegion)
	assert.Equal(t, "", cfg.CFQueueURL)
	assert.Equal(t, 16, cfg.ProbeConcurrency)
	assert.Equal(t, time.Hour, cfg.CollectInterval)
	assert.Equal(t, int32(20), cfg.DatabaseMaxConns)
	assert.Equal(t, 7*24*time.Hour, cfg.StreamRetention)
}

func TestLoad_AllEnvVars(t *testing.T) {
	t.Setenv("CORE_DATABASE_URL", "postgres://core:5432/coredb")
	t.Setenv("TEMPORAL_ADDRESS", "temporal.example.com:7233")
	t.Setenv("HTTP_LISTEN_ADDR", ":7071")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("INSTANCE_ID", "accounts-0")
	t.Setenv("CF_QUEUE_URL", "https://sqs.eu-central-1.amazonaws.com/000000000000/cf-notifications")
	t.Setenv("PROBE_CONCURRENCY", "4")
	t.Setenv("COLLECT_INTERVAL", "30m")
	t.Setenv("LISTENER_POLICY_FILE", "/etc/cloudaccounts/listeners.yaml")
	t.Setenv("API_TOKEN", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://core:5432/coredb", cfg.CoreDatabaseURL)
	assert.Equal(t, "temporal.example.com:7233", cfg.TemporalAddress)
	assert.Equal(t, ":7071", cfg.HTTPListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "accounts-0", cfg.InstanceID)
	assert.Equal(t, "https://sqs.eu-central-1.amazonaws.com/000000000000/cf-notifications", cfg.CFQueueURL)
	assert.Equal(t, 4, cfg.ProbeConcurrency)
	assert.Equal(t, 30*time.Minute, cfg.CollectInterval)
	assert.Equal(t, "/etc/cloudaccounts/listeners.yaml", cfg.ListenerPolicyFile)
	assert.Equal(t, "s3cret", cfg.APIToken)
}

func TestLoad_InvalidNumbers(t *testing.T) {
	t.Setenv("PROBE_CONCURRENCY", "many")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROBE_CONCURRENCY")

	t.Setenv("PROBE_CONCURRENCY", "")
	t.Setenv("COLLECT_INTERVAL", "hourly")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COLLECT_INTERVAL")
}

func TestValidate_AccountsService_MissingFields(t *testing.T) {
	cfg := &Config{ProbeConcurrency: 1}
	err := cfg.Validate("accounts-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CORE_DATABASE_URL")
	assert.Contains(t, err.Error(), "TEMPORAL_ADDRESS")
	assert.Contains(t, err.Error(), "HTTP_LISTEN_ADDR")
	assert.Contains(t, err.Error(), "AWS_REGION")
}

func TestValidate_Worker_MissingFields(t *testing.T) {
	cfg := &Config{ProbeConcurrency: 1}
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CORE_DATABASE_URL")
	assert.Contains(t, err.Error(), "COLLECTOR_TASK_QUEUE")
	assert.NotContains(t, err.Error(), "HTTP_LISTEN_ADDR")
}

func TestValidate_UnknownRole(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate("node-agent"))
}

func TestValidate_TLS_MismatchedCertKey(t *testing.T) {
	cfg := validConfig()
	cfg.TemporalTLSCert = "/path/to/cert.pem"
	err := cfg.Validate("accounts-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set")
}

func TestValidate_ProbeConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.ProbeConcurrency = 0
	assert.Error(t, cfg.Validate("accounts-service"))
}

func TestValidate_AllPresent(t *testing.T) {
	cfg := validConfig()
	cfg.TemporalTLSCert = "/path/to/cert.pem"
	cfg.TemporalTLSKey = "/path/to/key.pem"

	assert.NoError(t, cfg.Validate("accounts-service"))
	assert.NoError(t, cfg.Validate("worker"))
}

func validConfig() *Config {
	return &Config{
		CoreDatabaseURL:    "postgres://localhost/db",
		TemporalAddress:    "localhost:7233",
		HTTPListenAddr:     ":8090",
		AWSRegion:          "eu-central-1",
		CollectTaskQueue:   "collect",
		CollectorTaskQueue: "collector",
		ProbeConcurrency:   16,
	}
}
