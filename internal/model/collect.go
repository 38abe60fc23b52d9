package model

import (
	"encoding/json"
	"time"
)

// NextRun is the next scheduled collection of a cloud account.
type NextRun struct {
	CloudAccountID string    `json:"cloud_account_id"`
	At             time.Time `json:"at"`
}

// GraphDBAccess is the database connection target of a workspace.
type GraphDBAccess struct {
	WorkspaceID string `json:"workspace_id"`
	Server      string `json:"server"`
	Database    string `json:"database"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// AzureCredential is a stored service principal secret.
type AzureCredential struct {
	ID            string `json:"id"`
	AzureTenantID string `json:"azure_tenant_id"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
}

// Account information kinds.
const (
	AccountInfoAWS   = "aws_account_information"
	AccountInfoGCP   = "gcp_project_information"
	AccountInfoAzure = "azure_subscription_information"
)

// AccountInformation is the provider-specific part of a collect job,
// discriminated by Kind.
type AccountInformation struct {
	Kind string `json:"kind"`

	AwsAccountID   string  `json:"aws_account_id,omitempty"`
	AwsAccountName *string `json:"aws_account_name,omitempty"`
	AwsRoleARN     string  `json:"aws_role_arn,omitempty"`
	ExternalID     string  `json:"external_id,omitempty"`

	GcpProjectID                 string          `json:"gcp_project_id,omitempty"`
	GoogleApplicationCredentials json.RawMessage `json:"google_application_credentials,omitempty"`

	AzureSubscriptionID string `json:"azure_subscription_id,omitempty"`
	AzureTenantID       string `json:"tenant_id,omitempty"`
	ClientID            string `json:"client_id,omitempty"`
	ClientSecret        string `json:"client_secret,omitempty"`
}

// CollectJob is the descriptor submitted to the job queue.
type CollectJob struct {
	JobID           string             `json:"job_id"`
	TenantID        string             `json:"tenant_id"`
	GraphDBServer   string             `json:"graphdb_server"`
	GraphDBDatabase string             `json:"graphdb_database"`
	GraphDBUsername string             `json:"graphdb_username"`
	GraphDBPassword string             `json:"graphdb_password"`
	Account         AccountInformation `json:"account"`
	Env             map[string]string  `json:"env"`
}

// Collect completion message kinds on the collect-events stream.
const (
	CollectEventsStream  = "collect-events"
	KindCollectDone      = "collect-done"
	KindCollectJobFailed = "job-failed"
)

// CollectedAccount is the per-account part of a collect-done message.
type CollectedAccount struct {
	Cloud     string         `json:"cloud,omitempty"`
	Name      *string        `json:"name,omitempty"`
	Summary   map[string]int `json:"summary"`
	StartedAt time.Time      `json:"started_at"`
	Duration  int            `json:"duration"`
}

// CollectDone is published when a collect job finished. AccountInfo is keyed
// by provider account id.
type CollectDone struct {
	JobID       string                      `json:"job_id"`
	TaskID      string                      `json:"task_id"`
	TenantID    string                      `json:"tenant_id"`
	AccountInfo map[string]CollectedAccount `json:"account_info"`
	Messages    []string                    `json:"messages"`
	StartedAt   time.Time                   `json:"started_at"`
	Duration    int                         `json:"duration"`
	Error       string                      `json:"error,omitempty"`
}

// MeteringRecord is one append-only usage row per finished collect job.
type MeteringRecord struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	JobID              string    `json:"job_id"`
	TaskID             string    `json:"task_id"`
	Timestamp          time.Time `json:"timestamp"`
	AccountsCollected  int       `json:"accounts_collected"`
	ResourcesCollected int       `json:"resources_collected"`
	ErrorMessages      int       `json:"error_messages"`
	StartedAt          time.Time `json:"started_at"`
	DurationSeconds    int       `json:"duration"`
}

// CollectJobFailed is published when a collect job could not be completed.
type CollectJobFailed struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}
