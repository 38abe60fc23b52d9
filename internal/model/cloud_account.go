package model

import (
	"time"
)

// Cloud provider tags.
const (
	CloudAWS   = "aws"
	CloudGCP   = "gcp"
	CloudAzure = "azure"
)

// CloudAccount is a provider account (AWS account, GCP project, Azure
// subscription) attached to a workspace.
type CloudAccount struct {
	ID                string `json:"id"`
	WorkspaceID       string `json:"workspace_id"`
	Cloud             string `json:"cloud"`
	ProviderAccountID string `json:"account_id"`

	// AccountName is the name discovered from the provider organization.
	AccountName *string `json:"account_name,omitempty"`
	// AccountAlias is the alias reported by the provider for the account itself.
	AccountAlias *string `json:"account_alias,omitempty"`
	// UserAccountName is an explicit override set by the user.
	UserAccountName *string `json:"user_account_name,omitempty"`

	State          AccountState `json:"-"`
	StateUpdatedAt time.Time    `json:"state_updated_at"`
	Privileged     bool         `json:"privileged"`

	NextScan                 *time.Time `json:"next_scan,omitempty"`
	LastScanStartedAt        *time.Time `json:"last_scan_started_at,omitempty"`
	LastScanDurationSeconds  int        `json:"last_scan_duration_seconds"`
	LastScanResourcesScanned int        `json:"last_scan_resources_scanned"`
	LastTaskID               *string    `json:"last_task_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FinalName resolves the display name: user override, then provider alias,
// then discovered name, then the provider account id.
func (a *CloudAccount) FinalName() string {
	for _, n := range []*string{a.UserAccountName, a.AccountAlias, a.AccountName} {
		if n != nil && *n != "" {
			return *n
		}
	}
	return a.ProviderAccountID
}

// Access returns the credentials carried by the current state, if any.
func (a *CloudAccount) Access() (CloudAccess, bool) {
	return StateAccess(a.State)
}

// LastScanAccountInfo is the scan summary of a single account.
type LastScanAccountInfo struct {
	CloudAccountID   string    `json:"cloud_account_id"`
	AccountID        string    `json:"account_id"`
	DurationSeconds  int       `json:"duration_seconds"`
	ResourcesScanned int       `json:"resources_scanned"`
	StartedAt        time.Time `json:"started_at"`
}

// LastScanInfo aggregates the last scan of all accounts in a workspace.
type LastScanInfo struct {
	Accounts map[string]LastScanAccountInfo `json:"accounts"`
	NextScan *time.Time                     `json:"next_scan,omitempty"`
}
