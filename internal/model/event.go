package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Domain event kinds.
const (
	KindAccountDiscovered       = "cloud_account_discovered"
	KindAccountConfigured       = "cloud_account_configured"
	KindAccountDegraded         = "cloud_account_degraded"
	KindAccountDeleted          = "cloud_account_deleted"
	KindAccountNameChanged      = "cloud_account_name_changed"
	KindTenantAccountsCollected = "tenant_accounts_collected"
)

// DomainEventsStream is the durable stream all domain events are appended to.
const DomainEventsStream = "domain-events"

// TenantEventsChannel returns the broadcast channel of a workspace.
func TenantEventsChannel(workspaceID string) string {
	return "tenant-events::" + workspaceID
}

// Event is an immutable domain event.
type Event interface {
	Kind() string
	// Tenant returns the owning workspace id.
	Tenant() string
	// WithoutTenant returns a copy safe to broadcast to the tenant's clients.
	WithoutTenant() Event
}

// EventMeta identifies a single event occurrence.
type EventMeta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEventMeta creates metadata for an event emitted at the given time.
func NewEventMeta(at time.Time) EventMeta {
	return EventMeta{ID: uuid.New().String(), CreatedAt: at.UTC()}
}

// AccountEvent holds the fields shared by the single-account lifecycle events.
type AccountEvent struct {
	EventMeta
	Cloud          string `json:"cloud"`
	CloudAccountID string `json:"cloud_account_id"`
	TenantID       string `json:"tenant_id,omitempty"`
	AccountID      string `json:"account_id"`
}

// NewAccountEvent builds the shared part of an account event.
func NewAccountEvent(a *CloudAccount, at time.Time) AccountEvent {
	return AccountEvent{
		EventMeta:      NewEventMeta(at),
		Cloud:          a.Cloud,
		CloudAccountID: a.ID,
		TenantID:       a.WorkspaceID,
		AccountID:      a.ProviderAccountID,
	}
}

// AccountDiscovered is emitted when credentials for an account were received.
type AccountDiscovered struct {
	AccountEvent
}

// AccountConfigured is emitted when an account becomes collectable.
type AccountConfigured struct {
	AccountEvent
}

// AccountDegraded is emitted when an account cannot be collected anymore.
type AccountDegraded struct {
	AccountEvent
	AccountName string `json:"account_name"`
	Error       string `json:"error"`
}

// AccountDeleted is emitted when an account was soft-deleted.
type AccountDeleted struct {
	AccountEvent
}

// AccountNameChanged is emitted when the resolved final name changed.
type AccountNameChanged struct {
	AccountEvent
	State     StateName `json:"state"`
	Name      *string   `json:"name,omitempty"`
	FinalName string    `json:"final_name"`
}

// CloudAccountCollectInfo summarizes one account of a finished collect run.
type CloudAccountCollectInfo struct {
	AccountID        string    `json:"account_id"`
	ScannedResources int       `json:"scanned_resources"`
	DurationSeconds  int       `json:"duration_seconds"`
	StartedAt        time.Time `json:"started_at"`
	TaskID           *string   `json:"task_id,omitempty"`
}

// TenantAccountsCollected is emitted when collection of accounts finished.
// CloudAccounts is keyed by internal cloud account id.
type TenantAccountsCollected struct {
	EventMeta
	TenantID      string                             `json:"tenant_id,omitempty"`
	CloudAccounts map[string]CloudAccountCollectInfo `json:"cloud_accounts"`
	NextRun       *time.Time                         `json:"next_run,omitempty"`
}

func (AccountDiscovered) Kind() string       { return KindAccountDiscovered }
func (AccountConfigured) Kind() string       { return KindAccountConfigured }
func (AccountDegraded) Kind() string         { return KindAccountDegraded }
func (AccountDeleted) Kind() string          { return KindAccountDeleted }
func (AccountNameChanged) Kind() string      { return KindAccountNameChanged }
func (TenantAccountsCollected) Kind() string { return KindTenantAccountsCollected }

func (e AccountEvent) Tenant() string            { return e.TenantID }
func (e TenantAccountsCollected) Tenant() string { return e.TenantID }

func (e AccountDiscovered) WithoutTenant() Event       { e.TenantID = ""; return e }
func (e AccountConfigured) WithoutTenant() Event       { e.TenantID = ""; return e }
func (e AccountDegraded) WithoutTenant() Event         { e.TenantID = ""; return e }
func (e AccountDeleted) WithoutTenant() Event          { e.TenantID = ""; return e }
func (e AccountNameChanged) WithoutTenant() Event      { e.TenantID = ""; return e }
func (e TenantAccountsCollected) WithoutTenant() Event { e.TenantID = ""; return e }

// DecodeEvent parses the JSON payload of an event of the given kind.
// Unknown kinds return (nil, nil) so consumers can skip them.
func DecodeEvent(kind string, data []byte) (Event, error) {
	var (
		evt Event
		err error
	)
	switch kind {
	case KindAccountDiscovered:
		var e AccountDiscovered
		err = json.Unmarshal(data, &e)
		evt = e
	case KindAccountConfigured:
		var e AccountConfigured
		err = json.Unmarshal(data, &e)
		evt = e
	case KindAccountDegraded:
		var e AccountDegraded
		err = json.Unmarshal(data, &e)
		evt = e
	case KindAccountDeleted:
		var e AccountDeleted
		err = json.Unmarshal(data, &e)
		evt = e
	case KindAccountNameChanged:
		var e AccountNameChanged
		err = json.Unmarshal(data, &e)
		evt = e
	case KindTenantAccountsCollected:
		var e TenantAccountsCollected
		err = json.Unmarshal(data, &e)
		evt = e
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", kind, err)
	}
	return evt, nil
}
