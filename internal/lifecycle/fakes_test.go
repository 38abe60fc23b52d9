package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edvin/cloudaccounts/internal/model"
	"github.com/edvin/cloudaccounts/internal/probe"
)

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]model.CloudAccount
	// racer is inserted by the next Create, which then fails as if it lost
	// the race against a concurrent insert.
	racer *model.CloudAccount
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: map[string]model.CloudAccount{}}
}

func (m *memAccounts) put(a model.CloudAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

func (m *memAccounts) get(id string) model.CloudAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id]
}

func (m *memAccounts) Get(_ context.Context, id string) (*model.CloudAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("get account %s: %w", id, model.ErrNotFound)
	}
	return &a, nil
}

func (m *memAccounts) GetByProviderAccountID(_ context.Context, workspaceID, providerAccountID string) (*model.CloudAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.WorkspaceID == workspaceID && a.ProviderAccountID == providerAccountID {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("get account %s: %w", providerAccountID, model.ErrNotFound)
}

func (m *memAccounts) Create(_ context.Context, a *model.CloudAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.racer != nil {
		m.accounts[m.racer.ID] = *m.racer
		m.racer = nil
		return fmt.Errorf("create account: %w", model.ErrConflict)
	}
	for _, existing := range m.accounts {
		if existing.WorkspaceID == a.WorkspaceID && existing.ProviderAccountID == a.ProviderAccountID {
			return model.ErrConflict
		}
	}
	m.accounts[a.ID] = *a
	return nil
}

func (m *memAccounts) Update(_ context.Context, id string, fn func(model.CloudAccount) (model.CloudAccount, error)) (*model.CloudAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("get account %s: %w", id, model.ErrNotFound)
	}
	updated, err := fn(a)
	if err != nil {
		return nil, err
	}
	m.accounts[id] = updated
	return &updated, nil
}

func (m *memAccounts) ListByState(_ context.Context, state model.StateName) ([]model.CloudAccount, error) {
	return m.list(func(a model.CloudAccount) bool { return a.State.StateName() == state }), nil
}

func (m *memAccounts) ListByWorkspace(_ context.Context, workspaceID string) ([]model.CloudAccount, error) {
	return m.list(func(a model.CloudAccount) bool {
		return a.WorkspaceID == workspaceID && a.State.StateName() != model.StateDeleted
	}), nil
}

func (m *memAccounts) list(keep func(model.CloudAccount) bool) []model.CloudAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CloudAccount
	for _, a := range m.accounts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memWorkspaces map[string]string

func (m memWorkspaces) ExternalID(_ context.Context, workspaceID string) (string, error) {
	id, ok := m[workspaceID]
	if !ok {
		return "", fmt.Errorf("workspace %s: %w", workspaceID, model.ErrNotFound)
	}
	return id, nil
}

type tenantEvent struct {
	workspaceID string
	evt         model.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
	tenant []tenantEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) PublishTenant(_ context.Context, workspaceID string, evt model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenant = append(p.tenant, tenantEvent{workspaceID: workspaceID, evt: evt})
	return nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind())
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
	p.tenant = nil
}

type fakeProbe struct {
	mu            sync.Mutex
	assumeErr     error
	regionsErr    error
	accounts      []probe.ProviderAccount
	accountsErr   error
	aliases       []string
	assumeCalls   int
	describeCalls int
}

func (f *fakeProbe) CanAssumeRole(context.Context, model.AwsAccess) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assumeCalls++
	return f.assumeErr
}

func (f *fakeProbe) CanDescribeRegions(context.Context, model.AwsAccess) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	return f.regionsErr
}

func (f *fakeProbe) ListAccounts(context.Context, model.AwsAccess) ([]probe.ProviderAccount, error) {
	return f.accounts, f.accountsErr
}

func (f *fakeProbe) ListAccountAliases(context.Context, model.AwsAccess) ([]string, error) {
	return f.aliases, nil
}

func (f *fakeProbe) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assumeCalls
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
