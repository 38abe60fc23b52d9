package store

import (
	"context"
	"encoding/json"

	"github.com/edvin/cloudaccounts/internal/model"
)

// WorkspaceStore reads workspace settings and stored provider credentials.
type WorkspaceStore struct {
	db DB
}

func NewWorkspaceStore(db DB) *WorkspaceStore {
	return &WorkspaceStore{db: db}
}

// ExternalID returns the external id the workspace shares with its cloud
// provider trust policies.
func (s *WorkspaceStore) ExternalID(ctx context.Context, workspaceID string) (string, error) {
	var externalID string
	err := s.db.QueryRow(ctx,
		`SELECT external_id FROM workspaces WHERE id = $1`, workspaceID,
	).Scan(&externalID)
	if err != nil {
		return "", notFound(err, "workspace", workspaceID)
	}
	return externalID, nil
}

// GraphDBAccess returns the database connection target of the workspace.
func (s *WorkspaceStore) GraphDBAccess(ctx context.Context, workspaceID string) (*model.GraphDBAccess, error) {
	g := model.GraphDBAccess{WorkspaceID: workspaceID}
	err := s.db.QueryRow(ctx,
		`SELECT server, database, username, password FROM graph_db_access WHERE workspace_id = $1`, workspaceID,
	).Scan(&g.Server, &g.Database, &g.Username, &g.Password)
	if err != nil {
		return nil, notFound(err, "graph db access", workspaceID)
	}
	return &g, nil
}

func (s *WorkspaceStore) GCPServiceAccountKey(ctx context.Context, keyID string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.db.QueryRow(ctx,
		`SELECT value FROM gcp_service_account_keys WHERE id = $1`, keyID,
	).Scan(&value)
	if err != nil {
		return nil, notFound(err, "gcp service account key", keyID)
	}
	return value, nil
}

func (s *WorkspaceStore) AzureCredential(ctx context.Context, credentialID string) (*model.AzureCredential, error) {
	c := model.AzureCredential{ID: credentialID}
	err := s.db.QueryRow(ctx,
		`SELECT azure_tenant_id, client_id, client_secret FROM azure_credentials WHERE id = $1`, credentialID,
	).Scan(&c.AzureTenantID, &c.ClientID, &c.ClientSecret)
	if err != nil {
		return nil, notFound(err, "azure credential", credentialID)
	}
	return &c, nil
}
