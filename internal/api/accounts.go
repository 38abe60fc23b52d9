package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/edvin/cloudaccounts/internal/model"
)

var validate = validator.New()

// accountResponse is the public view of an account. Credentials never leave
// the service; only the role name of AWS accounts is shown.
type accountResponse struct {
	ID                       string     `json:"id"`
	WorkspaceID              string     `json:"workspace_id"`
	Cloud                    string     `json:"cloud"`
	AccountID                string     `json:"account_id"`
	Name                     string     `json:"name"`
	AccountName              *string    `json:"account_name,omitempty"`
	AccountAlias             *string    `json:"account_alias,omitempty"`
	UserAccountName          *string    `json:"user_account_name,omitempty"`
	State                    string     `json:"state"`
	Enabled                  bool       `json:"enabled"`
	Reason                   *string    `json:"reason,omitempty"`
	RoleName                 string     `json:"role_name,omitempty"`
	Privileged               bool       `json:"privileged"`
	StateUpdatedAt           time.Time  `json:"state_updated_at"`
	NextScan                 *time.Time `json:"next_scan,omitempty"`
	LastScanStartedAt        *time.Time `json:"last_scan_started_at,omitempty"`
	LastScanDurationSeconds  int        `json:"last_scan_duration_seconds"`
	LastScanResourcesScanned int        `json:"last_scan_resources_scanned"`
	CreatedAt                time.Time  `json:"created_at"`
}

func toAccountResponse(a model.CloudAccount) accountResponse {
	resp := accountResponse{
		ID:                       a.ID,
		WorkspaceID:              a.WorkspaceID,
		Cloud:                    a.Cloud,
		AccountID:                a.ProviderAccountID,
		Name:                     a.FinalName(),
		AccountName:              a.AccountName,
		AccountAlias:             a.AccountAlias,
		UserAccountName:          a.UserAccountName,
		State:                    string(a.State.StateName()),
		Privileged:               a.Privileged,
		StateUpdatedAt:           a.StateUpdatedAt,
		NextScan:                 a.NextScan,
		LastScanStartedAt:        a.LastScanStartedAt,
		LastScanDurationSeconds:  a.LastScanDurationSeconds,
		LastScanResourcesScanned: a.LastScanResourcesScanned,
		CreatedAt:                a.CreatedAt,
	}
	switch st := a.State.(type) {
	case model.Configured:
		resp.Enabled = st.Enabled
	case model.Degraded:
		reason := st.Reason
		resp.Reason = &reason
	}
	if access, ok := a.Access(); ok {
		if aws, ok := access.(model.AwsAccess); ok {
			resp.RoleName = aws.RoleName
		}
	}
	return resp
}

type renameRequest struct {
	Name *string `json:"name" validate:"omitempty,max=255"`
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.ListAccounts(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		items = append(items, toAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.accounts.GetAccount(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*a))
}

func (s *Server) renameAccount(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation error: "+err.Error())
		return
	}
	// An empty name clears the override.
	if req.Name != nil && *req.Name == "" {
		req.Name = nil
	}
	a, err := s.accounts.UpdateAccountName(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*a))
}

func (s *Server) enableAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.accounts.Enable(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "workspaceID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*a))
}

func (s *Server) disableAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.accounts.Disable(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "workspaceID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*a))
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Delete(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "workspaceID")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lastScan(w http.ResponseWriter, r *http.Request) {
	info, err := s.accounts.LastScan(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// writeServiceError maps domain errors onto HTTP statuses. Access to an
// account of another workspace is reported as not found.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrAccessDenied):
		writeError(w, http.StatusNotFound, "cloud account not found")
	case errors.Is(err, model.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
