package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/taskplane/taskplane/internal/domain"
)

// variableNameRe matches the same names that resolve inside task payloads.
var variableNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// UpsertVariableRequest is the JSON body for PUT /api/v1/variables/{name}.
// Value is write-only; it is sealed before it reaches the store and never
// returned by any endpoint.
type UpsertVariableRequest struct {
	Value       string `json:"value"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
}

// MountVariableRoutes registers variable endpoints on the router.
func MountVariableRoutes(r chi.Router, srv *Server) {
	r.Get("/variables", srv.HandleListVariables)
	r.Put("/variables/{name}", srv.HandleUpsertVariable)
	r.Get("/variables/{name}", srv.HandleGetVariable)
	r.Delete("/variables/{name}", srv.HandleDeleteVariable)
}

// HandleUpsertVariable creates or replaces a variable.
func (s *Server) HandleUpsertVariable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !variableNameRe.MatchString(name) {
		errorJSON(w, "variable name must match [A-Za-z0-9_]+", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	var req UpsertVariableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Value == "" {
		errorJSON(w, "value is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if s.Sealer == nil {
		errorJSON(w, "variable encryption is not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	sealed, err := s.Sealer.Seal(req.Value)
	if err != nil {
		internalError(w, "failed to seal variable", err)
		return
	}

	v := &domain.Variable{
		Name:           name,
		EncryptedValue: sealed,
		Description:    req.Description,
		CreatedBy:      req.CreatedBy,
	}
	if err := s.Variables.UpsertVariable(r.Context(), v); err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// HandleGetVariable returns variable metadata. The value stays sealed.
func (s *Server) HandleGetVariable(w http.ResponseWriter, r *http.Request) {
	v, err := s.Variables.GetVariable(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// HandleListVariables lists variable metadata, never values.
func (s *Server) HandleListVariables(w http.ResponseWriter, r *http.Request) {
	vars, err := s.Variables.ListVariables(r.Context())
	if err != nil {
		domainError(w, err)
		return
	}
	if vars == nil {
		vars = []domain.Variable{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": vars})
}

// HandleDeleteVariable removes a variable.
func (s *Server) HandleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	if err := s.Variables.DeleteVariable(r.Context(), chi.URLParam(r, "name")); err != nil {
		domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
