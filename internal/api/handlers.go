package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/account-aggregator/internal/logging"
	"github.com/account-aggregator/internal/types"
)

// userID extracts the caller's user ID, writing an error response and
// returning false when it is missing.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "User ID required")
		return "", false
	}
	return id, true
}

// handleListAccounts handles GET /api/accounts - aggregated account listing
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	overview, err := s.aggregation.ListAccounts(r.Context(), user)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("account listing failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, r, statusCode, code, message)
		return
	}

	respondJSON(w, http.StatusOK, overview)
}

// handleGetAccountDetail handles GET /api/accounts/{provider}/{id} - one
// aggregation call
func (s *Server) handleGetAccountDetail(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	provider := types.Provider(vars["provider"])
	accountID := vars["id"]
	if !provider.Valid() {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown provider")
		return
	}
	if accountID == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "Account ID required")
		return
	}

	detail, err := s.aggregation.GetAccountDetail(r.Context(), user, provider, accountID)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"provider":  string(provider),
			"accountId": accountID,
		}).Error("account detail aggregation failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, r, statusCode, code, message)
		return
	}

	respondJSON(w, http.StatusOK, detail)
}

// handleSaveCredentials handles PUT /api/credentials - register or replace
// credentials for a provider
func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Provider string `json:"provider"`
		ClientID string `json:"clientId"`
		Secret   string `json:"secret"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body")
		return
	}

	provider := types.Provider(req.Provider)
	if !provider.Valid() {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown provider")
		return
	}
	if req.ClientID == "" || req.Secret == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "Client ID and secret required")
		return
	}

	creds := &types.Credentials{
		UserID:   user,
		Provider: provider,
		ClientID: req.ClientID,
		Secret:   req.Secret,
	}
	if err := s.credentials.Save(r.Context(), creds); err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("credential save failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred")
		return
	}

	respondJSON(w, http.StatusNoContent, nil)
}

// handleDeleteCredentials handles DELETE /api/credentials/{provider}
func (s *Server) handleDeleteCredentials(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	provider := types.Provider(mux.Vars(r)["provider"])
	if !provider.Valid() {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown provider")
		return
	}

	if err := s.credentials.Delete(r.Context(), user, provider); err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("credential delete failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred")
		return
	}

	respondJSON(w, http.StatusNoContent, nil)
}

// handleGetDiagnostics handles GET /api/diagnostics - current health report
func (s *Server) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	report, err := s.diagnostics.GetReport(r.Context(), user)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("diagnostics report failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, r, statusCode, code, message)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleRunDiagnostics handles POST /api/diagnostics - force a fresh probe
// cycle
func (s *Server) handleRunDiagnostics(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	report, err := s.diagnostics.RunDiagnostics(r.Context(), user)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("diagnostics run failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, r, statusCode, code, message)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleExecuteRepair handles POST /api/repairs - run a repair action
func (s *Server) handleExecuteRepair(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	var req struct {
		IssueID  string `json:"issueId"`
		ActionID string `json:"actionId"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body")
		return
	}
	if req.IssueID == "" || req.ActionID == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "Issue ID and action ID required")
		return
	}

	result, err := s.repair.ExecuteRepair(r.Context(), user, req.IssueID, req.ActionID)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("repair execution failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, r, statusCode, code, message)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleConfirmStep handles POST /api/repairs/{issueId}/{actionId}/steps/{stepId}/confirm
// - user confirmation of a manual step
func (s *Server) handleConfirmStep(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	result, err := s.repair.ConfirmStep(r.Context(), user, vars["issueId"], vars["actionId"], vars["stepId"])
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("step confirmation failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, r, statusCode, code, message)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleAbandonRepair handles DELETE /api/repairs/{issueId}/{actionId}
func (s *Server) handleAbandonRepair(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	if err := s.repair.AbandonRepair(r.Context(), user, vars["issueId"], vars["actionId"]); err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("repair abandonment failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, r, statusCode, code, message)
		return
	}

	respondJSON(w, http.StatusNoContent, nil)
}
