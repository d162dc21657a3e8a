package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/service"
	"github.com/account-aggregator/internal/storage"
	"github.com/account-aggregator/internal/types"
)

// Hand-written service stubs; hooks left nil return canned data.

type stubAggregation struct {
	listFn   func(userID string) (*service.AccountsOverview, error)
	detailFn func(userID string, provider types.Provider, accountID string) (*models.AccountDetail, error)
}

func (s *stubAggregation) ListAccounts(ctx context.Context, userID string) (*service.AccountsOverview, error) {
	if s.listFn != nil {
		return s.listFn(userID)
	}
	return &service.AccountsOverview{Accounts: []*models.Account{
		{ID: "acct-1", Provider: types.ProviderBank, Status: types.AccountStatusOpen, Currency: "USD"},
	}}, nil
}

func (s *stubAggregation) GetAccountDetail(ctx context.Context, userID string, provider types.Provider, accountID string) (*models.AccountDetail, error) {
	if s.detailFn != nil {
		return s.detailFn(userID, provider, accountID)
	}
	return &models.AccountDetail{
		Account: &models.Account{ID: accountID, Provider: provider},
		Metadata: models.DetailMetadata{
			FetchedAt:        time.Now().UTC(),
			DegradedBranches: []string{models.BranchBalances},
		},
	}, nil
}

type stubDiagnostics struct {
	reportFn func(userID string) (*models.DiagnosticReport, error)
}

func (s *stubDiagnostics) GetReport(ctx context.Context, userID string) (*models.DiagnosticReport, error) {
	if s.reportFn != nil {
		return s.reportFn(userID)
	}
	return &models.DiagnosticReport{UserID: userID, OverallHealth: models.HealthHealthy, Issues: []*models.Issue{}}, nil
}

func (s *stubDiagnostics) RunDiagnostics(ctx context.Context, userID string) (*models.DiagnosticReport, error) {
	return s.GetReport(ctx, userID)
}

type stubRepair struct {
	executeFn func(userID, issueID, actionID string) (*service.RepairResult, error)
}

func (s *stubRepair) ExecuteRepair(ctx context.Context, userID, issueID, actionID string) (*service.RepairResult, error) {
	if s.executeFn != nil {
		return s.executeFn(userID, issueID, actionID)
	}
	return &service.RepairResult{Success: true, Message: "All repair steps completed."}, nil
}

func (s *stubRepair) ConfirmStep(ctx context.Context, userID, issueID, actionID, stepID string) (*service.RepairResult, error) {
	return s.ExecuteRepair(ctx, userID, issueID, actionID)
}

func (s *stubRepair) AbandonRepair(ctx context.Context, userID, issueID, actionID string) error {
	return nil
}

type testServerOptions struct {
	aggregation AggregationServiceInterface
	diagnostics DiagnosticsServiceInterface
	repair      RepairServiceInterface
	rps         int
	burst       int
}

func createTestServer(opts testServerOptions) *Server {
	if opts.aggregation == nil {
		opts.aggregation = &stubAggregation{}
	}
	if opts.diagnostics == nil {
		opts.diagnostics = &stubDiagnostics{}
	}
	if opts.repair == nil {
		opts.repair = &stubRepair{}
	}
	if opts.rps == 0 {
		opts.rps = 1000
	}
	if opts.burst == 0 {
		opts.burst = 1000
	}

	s := &Server{
		router:      mux.NewRouter(),
		aggregation: opts.aggregation,
		diagnostics: opts.diagnostics,
		repair:      opts.repair,
		credentials: storage.NewMemoryCredentialStore(),
		config: &ServerConfig{
			Host:           "localhost",
			Port:           "0",
			RateLimitRPS:   opts.rps,
			RateLimitBurst: opts.burst,
		},
	}
	s.setupRouter()
	return s
}

func doRequest(server *Server, method, path string, body []byte, withUser bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if withUser {
		req.Header.Set("X-User-ID", "user-1")
	}
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(testServerOptions{})

	w := doRequest(server, "GET", "/health", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestListAccountsRequiresUserID(t *testing.T) {
	server := createTestServer(testServerOptions{})

	w := doRequest(server, "GET", "/api/accounts", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ErrCodeUnauthorized, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.RequestID)
}

func TestGetAccountDetail(t *testing.T) {
	server := createTestServer(testServerOptions{})

	w := doRequest(server, "GET", "/api/accounts/bank/acct-1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var detail models.AccountDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "acct-1", detail.Account.ID)
	assert.Equal(t, []string{models.BranchBalances}, detail.Metadata.DegradedBranches)
	assert.False(t, detail.Metadata.FetchedAt.IsZero())
}

func TestGetAccountDetailUnknownProvider(t *testing.T) {
	server := createTestServer(testServerOptions{})

	w := doRequest(server, "GET", "/api/accounts/crypto/acct-1", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClassifiedErrorsMapToFixedCodes(t *testing.T) {
	tests := []struct {
		name           string
		kind           apperrors.ErrorKind
		expectedStatus int
		expectedCode   string
	}{
		{"auth expired", apperrors.KindAuthExpired, http.StatusUnauthorized, "AUTH_EXPIRED"},
		{"not registered", apperrors.KindNotRegistered, http.StatusNotFound, "NOT_REGISTERED"},
		{"user mismatch", apperrors.KindUserMismatch, http.StatusConflict, "USER_MISMATCH"},
		{"rate limited", apperrors.KindRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"connection disabled", apperrors.KindConnectionDisabled, http.StatusForbidden, "CONNECTION_DISABLED"},
		{"provider unavailable", apperrors.KindProviderUnavailable, http.StatusBadGateway, "PROVIDER_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := apperrors.ClassificationFor(tt.kind)
			server := createTestServer(testServerOptions{
				aggregation: &stubAggregation{
					detailFn: func(string, types.Provider, string) (*models.AccountDetail, error) {
						return nil, &service.ClassifiedError{Kind: cls.Kind, Action: cls.Action, Message: cls.UserMessage}
					},
				},
			})

			w := doRequest(server, "GET", "/api/accounts/bank/acct-1", nil, true)
			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			assert.Equal(t, cls.UserMessage, resp.Error.Message)
		})
	}
}

func TestSaveAndDeleteCredentials(t *testing.T) {
	server := createTestServer(testServerOptions{})

	body, _ := json.Marshal(map[string]string{
		"provider": "bank",
		"clientId": "client-1",
		"secret":   "s3cret",
	})
	w := doRequest(server, "PUT", "/api/credentials", body, true)
	assert.Equal(t, http.StatusNoContent, w.Code)

	saved, err := server.credentials.Get(context.Background(), "user-1", types.ProviderBank)
	require.NoError(t, err)
	assert.Equal(t, "client-1", saved.ClientID)

	w = doRequest(server, "DELETE", "/api/credentials/bank", nil, true)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err = server.credentials.Get(context.Background(), "user-1", types.ProviderBank)
	assert.ErrorIs(t, err, storage.ErrCredentialsNotFound)
}

func TestSaveCredentialsValidation(t *testing.T) {
	server := createTestServer(testServerOptions{})

	w := doRequest(server, "PUT", "/api/credentials", []byte("not json"), true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, _ := json.Marshal(map[string]string{"provider": "crypto", "clientId": "c", "secret": "s"})
	w = doRequest(server, "PUT", "/api/credentials", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, _ = json.Marshal(map[string]string{"provider": "bank"})
	w = doRequest(server, "PUT", "/api/credentials", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteRepairValidation(t *testing.T) {
	server := createTestServer(testServerOptions{})

	w := doRequest(server, "POST", "/api/repairs", []byte("nope"), true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, _ := json.Marshal(map[string]string{"issueId": "i-1"})
	w = doRequest(server, "POST", "/api/repairs", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteRepairMapsServiceErrors(t *testing.T) {
	server := createTestServer(testServerOptions{
		repair: &stubRepair{
			executeFn: func(string, string, string) (*service.RepairResult, error) {
				return nil, service.ErrIssueNotFound
			},
		},
	})

	body, _ := json.Marshal(map[string]string{"issueId": "i-1", "actionId": "a-1"})
	w := doRequest(server, "POST", "/api/repairs", body, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiagnosticsEndpoint(t *testing.T) {
	server := createTestServer(testServerOptions{})

	w := doRequest(server, "GET", "/api/diagnostics", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var report models.DiagnosticReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, models.HealthHealthy, report.OverallHealth)
}

func TestRateLimitingRejectsBursts(t *testing.T) {
	server := createTestServer(testServerOptions{rps: 1, burst: 1})

	first := doRequest(server, "GET", "/api/diagnostics", nil, true)
	assert.Equal(t, http.StatusOK, first.Code)

	second := doRequest(server, "GET", "/api/diagnostics", nil, true)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRequestIDIsHonored(t *testing.T) {
	server := createTestServer(testServerOptions{})

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
}
