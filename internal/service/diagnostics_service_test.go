package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/storage"
	"github.com/account-aggregator/internal/types"
)

func newDiagnosticsFixture(t *testing.T, adapters map[types.Provider]*mockAdapter) (*DiagnosticsService, *storage.MemoryCredentialStore, *storage.MemorySessionStore) {
	t.Helper()
	creds := storage.NewMemoryCredentialStore()
	sessions := storage.NewMemorySessionStore(time.Minute)
	svc := NewDiagnosticsService(toAdapterMap(adapters), creds, sessions, DiagnosticsOptions{
		ProbeTimeout: time.Second,
	})
	for provider := range adapters {
		seedCredentials(t, creds, "user-1", provider)
	}
	return svc, creds, sessions
}

func TestRunDiagnosticsHealthyConnections(t *testing.T) {
	svc, _, sessions := newDiagnosticsFixture(t, map[types.Provider]*mockAdapter{
		types.ProviderBank:      newMockAdapter(types.ProviderBank),
		types.ProviderBrokerage: newMockAdapter(types.ProviderBrokerage),
	})

	report, err := svc.RunDiagnostics(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, models.HealthHealthy, report.OverallHealth)
	assert.Empty(t, report.Issues)
	assert.Empty(t, report.Recommendations)

	session, err := sessions.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, report, session.Report)
}

func TestRunDiagnosticsAuthExpiredIssue(t *testing.T) {
	brokerage := newMockAdapter(types.ProviderBrokerage)
	brokerage.statusFn = func() (*models.ConnectionStatus, error) {
		return nil, apperrors.NewProviderError(types.ProviderBrokerage, "connection_status", "", 401, "Unable to verify signature sent")
	}

	svc, _, _ := newDiagnosticsFixture(t, map[types.Provider]*mockAdapter{
		types.ProviderBank:      newMockAdapter(types.ProviderBank),
		types.ProviderBrokerage: brokerage,
	})

	report, err := svc.RunDiagnostics(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, models.HealthCritical, report.OverallHealth)
	require.Len(t, report.Issues, 1)

	issue := report.Issues[0]
	assert.Equal(t, models.SeverityCritical, issue.Severity)
	assert.Equal(t, string(apperrors.KindAuthExpired), issue.Category)
	assert.Equal(t, types.ProviderBrokerage, issue.AffectedProvider)
	require.Len(t, issue.RepairActions, 1)

	action := issue.RepairActions[0]
	assert.Equal(t, models.RepairGuided, action.Type)
	require.Len(t, action.Steps, 2)
	assert.Equal(t, models.StepUserAction, action.Steps[0].Type)
	assert.Equal(t, models.StepVerification, action.Steps[1].Type)
	for _, step := range action.Steps {
		assert.Equal(t, models.StepPending, step.Status)
	}
	assert.NotEmpty(t, report.Recommendations)
}

func TestRunDiagnosticsGroupsAccountsIntoOneIssue(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	bank.statusFn = func() (*models.ConnectionStatus, error) {
		return &models.ConnectionStatus{Provider: types.ProviderBank, Disabled: true, Status: "disabled"}, nil
	}
	bank.listAccountsFn = func() ([]*models.Account, error) {
		return []*models.Account{
			{ID: "acct-2", Provider: types.ProviderBank},
			{ID: "acct-1", Provider: types.ProviderBank},
		}, nil
	}

	svc, _, _ := newDiagnosticsFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})
	report, err := svc.RunDiagnostics(context.Background(), "user-1")
	require.NoError(t, err)

	require.Len(t, report.Issues, 1)
	issue := report.Issues[0]
	assert.Equal(t, string(apperrors.KindConnectionDisabled), issue.Category)
	assert.Equal(t, []string{"acct-1", "acct-2"}, issue.AffectedAccounts)
}

func TestRunDiagnosticsRateLimitedProbeSurfacesNoIssue(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	bank.statusFn = func() (*models.ConnectionStatus, error) {
		return nil, apperrors.NewProviderError(types.ProviderBank, "connection_status", "", 429, "throttled")
	}

	svc, _, _ := newDiagnosticsFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})
	report, err := svc.RunDiagnostics(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, models.HealthHealthy, report.OverallHealth)
	assert.Empty(t, report.Issues)
}

func TestRunDiagnosticsMissingCredentials(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	creds := storage.NewMemoryCredentialStore()
	sessions := storage.NewMemorySessionStore(time.Minute)
	svc := NewDiagnosticsService(toAdapterMap(map[types.Provider]*mockAdapter{types.ProviderBank: bank}), creds, sessions, DiagnosticsOptions{})

	report, err := svc.RunDiagnostics(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, models.HealthCritical, report.OverallHealth)
	require.Len(t, report.Issues, 1)
	issue := report.Issues[0]
	assert.Equal(t, string(apperrors.KindNotRegistered), issue.Category)
	require.NotEmpty(t, issue.RepairActions)
	assert.Equal(t, models.RepairManual, issue.RepairActions[0].Type)
	assert.Equal(t, 0, bank.callCount("connection_status"))
}

func TestRunDiagnosticsProviderUnavailableIsWarning(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	bank.statusFn = func() (*models.ConnectionStatus, error) {
		return nil, apperrors.NewProviderError(types.ProviderBank, "connection_status", "", 503, "maintenance")
	}

	svc, _, _ := newDiagnosticsFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})
	report, err := svc.RunDiagnostics(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, models.HealthDegraded, report.OverallHealth)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, models.SeverityWarning, report.Issues[0].Severity)
	assert.True(t, report.Issues[0].AutoRepairAvailable)
}

func TestRunDiagnosticsHealthIsNotSticky(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	failing := true
	bank.statusFn = func() (*models.ConnectionStatus, error) {
		if failing {
			return nil, apperrors.NewProviderError(types.ProviderBank, "connection_status", "", 503, "down")
		}
		return &models.ConnectionStatus{Provider: types.ProviderBank, Status: "active"}, nil
	}

	svc, _, _ := newDiagnosticsFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})

	report, err := svc.RunDiagnostics(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.HealthDegraded, report.OverallHealth)

	failing = false
	report, err = svc.RunDiagnostics(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, report.OverallHealth)
	assert.Empty(t, report.Issues)
}

func TestGetReportRunsProbeWhenNoSessionExists(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	svc, _, _ := newDiagnosticsFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})

	report, err := svc.GetReport(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, report.OverallHealth)
	assert.Equal(t, 1, bank.callCount("connection_status"))

	// A second read serves the stored session without re-probing.
	_, err = svc.GetReport(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, bank.callCount("connection_status"))
}
