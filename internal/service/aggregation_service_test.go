package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/account-aggregator/internal/adapter"
	"github.com/account-aggregator/internal/backoff"
	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/storage"
	"github.com/account-aggregator/internal/types"
)

// mockAdapter is a hand-written ProviderAdapter with per-operation hooks.
// Calls are counted per operation; hooks left nil fall back to canned data.
type mockAdapter struct {
	provider types.Provider

	mu    sync.Mutex
	calls map[string]int

	listAccountsFn func() ([]*models.Account, error)
	balancesFn     func() (*models.Balance, error)
	positionsFn    func() ([]*models.Position, error)
	openOrdersFn   func() ([]*models.Order, error)
	historyFn      func() ([]*models.Order, error)
	activitiesFn   func() ([]*models.Activity, error)
	statusFn       func() (*models.ConnectionStatus, error)
}

func newMockAdapter(provider types.Provider) *mockAdapter {
	return &mockAdapter{provider: provider, calls: map[string]int{}}
}

func (m *mockAdapter) record(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

func (m *mockAdapter) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockAdapter) Provider() types.Provider { return m.provider }

func (m *mockAdapter) ListAccounts(ctx context.Context, creds *types.Credentials) ([]*models.Account, error) {
	m.record("list_accounts")
	if m.listAccountsFn != nil {
		return m.listAccountsFn()
	}
	return []*models.Account{
		{ID: "acct-1", Provider: m.provider, Institution: "Test Bank", Type: "checking", Status: types.AccountStatusOpen, Currency: "USD", NumberMasked: "****1234"},
	}, nil
}

func (m *mockAdapter) GetBalances(ctx context.Context, creds *types.Credentials, accountID string) (*models.Balance, error) {
	m.record("balances")
	if m.balancesFn != nil {
		return m.balancesFn()
	}
	return &models.Balance{
		AccountID: accountID,
		Cash:      &types.Money{Amount: 1500.25, Currency: "USD"},
		Equity:    &types.Money{Amount: 9200.00, Currency: "USD"},
	}, nil
}

func (m *mockAdapter) GetPositions(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Position, error) {
	m.record("positions")
	if m.positionsFn != nil {
		return m.positionsFn()
	}
	return []*models.Position{
		{Symbol: "VTI", Quantity: 12, MarketValue: &types.Money{Amount: 2760.36, Currency: "USD"}},
	}, nil
}

func (m *mockAdapter) GetOpenOrders(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Order, error) {
	m.record("open_orders")
	if m.openOrdersFn != nil {
		return m.openOrdersFn()
	}
	return []*models.Order{
		{ID: "ord-1", AccountID: accountID, Symbol: "VTI", Side: types.SideBuy, Type: types.OrderTypeLimit, Quantity: 5, Status: types.OrderStatusPending, PlacedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
	}, nil
}

func (m *mockAdapter) GetOrderHistory(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Order, error) {
	m.record("order_history")
	if m.historyFn != nil {
		return m.historyFn()
	}
	return []*models.Order{
		{ID: "ord-0", AccountID: accountID, Symbol: "VTI", Side: types.SideBuy, Type: types.OrderTypeMarket, Quantity: 7, FilledQuantity: 7, Status: types.OrderStatusFilled, PlacedAt: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)},
	}, nil
}

func (m *mockAdapter) GetActivities(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Activity, error) {
	m.record("activities")
	if m.activitiesFn != nil {
		return m.activitiesFn()
	}
	return []*models.Activity{
		{ID: "act-1", AccountID: accountID, Type: types.ActivityDeposit, Amount: &types.Money{Amount: 500, Currency: "USD"}, Date: time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), Description: "Deposit"},
	}, nil
}

func (m *mockAdapter) GetConnectionStatus(ctx context.Context, creds *types.Credentials) (*models.ConnectionStatus, error) {
	m.record("connection_status")
	if m.statusFn != nil {
		return m.statusFn()
	}
	return &models.ConnectionStatus{Provider: m.provider, Disabled: false, Status: "active"}, nil
}

func newTestController(t *testing.T) *backoff.Controller {
	t.Helper()
	controller, err := backoff.NewController(&backoff.Config{
		Base:       time.Millisecond,
		MinSpacing: time.Millisecond,
	})
	require.NoError(t, err)
	return controller
}

func seedCredentials(t *testing.T, store CredentialStore, userID string, providers ...types.Provider) {
	t.Helper()
	for _, provider := range providers {
		err := store.Save(context.Background(), &types.Credentials{
			UserID:   userID,
			Provider: provider,
			ClientID: "client-" + string(provider),
			Secret:   "secret-" + string(provider),
		})
		require.NoError(t, err)
	}
}

func toAdapterMap(mocks map[types.Provider]*mockAdapter) map[types.Provider]adapter.ProviderAdapter {
	out := make(map[types.Provider]adapter.ProviderAdapter, len(mocks))
	for provider, mock := range mocks {
		out[provider] = mock
	}
	return out
}

func newAggregationFixture(t *testing.T, adapters map[types.Provider]*mockAdapter) (*AggregationService, *storage.MemoryCredentialStore) {
	t.Helper()
	creds := storage.NewMemoryCredentialStore()
	svc := NewAggregationService(toAdapterMap(adapters), creds, newTestController(t), AggregationOptions{
		OverallTimeout:   5 * time.Second,
		RateLimitRetries: 3,
		TransientRetries: 2,
	})
	for provider := range adapters {
		seedCredentials(t, creds, "user-1", provider)
	}
	return svc, creds
}

func TestGetAccountDetailAllBranchesSucceed(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	svc, _ := newAggregationFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})

	detail, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, "acct-1", detail.Account.ID)
	assert.NotNil(t, detail.Balances)
	assert.Len(t, detail.Positions, 1)
	assert.Len(t, detail.OpenOrders, 1)
	assert.Len(t, detail.OrderHistory, 1)
	assert.Len(t, detail.Activities, 1)
	assert.Empty(t, detail.Metadata.DegradedBranches)
	assert.False(t, detail.Metadata.FetchedAt.IsZero())
}

// slowBalancesAdapter parks the balances branch until the call context
// expires; every other branch serves its canned data immediately.
type slowBalancesAdapter struct {
	*mockAdapter
}

func (a *slowBalancesAdapter) GetBalances(ctx context.Context, creds *types.Credentials, accountID string) (*models.Balance, error) {
	a.record("balances")
	<-ctx.Done()
	return nil, apperrors.NewTransportError(a.provider, "getBalances", ctx.Err())
}

func TestGetAccountDetailOverallTimeoutReturnsPartialResult(t *testing.T) {
	bank := &slowBalancesAdapter{mockAdapter: newMockAdapter(types.ProviderBank)}
	creds := storage.NewMemoryCredentialStore()
	seedCredentials(t, creds, "user-1", types.ProviderBank)

	svc := NewAggregationService(
		map[types.Provider]adapter.ProviderAdapter{types.ProviderBank: bank},
		creds, newTestController(t), AggregationOptions{
			OverallTimeout:   200 * time.Millisecond,
			RateLimitRetries: 3,
			TransientRetries: 2,
		})

	start := time.Now()
	detail, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	// Completed branches survive; the branch still in flight at expiry is
	// reported as degraded, never as a call failure.
	assert.Equal(t, []string{models.BranchBalances}, detail.Metadata.DegradedBranches)
	assert.Nil(t, detail.Balances)
	assert.Len(t, detail.Positions, 1)
	assert.Len(t, detail.OpenOrders, 1)
	assert.Len(t, detail.OrderHistory, 1)
	assert.Len(t, detail.Activities, 1)
}

func TestGetAccountDetailDegradedBranchesListExactlyTheFailedOnes(t *testing.T) {
	serverError := func() error {
		return apperrors.NewProviderError(types.ProviderBank, "fetch", "", 503, "upstream maintenance")
	}

	tests := []struct {
		name     string
		failing  []string
		expected []string
	}{
		{
			name:     "balances and activities fail",
			failing:  []string{models.BranchBalances, models.BranchActivities},
			expected: []string{models.BranchBalances, models.BranchActivities},
		},
		{
			name:     "single branch fails",
			failing:  []string{models.BranchOpenOrders},
			expected: []string{models.BranchOpenOrders},
		},
		{
			name:     "all five fail",
			failing:  models.Branches(),
			expected: models.Branches(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bank := newMockAdapter(types.ProviderBank)
			failing := map[string]bool{}
			for _, branch := range tt.failing {
				failing[branch] = true
			}
			if failing[models.BranchBalances] {
				bank.balancesFn = func() (*models.Balance, error) { return nil, serverError() }
			}
			if failing[models.BranchPositions] {
				bank.positionsFn = func() ([]*models.Position, error) { return nil, serverError() }
			}
			if failing[models.BranchOpenOrders] {
				bank.openOrdersFn = func() ([]*models.Order, error) { return nil, serverError() }
			}
			if failing[models.BranchOrderHistory] {
				bank.historyFn = func() ([]*models.Order, error) { return nil, serverError() }
			}
			if failing[models.BranchActivities] {
				bank.activitiesFn = func() ([]*models.Activity, error) { return nil, serverError() }
			}

			svc, _ := newAggregationFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})
			detail, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-1")
			require.NoError(t, err)

			assert.Equal(t, tt.expected, detail.Metadata.DegradedBranches)
			if !failing[models.BranchPositions] {
				assert.Len(t, detail.Positions, 1)
			}
			if !failing[models.BranchBalances] {
				assert.NotNil(t, detail.Balances)
			} else {
				assert.Nil(t, detail.Balances)
			}
		})
	}
}

func TestGetAccountDetailSignatureFailureDegradesOnlyBalances(t *testing.T) {
	brokerage := newMockAdapter(types.ProviderBrokerage)
	brokerage.balancesFn = func() (*models.Balance, error) {
		return nil, apperrors.NewProviderError(types.ProviderBrokerage, "get_balances", "", 401, "Unable to verify signature sent")
	}

	svc, creds := newAggregationFixture(t, map[types.Provider]*mockAdapter{types.ProviderBrokerage: brokerage})
	detail, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBrokerage, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, []string{models.BranchBalances}, detail.Metadata.DegradedBranches)
	assert.Nil(t, detail.Balances)
	assert.Len(t, detail.Positions, 1)
	assert.Len(t, detail.OpenOrders, 1)
	assert.Len(t, detail.Activities, 1)

	// Auth failures are never retried.
	assert.Equal(t, 1, brokerage.callCount("balances"))

	// The cached credential must be invalidated so the next call does not
	// repeat the same failure.
	_, err = creds.Get(context.Background(), "user-1", types.ProviderBrokerage)
	assert.ErrorIs(t, err, storage.ErrCredentialsNotFound)
}

func TestGetAccountDetailRateLimitedBranchRetriesWithinBudget(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	var attempts int
	var mu sync.Mutex
	bank.balancesFn = func() (*models.Balance, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 2 {
			perr := apperrors.NewProviderError(types.ProviderBank, "get_balances", "", 429, "slow down")
			perr.RetryAfter = time.Millisecond
			return nil, perr
		}
		return &models.Balance{AccountID: "acct-1", Cash: &types.Money{Amount: 10, Currency: "USD"}}, nil
	}

	svc, _ := newAggregationFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})
	detail, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-1")
	require.NoError(t, err)

	assert.Empty(t, detail.Metadata.DegradedBranches)
	assert.NotNil(t, detail.Balances)
	assert.Equal(t, 3, bank.callCount("balances"))
}

func TestGetAccountDetailRateLimitedBudgetExhausted(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	bank.balancesFn = func() (*models.Balance, error) {
		perr := apperrors.NewProviderError(types.ProviderBank, "get_balances", "", 429, "slow down")
		perr.RetryAfter = time.Millisecond
		return nil, perr
	}

	svc, _ := newAggregationFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})
	detail, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, []string{models.BranchBalances}, detail.Metadata.DegradedBranches)
	// Initial call plus the full retry budget.
	assert.Equal(t, 4, bank.callCount("balances"))
}

func TestGetAccountDetailUnknownAccount(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	svc, _ := newAggregationFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})

	_, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-unknown")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestGetAccountDetailNoCredentials(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	creds := storage.NewMemoryCredentialStore()
	svc := NewAggregationService(toAdapterMap(map[types.Provider]*mockAdapter{types.ProviderBank: bank}), creds, newTestController(t), AggregationOptions{})

	_, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-1")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestGetAccountDetailUnknownProvider(t *testing.T) {
	svc, _ := newAggregationFixture(t, map[types.Provider]*mockAdapter{})

	_, err := svc.GetAccountDetail(context.Background(), "user-1", types.Provider("crypto"), "acct-1")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestGetAccountDetailIdempotent(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	svc, _ := newAggregationFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})

	first, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-1")
	require.NoError(t, err)
	second, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-1")
	require.NoError(t, err)

	// Same content modulo the fetch timestamp.
	first.Metadata.FetchedAt = time.Time{}
	second.Metadata.FetchedAt = time.Time{}
	assert.Equal(t, first, second)
}

func TestListAccountsIsolatesProviderFailures(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	bank.listAccountsFn = func() ([]*models.Account, error) {
		return nil, apperrors.NewProviderError(types.ProviderBank, "list_accounts", "", 503, "maintenance window")
	}
	brokerage := newMockAdapter(types.ProviderBrokerage)

	svc, _ := newAggregationFixture(t, map[types.Provider]*mockAdapter{
		types.ProviderBank:      bank,
		types.ProviderBrokerage: brokerage,
	})

	overview, err := svc.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)

	require.Len(t, overview.Accounts, 1)
	assert.Equal(t, types.ProviderBrokerage, overview.Accounts[0].Provider)
	require.Len(t, overview.Degraded, 1)
	assert.Equal(t, types.ProviderBank, overview.Degraded[0].Provider)
	assert.Equal(t, apperrors.KindProviderUnavailable, overview.Degraded[0].Kind)
	assert.NotContains(t, overview.Degraded[0].Message, "maintenance window")
}

func TestListAccountsSkipsUnregisteredProviders(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	brokerage := newMockAdapter(types.ProviderBrokerage)
	creds := storage.NewMemoryCredentialStore()
	seedCredentials(t, creds, "user-1", types.ProviderBank)

	svc := NewAggregationService(toAdapterMap(map[types.Provider]*mockAdapter{
		types.ProviderBank:      bank,
		types.ProviderBrokerage: brokerage,
	}), creds, newTestController(t), AggregationOptions{})

	overview, err := svc.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)

	require.Len(t, overview.Accounts, 1)
	assert.Equal(t, types.ProviderBank, overview.Accounts[0].Provider)
	assert.Empty(t, overview.Degraded)
	assert.Equal(t, 0, brokerage.callCount("list_accounts"))
}

func TestGetAccountDetailTransientFailureNeverSurfacesRawText(t *testing.T) {
	bank := newMockAdapter(types.ProviderBank)
	bank.listAccountsFn = func() ([]*models.Account, error) {
		return nil, apperrors.NewProviderError(types.ProviderBank, "list_accounts", "", 503, "java.lang.NullPointerException at line 42")
	}

	svc, _ := newAggregationFixture(t, map[types.Provider]*mockAdapter{types.ProviderBank: bank})
	_, err := svc.GetAccountDetail(context.Background(), "user-1", types.ProviderBank, "acct-1")
	require.Error(t, err)

	var cerr *ClassifiedError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, apperrors.KindProviderUnavailable, cerr.Kind)
	assert.NotContains(t, cerr.Message, "NullPointerException")
}
