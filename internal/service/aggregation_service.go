package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/account-aggregator/internal/adapter"
	"github.com/account-aggregator/internal/backoff"
	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/logging"
	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/storage"
	"github.com/account-aggregator/internal/types"
)

// Store interfaces for dependency injection

// CredentialStore interface for credential persistence
type CredentialStore interface {
	Get(ctx context.Context, userID string, provider types.Provider) (*types.Credentials, error)
	Save(ctx context.Context, creds *types.Credentials) error
	Delete(ctx context.Context, userID string, provider types.Provider) error
	Invalidate(ctx context.Context, userID string, provider types.Provider) error
}

// Sentinel errors returned across the service boundary. The API layer maps
// these onto the structured error envelope.
var (
	// ErrUnknownProvider means the requested provider is not a supported value
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNoCredentials means the caller has no registered credentials for the provider
	ErrNoCredentials = errors.New("no credentials registered for provider")
	// ErrAccountNotFound means the account is not visible to the caller's credential set
	ErrAccountNotFound = errors.New("account not found for caller")
)

// ClassifiedError carries a classified provider failure across the service
// boundary. Message holds the fixed user-facing text for the kind; the raw
// provider error is logged, never attached.
type ClassifiedError struct {
	Kind    apperrors.ErrorKind
	Action  apperrors.Action
	Message string
}

func (e *ClassifiedError) Error() string {
	return e.Message
}

func newClassifiedError(cls apperrors.Classification) *ClassifiedError {
	return &ClassifiedError{Kind: cls.Kind, Action: cls.Action, Message: cls.UserMessage}
}

// AccountsOverview is the result of listing accounts across all providers.
// A provider whose listing failed contributes no accounts and one
// DegradedProvider entry instead.
type AccountsOverview struct {
	Accounts []*models.Account   `json:"accounts"`
	Degraded []*DegradedProvider `json:"degradedProviders,omitempty"`
}

// DegradedProvider records a provider whose listing could not be served.
type DegradedProvider struct {
	Provider types.Provider      `json:"provider"`
	Kind     apperrors.ErrorKind `json:"kind"`
	Message  string              `json:"message"`
}

// AggregationService orchestrates the per-account fan-out across provider
// adapters, classifying failures and pacing retries through the shared
// backoff controller.
type AggregationService struct {
	adapters map[types.Provider]adapter.ProviderAdapter
	creds    CredentialStore
	backoff  *backoff.Controller

	overallTimeout   time.Duration
	rateLimitRetries int
	transientRetries int
}

// AggregationOptions tunes retry budgets and the overall call timeout.
type AggregationOptions struct {
	OverallTimeout   time.Duration
	RateLimitRetries int
	TransientRetries int
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(
	adapters map[types.Provider]adapter.ProviderAdapter,
	creds CredentialStore,
	controller *backoff.Controller,
	opts AggregationOptions,
) *AggregationService {
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = 30 * time.Second
	}
	if opts.RateLimitRetries <= 0 {
		opts.RateLimitRetries = 3
	}
	if opts.TransientRetries <= 0 {
		opts.TransientRetries = 2
	}
	return &AggregationService{
		adapters:         adapters,
		creds:            creds,
		backoff:          controller,
		overallTimeout:   opts.OverallTimeout,
		rateLimitRetries: opts.RateLimitRetries,
		transientRetries: opts.TransientRetries,
	}
}

// ListAccounts aggregates account listings across all providers the caller
// has credentials for. Provider failures are isolated: a failing provider
// degrades its own section and never hides the other provider's accounts.
func (s *AggregationService) ListAccounts(ctx context.Context, userID string) (*AccountsOverview, error) {
	log := logging.FromContext(ctx)
	overview := &AccountsOverview{Accounts: []*models.Account{}}

	for _, provider := range types.Providers() {
		adp, ok := s.adapters[provider]
		if !ok {
			continue
		}

		creds, err := s.creds.Get(ctx, userID, provider)
		if err != nil {
			if errors.Is(err, storage.ErrCredentialsNotFound) {
				continue
			}
			return nil, fmt.Errorf("loading credentials for %s: %w", provider, err)
		}

		key := retryKey(provider, "list_accounts", "")
		var accounts []*models.Account
		err = s.callWithRetry(ctx, userID, provider, key, func(ctx context.Context) error {
			var callErr error
			accounts, callErr = adp.ListAccounts(ctx, creds)
			return callErr
		})
		if err != nil {
			cls := classifyFailure(err)
			log.WithError(err).WithFields(map[string]interface{}{
				"provider": string(provider),
				"kind":     string(cls.Kind),
			}).Warn("provider account listing degraded")
			overview.Degraded = append(overview.Degraded, &DegradedProvider{
				Provider: provider,
				Kind:     cls.Kind,
				Message:  cls.UserMessage,
			})
			continue
		}
		overview.Accounts = append(overview.Accounts, accounts...)
	}

	sort.Slice(overview.Accounts, func(i, j int) bool {
		if overview.Accounts[i].Provider != overview.Accounts[j].Provider {
			return overview.Accounts[i].Provider < overview.Accounts[j].Provider
		}
		return overview.Accounts[i].ID < overview.Accounts[j].ID
	})
	return overview, nil
}

// GetAccountDetail runs one aggregation call: it verifies the account is
// visible to the caller's credential set, then fetches the five branches
// concurrently. A failed branch degrades its own section of the response
// and is listed in metadata.degraded_branches; the call never fails as a
// whole because one branch did.
func (s *AggregationService) GetAccountDetail(ctx context.Context, userID string, provider types.Provider, accountID string) (*models.AccountDetail, error) {
	if !provider.Valid() {
		return nil, ErrUnknownProvider
	}
	adp, ok := s.adapters[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	creds, err := s.creds.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialsNotFound) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("loading credentials for %s: %w", provider, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.overallTimeout)
	defer cancel()

	account, err := s.verifyOwnership(ctx, userID, adp, creds, accountID)
	if err != nil {
		return nil, err
	}

	detail := &models.AccountDetail{
		Account:      account,
		Positions:    []*models.Position{},
		OpenOrders:   []*models.Order{},
		OrderHistory: []*models.Order{},
		Activities:   []*models.Activity{},
	}

	log := logging.FromContext(ctx)
	var mu sync.Mutex
	degraded := make(map[string]bool)

	markDegraded := func(branch string, err error) {
		cls := classifyFailure(err)
		log.WithError(err).WithFields(map[string]interface{}{
			"provider":  string(provider),
			"accountId": accountID,
			"branch":    branch,
			"kind":      string(cls.Kind),
		}).Warn("aggregation branch degraded")
		mu.Lock()
		degraded[branch] = true
		mu.Unlock()
	}

	branches := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{models.BranchBalances, func(ctx context.Context) error {
			balances, err := adp.GetBalances(ctx, creds, accountID)
			if err != nil {
				return err
			}
			mu.Lock()
			detail.Balances = balances
			mu.Unlock()
			return nil
		}},
		{models.BranchPositions, func(ctx context.Context) error {
			positions, err := adp.GetPositions(ctx, creds, accountID)
			if err != nil {
				return err
			}
			mu.Lock()
			detail.Positions = positions
			mu.Unlock()
			return nil
		}},
		{models.BranchOpenOrders, func(ctx context.Context) error {
			orders, err := adp.GetOpenOrders(ctx, creds, accountID)
			if err != nil {
				return err
			}
			mu.Lock()
			detail.OpenOrders = orders
			mu.Unlock()
			return nil
		}},
		{models.BranchOrderHistory, func(ctx context.Context) error {
			orders, err := adp.GetOrderHistory(ctx, creds, accountID)
			if err != nil {
				return err
			}
			mu.Lock()
			detail.OrderHistory = orders
			mu.Unlock()
			return nil
		}},
		{models.BranchActivities, func(ctx context.Context) error {
			activities, err := adp.GetActivities(ctx, creds, accountID)
			if err != nil {
				return err
			}
			mu.Lock()
			detail.Activities = activities
			mu.Unlock()
			return nil
		}},
	}

	// Fan out all five branches; each failure is isolated to its own
	// section. The WaitGroup waits for every branch to either succeed
	// or exhaust its retry budget, so the call cannot block past the
	// overall timeout carried in ctx.
	var wg sync.WaitGroup
	for _, branch := range branches {
		wg.Add(1)
		go func(name string, run func(ctx context.Context) error) {
			defer wg.Done()
			key := retryKey(provider, name, accountID)
			if err := s.callWithRetry(ctx, userID, provider, key, run); err != nil {
				markDegraded(name, err)
			}
		}(branch.name, branch.run)
	}
	wg.Wait()

	detail.Metadata = models.DetailMetadata{
		FetchedAt:        time.Now().UTC(),
		DegradedBranches: degradedList(degraded),
	}
	return detail, nil
}

// verifyOwnership confirms the account is visible to the caller's
// credential set before any branch fetch runs.
func (s *AggregationService) verifyOwnership(ctx context.Context, userID string, adp adapter.ProviderAdapter, creds *types.Credentials, accountID string) (*models.Account, error) {
	key := retryKey(adp.Provider(), "list_accounts", "")
	var accounts []*models.Account
	err := s.callWithRetry(ctx, userID, adp.Provider(), key, func(ctx context.Context) error {
		var callErr error
		accounts, callErr = adp.ListAccounts(ctx, creds)
		return callErr
	})
	if err != nil {
		cls := classifyFailure(err)
		return nil, newClassifiedError(cls)
	}
	for _, account := range accounts {
		if account.ID == accountID {
			return account, nil
		}
	}
	return nil, ErrAccountNotFound
}

// callWithRetry runs one adapter operation under the retry policy: the
// failure is classified, auth-class failures invalidate the cached
// credential and are never retried, rate-limited and transient failures
// are retried through the backoff controller within their budgets.
func (s *AggregationService) callWithRetry(ctx context.Context, userID string, provider types.Provider, key string, fn func(ctx context.Context) error) error {
	retries := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perr *apperrors.ProviderError
		if !errors.As(err, &perr) {
			return err
		}
		cls := apperrors.Classify(perr)

		if cls.RequiresCredentialInvalidation() {
			if invErr := s.creds.Invalidate(ctx, userID, provider); invErr != nil {
				logging.FromContext(ctx).WithError(invErr).WithField("provider", string(provider)).
					Error("failed to invalidate credentials after auth failure")
			}
			return err
		}
		if !cls.Retryable() || retries >= s.retryBudget(cls.Kind) {
			return err
		}

		retries++
		if _, waitErr := s.backoff.Wait(ctx, key, perr.RetryAfter); waitErr != nil {
			return err
		}
	}
}

// retryBudget returns the maximum number of retries for a kind.
func (s *AggregationService) retryBudget(kind apperrors.ErrorKind) int {
	switch kind {
	case apperrors.KindRateLimited:
		return s.rateLimitRetries
	case apperrors.KindNotFound, apperrors.KindProviderUnavailable, apperrors.KindUnknown:
		return s.transientRetries
	default:
		return 0
	}
}

// classifyFailure classifies an error for user-facing reporting. Errors
// that are not provider failures (context expiry, store faults) read as
// Unknown so callers still see an actionable message.
func classifyFailure(err error) apperrors.Classification {
	var perr *apperrors.ProviderError
	if errors.As(err, &perr) {
		return apperrors.Classify(perr)
	}
	return apperrors.Classify(nil)
}

// retryKey builds the backoff key for one logical operation.
func retryKey(provider types.Provider, operation, accountID string) string {
	if accountID == "" {
		return fmt.Sprintf("%s:%s", provider, operation)
	}
	return fmt.Sprintf("%s:%s:%s", provider, operation, accountID)
}

// degradedList renders the degraded branch set in the stable branch order.
func degradedList(degraded map[string]bool) []string {
	var out []string
	for _, branch := range models.Branches() {
		if degraded[branch] {
			out = append(out, branch)
		}
	}
	return out
}
