// Package adapter provides typed clients for the external data providers.
// Each adapter exposes the same operation set and absorbs its provider's
// schema and error vocabulary: every failure is returned as a typed
// *errors.ProviderError value, never a raw transport error, so the
// orchestrator can classify and isolate it per branch.
package adapter

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/types"
)

// ProviderAdapter defines the uniform operation set per provider.
// All operations are idempotent reads. Credentials are passed per call;
// adapters hold no per-user state.
type ProviderAdapter interface {
	// Provider identifies which provider this adapter speaks to
	Provider() types.Provider

	// ListAccounts returns all accounts visible to the credential set
	ListAccounts(ctx context.Context, creds *types.Credentials) ([]*models.Account, error)

	// GetBalances returns the balance snapshot for one account
	GetBalances(ctx context.Context, creds *types.Credentials, accountID string) (*models.Balance, error)

	// GetPositions returns the holdings of one account
	GetPositions(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Position, error)

	// GetOpenOrders returns the open orders of one account
	GetOpenOrders(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Order, error)

	// GetOrderHistory returns historical orders of one account
	GetOrderHistory(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Order, error)

	// GetActivities returns the activity log of one account
	GetActivities(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Activity, error)

	// GetConnectionStatus is the lightweight health probe used by diagnostics
	GetConnectionStatus(ctx context.Context, creds *types.Credentials) (*models.ConnectionStatus, error)
}

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBodyBytes  = 4096
)

// rateLimitSignal extracts the provider rate-limit headers from a response.
// Retry-After is seconds; the remaining-quota counter is provider-specific
// but both providers use the de-facto X-RateLimit-Remaining name. The
// values feed the backoff controller and are never exposed to the UI.
func rateLimitSignal(resp *http.Response) (retryAfter time.Duration, remaining int) {
	remaining = -1

	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	return retryAfter, remaining
}

// clampFilled caps a reported filled quantity at the order quantity.
// Provider feeds occasionally report filled above the order total while a
// partial fill is still reconciling; the canonical order never does.
func clampFilled(filled, quantity float64) float64 {
	if filled > quantity {
		return quantity
	}
	return filled
}

// readErrorBody reads at most maxErrorBodyBytes of an error response body.
func readErrorBody(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return body
}

// transportErr wraps a pre-response failure as a typed provider error.
func transportErr(provider types.Provider, operation string, err error) *apperrors.ProviderError {
	return apperrors.NewTransportError(provider, operation, err)
}
