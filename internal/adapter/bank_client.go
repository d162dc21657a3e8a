package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/types"
)

// BankClient is the adapter for the bank-data aggregator. The bank API is
// a plain JSON REST API authenticated with client-id/secret headers; its
// errors arrive as {"error_code", "error_message"} bodies.
type BankClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// BankClientConfig holds bank adapter configuration.
type BankClientConfig struct {
	// BaseURL is the bank aggregator API root.
	BaseURL string

	// RequestsPerSecond is the client-side pacing limit. Default: 10.
	RequestsPerSecond float64

	// Timeout is the per-request HTTP timeout. Default: 30s.
	Timeout time.Duration
}

// NewBankClient creates a new bank adapter.
func NewBankClient(cfg *BankClientConfig) (*BankClient, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("bank base URL is required")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	return &BankClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}, nil
}

// Provider identifies this adapter as the bank provider.
func (c *BankClient) Provider() types.Provider {
	return types.ProviderBank
}

// Wire types

type bankMoney struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func (m *bankMoney) toMoney() *types.Money {
	if m == nil {
		return nil
	}
	return &types.Money{Amount: m.Amount, Currency: m.Currency}
}

type bankAccount struct {
	AccountID    string `json:"account_id"`
	Institution  string `json:"institution_name"`
	Type         string `json:"account_type"`
	Status       string `json:"status"`
	Currency     string `json:"iso_currency_code"`
	MaskedNumber string `json:"mask"`
}

type bankBalances struct {
	Cash        *bankMoney `json:"cash"`
	Equity      *bankMoney `json:"equity"`
	BuyingPower *bankMoney `json:"buying_power"`
}

type bankPosition struct {
	Symbol        string     `json:"ticker"`
	Name          string     `json:"name"`
	Quantity      float64    `json:"quantity"`
	CostBasis     *bankMoney `json:"cost_basis"`
	MarketValue   *bankMoney `json:"market_value"`
	CurrentPrice  *bankMoney `json:"price"`
	UnrealizedPnL *bankMoney `json:"unrealized_pnl"`
}

type bankOrder struct {
	OrderID        string     `json:"order_id"`
	Symbol         string     `json:"ticker"`
	Side           string     `json:"side"`
	Type           string     `json:"order_type"`
	Quantity       float64    `json:"quantity"`
	FilledQuantity float64    `json:"filled_quantity"`
	Price          *bankMoney `json:"limit_price"`
	Status         string     `json:"status"`
	PlacedAt       time.Time  `json:"placed_at"`
	FilledAt       *time.Time `json:"filled_at"`
}

type bankActivity struct {
	ActivityID  string     `json:"transaction_id"`
	Type        string     `json:"category"`
	Amount      *bankMoney `json:"amount"`
	Date        time.Time  `json:"date"`
	Description string     `json:"description"`
}

type bankErrorBody struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type bankStatusBody struct {
	Disabled bool   `json:"disabled"`
	Status   string `json:"status"`
}

// Operations

// ListAccounts returns all accounts for the credential set.
func (c *BankClient) ListAccounts(ctx context.Context, creds *types.Credentials) ([]*models.Account, error) {
	var body struct {
		Accounts []bankAccount `json:"accounts"`
	}
	if err := c.get(ctx, creds, "listAccounts", "/v1/accounts", &body); err != nil {
		return nil, err
	}

	accounts := make([]*models.Account, 0, len(body.Accounts))
	for _, a := range body.Accounts {
		accounts = append(accounts, &models.Account{
			ID:           a.AccountID,
			Provider:     types.ProviderBank,
			Institution:  a.Institution,
			Type:         a.Type,
			Status:       types.ParseAccountStatus(a.Status),
			Currency:     a.Currency,
			NumberMasked: a.MaskedNumber,
		})
	}
	return accounts, nil
}

// GetBalances returns the balance snapshot for one account.
func (c *BankClient) GetBalances(ctx context.Context, creds *types.Credentials, accountID string) (*models.Balance, error) {
	var body struct {
		Balances bankBalances `json:"balances"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/balances", accountID)
	if err := c.get(ctx, creds, "getBalances", path, &body); err != nil {
		return nil, err
	}

	return &models.Balance{
		AccountID:   accountID,
		Cash:        body.Balances.Cash.toMoney(),
		Equity:      body.Balances.Equity.toMoney(),
		BuyingPower: body.Balances.BuyingPower.toMoney(),
	}, nil
}

// GetPositions returns the holdings of one account.
func (c *BankClient) GetPositions(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Position, error) {
	var body struct {
		Positions []bankPosition `json:"holdings"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/holdings", accountID)
	if err := c.get(ctx, creds, "getPositions", path, &body); err != nil {
		return nil, err
	}

	positions := make([]*models.Position, 0, len(body.Positions))
	for _, p := range body.Positions {
		positions = append(positions, &models.Position{
			Symbol:        p.Symbol,
			Name:          p.Name,
			Quantity:      p.Quantity,
			CostBasis:     p.CostBasis.toMoney(),
			MarketValue:   p.MarketValue.toMoney(),
			CurrentPrice:  p.CurrentPrice.toMoney(),
			UnrealizedPnL: p.UnrealizedPnL.toMoney(),
		})
	}
	return positions, nil
}

// GetOpenOrders returns the open orders of one account.
func (c *BankClient) GetOpenOrders(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Order, error) {
	return c.getOrders(ctx, creds, "getOpenOrders", accountID, "open")
}

// GetOrderHistory returns historical orders of one account.
func (c *BankClient) GetOrderHistory(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Order, error) {
	return c.getOrders(ctx, creds, "getOrderHistory", accountID, "all")
}

func (c *BankClient) getOrders(ctx context.Context, creds *types.Credentials, operation, accountID, status string) ([]*models.Order, error) {
	var body struct {
		Orders []bankOrder `json:"orders"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/orders?status=%s", accountID, status)
	if err := c.get(ctx, creds, operation, path, &body); err != nil {
		return nil, err
	}

	orders := make([]*models.Order, 0, len(body.Orders))
	for _, o := range body.Orders {
		orders = append(orders, &models.Order{
			ID:             o.OrderID,
			AccountID:      accountID,
			Symbol:         o.Symbol,
			Side:           types.OrderSide(o.Side),
			Type:           types.OrderType(o.Type),
			Quantity:       o.Quantity,
			FilledQuantity: clampFilled(o.FilledQuantity, o.Quantity),
			Price:          o.Price.toMoney(),
			Status:         types.OrderStatus(o.Status),
			PlacedAt:       o.PlacedAt,
			FilledAt:       o.FilledAt,
		})
	}
	return orders, nil
}

// GetActivities returns the activity log of one account.
func (c *BankClient) GetActivities(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Activity, error) {
	var body struct {
		Activities []bankActivity `json:"transactions"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/transactions", accountID)
	if err := c.get(ctx, creds, "getActivities", path, &body); err != nil {
		return nil, err
	}

	activities := make([]*models.Activity, 0, len(body.Activities))
	for _, a := range body.Activities {
		activities = append(activities, &models.Activity{
			ID:          a.ActivityID,
			AccountID:   accountID,
			Type:        parseBankActivityType(a.Type),
			Amount:      a.Amount.toMoney(),
			Date:        a.Date,
			Description: a.Description,
		})
	}
	return activities, nil
}

// GetConnectionStatus is the lightweight probe used by diagnostics.
func (c *BankClient) GetConnectionStatus(ctx context.Context, creds *types.Credentials) (*models.ConnectionStatus, error) {
	var body bankStatusBody
	if err := c.get(ctx, creds, "getConnectionStatus", "/v1/status", &body); err != nil {
		return nil, err
	}
	return &models.ConnectionStatus{
		Provider: types.ProviderBank,
		Disabled: body.Disabled,
		Status:   body.Status,
	}, nil
}

func parseBankActivityType(raw string) types.ActivityType {
	switch raw {
	case "trade", "buy", "sell":
		return types.ActivityTrade
	case "deposit", "transfer_in":
		return types.ActivityDeposit
	case "withdrawal", "transfer_out":
		return types.ActivityWithdrawal
	case "dividend":
		return types.ActivityDividend
	case "fee", "interest_charge":
		return types.ActivityFee
	default:
		return types.ActivityOther
	}
}

// get performs a paced, authenticated GET and decodes the JSON response.
// Any non-2xx response becomes a typed ProviderError carrying the bank's
// raw error vocabulary.
func (c *BankClient) get(ctx context.Context, creds *types.Credentials, operation, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transportErr(types.ProviderBank, operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return transportErr(types.ProviderBank, operation, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Id", creds.ClientID)
	req.Header.Set("X-Client-Secret", creds.Secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return transportErr(types.ProviderBank, operation, err)
	}
	defer resp.Body.Close() // nolint:errcheck // response body cleanup

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFromResponse(operation, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportErr(types.ProviderBank, operation, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// errorFromResponse converts a bank error response into a ProviderError.
func (c *BankClient) errorFromResponse(operation string, resp *http.Response) *apperrors.ProviderError {
	raw := readErrorBody(resp)

	var body bankErrorBody
	_ = json.Unmarshal(raw, &body) // nolint:errcheck // fall through to raw text

	message := body.ErrorMessage
	if message == "" {
		message = string(raw)
	}

	perr := apperrors.NewProviderError(types.ProviderBank, operation, body.ErrorCode, resp.StatusCode, message)
	perr.RetryAfter, perr.RemainingQuota = rateLimitSignal(resp)
	return perr
}
