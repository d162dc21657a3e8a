package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/types"
)

// BrokerageClient is the adapter for the brokerage-data aggregator. Its
// API expects HMAC-signed requests (signature over clientId, timestamp and
// path) and reports errors as {"detail", "code"} bodies, overloading some
// HTTP statuses with numeric codes the classifier maps out.
type BrokerageClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// BrokerageClientConfig holds brokerage adapter configuration.
type BrokerageClientConfig struct {
	// BaseURL is the brokerage aggregator API root.
	BaseURL string

	// RequestsPerSecond is the client-side pacing limit. Default: 5.
	RequestsPerSecond float64

	// Timeout is the per-request HTTP timeout. Default: 30s.
	Timeout time.Duration
}

// NewBrokerageClient creates a new brokerage adapter.
func NewBrokerageClient(cfg *BrokerageClientConfig) (*BrokerageClient, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("brokerage base URL is required")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	return &BrokerageClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		now:     time.Now,
	}, nil
}

// Provider identifies this adapter as the brokerage provider.
func (c *BrokerageClient) Provider() types.Provider {
	return types.ProviderBrokerage
}

// Wire types

type brokerageMoney struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func (m *brokerageMoney) toMoney() *types.Money {
	if m == nil {
		return nil
	}
	return &types.Money{Amount: m.Amount, Currency: m.Currency}
}

type brokerageAccount struct {
	ID          string `json:"id"`
	Institution string `json:"institutionName"`
	AccountType string `json:"rawType"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Number      string `json:"numberMasked"`
}

type brokerageBalance struct {
	Cash        *brokerageMoney `json:"cash"`
	Equity      *brokerageMoney `json:"equity"`
	BuyingPower *brokerageMoney `json:"buyingPower"`
}

type brokeragePosition struct {
	Symbol        string          `json:"symbol"`
	Description   string          `json:"description"`
	Units         float64         `json:"units"`
	CostBasis     *brokerageMoney `json:"averagePurchasePrice"`
	MarketValue   *brokerageMoney `json:"marketValue"`
	Price         *brokerageMoney `json:"price"`
	UnrealizedPnL *brokerageMoney `json:"openPnl"`
}

type brokerageOrder struct {
	ID           string          `json:"brokerageOrderId"`
	Symbol       string          `json:"symbol"`
	Action       string          `json:"action"`
	OrderType    string          `json:"orderType"`
	TotalUnits   float64         `json:"totalQuantity"`
	FilledUnits  float64         `json:"filledQuantity"`
	LimitPrice   *brokerageMoney `json:"limitPrice"`
	Status       string          `json:"status"`
	PlacedAt     time.Time       `json:"timePlaced"`
	ExecutedAt   *time.Time      `json:"timeExecuted"`
}

type brokerageActivity struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Amount      *brokerageMoney `json:"amount"`
	TradeDate   time.Time       `json:"tradeDate"`
	Description string          `json:"description"`
}

type brokerageErrorBody struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

type brokerageStatusBody struct {
	Disabled bool   `json:"disabled"`
	Status   string `json:"status"`
}

// Operations

// ListAccounts returns all accounts for the credential set.
func (c *BrokerageClient) ListAccounts(ctx context.Context, creds *types.Credentials) ([]*models.Account, error) {
	var body []brokerageAccount
	if err := c.get(ctx, creds, "listAccounts", "/api/v1/accounts", &body); err != nil {
		return nil, err
	}

	accounts := make([]*models.Account, 0, len(body))
	for _, a := range body {
		accounts = append(accounts, &models.Account{
			ID:           a.ID,
			Provider:     types.ProviderBrokerage,
			Institution:  a.Institution,
			Type:         a.AccountType,
			Status:       types.ParseAccountStatus(a.Status),
			Currency:     a.Currency,
			NumberMasked: a.Number,
		})
	}
	return accounts, nil
}

// GetBalances returns the balance snapshot for one account.
func (c *BrokerageClient) GetBalances(ctx context.Context, creds *types.Credentials, accountID string) (*models.Balance, error) {
	var body brokerageBalance
	path := fmt.Sprintf("/api/v1/accounts/%s/balances", accountID)
	if err := c.get(ctx, creds, "getBalances", path, &body); err != nil {
		return nil, err
	}

	return &models.Balance{
		AccountID:   accountID,
		Cash:        body.Cash.toMoney(),
		Equity:      body.Equity.toMoney(),
		BuyingPower: body.BuyingPower.toMoney(),
	}, nil
}

// GetPositions returns the holdings of one account.
func (c *BrokerageClient) GetPositions(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Position, error) {
	var body []brokeragePosition
	path := fmt.Sprintf("/api/v1/accounts/%s/positions", accountID)
	if err := c.get(ctx, creds, "getPositions", path, &body); err != nil {
		return nil, err
	}

	positions := make([]*models.Position, 0, len(body))
	for _, p := range body {
		positions = append(positions, &models.Position{
			Symbol:        p.Symbol,
			Name:          p.Description,
			Quantity:      p.Units, // signed; short positions arrive negative
			CostBasis:     p.CostBasis.toMoney(),
			MarketValue:   p.MarketValue.toMoney(),
			CurrentPrice:  p.Price.toMoney(),
			UnrealizedPnL: p.UnrealizedPnL.toMoney(),
		})
	}
	return positions, nil
}

// GetOpenOrders returns the open orders of one account.
func (c *BrokerageClient) GetOpenOrders(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Order, error) {
	return c.getOrders(ctx, creds, "getOpenOrders", accountID, "open")
}

// GetOrderHistory returns historical orders of one account.
func (c *BrokerageClient) GetOrderHistory(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Order, error) {
	return c.getOrders(ctx, creds, "getOrderHistory", accountID, "all")
}

func (c *BrokerageClient) getOrders(ctx context.Context, creds *types.Credentials, operation, accountID, state string) ([]*models.Order, error) {
	var body []brokerageOrder
	path := fmt.Sprintf("/api/v1/accounts/%s/orders?state=%s", accountID, state)
	if err := c.get(ctx, creds, operation, path, &body); err != nil {
		return nil, err
	}

	orders := make([]*models.Order, 0, len(body))
	for _, o := range body {
		orders = append(orders, &models.Order{
			ID:             o.ID,
			AccountID:      accountID,
			Symbol:         o.Symbol,
			Side:           types.OrderSide(o.Action),
			Type:           types.OrderType(o.OrderType),
			Quantity:       o.TotalUnits,
			FilledQuantity: clampFilled(o.FilledUnits, o.TotalUnits),
			Price:          o.LimitPrice.toMoney(),
			Status:         types.OrderStatus(o.Status),
			PlacedAt:       o.PlacedAt,
			FilledAt:       o.ExecutedAt,
		})
	}
	return orders, nil
}

// GetActivities returns the activity log of one account.
func (c *BrokerageClient) GetActivities(ctx context.Context, creds *types.Credentials, accountID string) ([]*models.Activity, error) {
	var body []brokerageActivity
	path := fmt.Sprintf("/api/v1/accounts/%s/activities", accountID)
	if err := c.get(ctx, creds, "getActivities", path, &body); err != nil {
		return nil, err
	}

	activities := make([]*models.Activity, 0, len(body))
	for _, a := range body {
		activities = append(activities, &models.Activity{
			ID:          a.ID,
			AccountID:   accountID,
			Type:        parseBrokerageActivityType(a.Type),
			Amount:      a.Amount.toMoney(),
			Date:        a.TradeDate,
			Description: a.Description,
		})
	}
	return activities, nil
}

// GetConnectionStatus is the lightweight probe used by diagnostics.
func (c *BrokerageClient) GetConnectionStatus(ctx context.Context, creds *types.Credentials) (*models.ConnectionStatus, error) {
	var body brokerageStatusBody
	if err := c.get(ctx, creds, "getConnectionStatus", "/api/v1/connection", &body); err != nil {
		return nil, err
	}
	return &models.ConnectionStatus{
		Provider: types.ProviderBrokerage,
		Disabled: body.Disabled,
		Status:   body.Status,
	}, nil
}

func parseBrokerageActivityType(raw string) types.ActivityType {
	switch raw {
	case "BUY", "SELL", "OPTIONEXPIRATION":
		return types.ActivityTrade
	case "CONTRIBUTION":
		return types.ActivityDeposit
	case "WITHDRAWAL":
		return types.ActivityWithdrawal
	case "DIVIDEND":
		return types.ActivityDividend
	case "FEE":
		return types.ActivityFee
	default:
		return types.ActivityOther
	}
}

// get performs a paced, signed GET and decodes the JSON response.
func (c *BrokerageClient) get(ctx context.Context, creds *types.Credentials, operation, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transportErr(types.ProviderBrokerage, operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return transportErr(types.ProviderBrokerage, operation, err)
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Id", creds.ClientID)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", sign(creds.Secret, creds.ClientID, timestamp, path))

	resp, err := c.client.Do(req)
	if err != nil {
		return transportErr(types.ProviderBrokerage, operation, err)
	}
	defer resp.Body.Close() // nolint:errcheck // response body cleanup

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFromResponse(operation, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportErr(types.ProviderBrokerage, operation, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// sign computes the HMAC-SHA256 request signature the brokerage verifies.
func sign(secret, clientID, timestamp, path string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s|%s", clientID, timestamp, path)
	return hex.EncodeToString(mac.Sum(nil))
}

// errorFromResponse converts a brokerage error response into a ProviderError.
func (c *BrokerageClient) errorFromResponse(operation string, resp *http.Response) *apperrors.ProviderError {
	raw := readErrorBody(resp)

	var body brokerageErrorBody
	_ = json.Unmarshal(raw, &body) // nolint:errcheck // fall through to raw text

	message := body.Detail
	if message == "" {
		message = string(raw)
	}
	rawCode := ""
	if body.Code != 0 {
		rawCode = strconv.Itoa(body.Code)
	}

	perr := apperrors.NewProviderError(types.ProviderBrokerage, operation, rawCode, resp.StatusCode, message)
	perr.RetryAfter, perr.RemainingQuota = rateLimitSignal(resp)
	return perr
}
