package models

import (
	"time"

	"github.com/account-aggregator/internal/types"
)

// Account represents a financial account as reported by a provider.
// Accounts are never deleted locally; the provider is the source of truth.
type Account struct {
	ID           string              `json:"id"`
	Provider     types.Provider      `json:"provider"`
	Institution  string              `json:"institution"`
	Type         string              `json:"type"`
	Status       types.AccountStatus `json:"status"`
	Currency     string              `json:"currency"`
	NumberMasked string              `json:"numberMasked"`
}

// Balance represents the cash/equity/buying-power snapshot for one account.
// Each component is nil when the provider did not report it; a nil
// component must not be rendered as zero.
type Balance struct {
	AccountID   string       `json:"accountId"`
	Cash        *types.Money `json:"cash"`
	Equity      *types.Money `json:"equity"`
	BuyingPower *types.Money `json:"buyingPower"`
}

// Position represents a single holding within an account.
// Quantity may be negative for short positions where the provider supports them.
type Position struct {
	Symbol        string       `json:"symbol"`
	Name          string       `json:"name,omitempty"`
	Quantity      float64      `json:"quantity"`
	CostBasis     *types.Money `json:"costBasis,omitempty"`
	MarketValue   *types.Money `json:"marketValue,omitempty"`
	CurrentPrice  *types.Money `json:"currentPrice,omitempty"`
	UnrealizedPnL *types.Money `json:"unrealizedPnl,omitempty"`
}

// Order represents an order as reported by a provider.
// Invariant: FilledQuantity <= Quantity.
type Order struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"accountId"`
	Symbol         string            `json:"symbol"`
	Side           types.OrderSide   `json:"side"`
	Type           types.OrderType   `json:"type"`
	Quantity       float64           `json:"quantity"`
	FilledQuantity float64           `json:"filledQuantity"`
	Price          *types.Money      `json:"price,omitempty"`
	Status         types.OrderStatus `json:"status"`
	PlacedAt       time.Time         `json:"placedAt"`
	FilledAt       *time.Time        `json:"filledAt,omitempty"`
}

// Activity represents one entry of the append-only account activity log.
// Entries are never mutated after creation.
type Activity struct {
	ID          string             `json:"id"`
	AccountID   string             `json:"accountId"`
	Type        types.ActivityType `json:"type"`
	Amount      *types.Money       `json:"amount,omitempty"`
	Date        time.Time          `json:"date"`
	Description string             `json:"description"`
}

// ConnectionStatus is the result of a provider's lightweight status probe.
type ConnectionStatus struct {
	Provider types.Provider `json:"provider"`
	Disabled bool           `json:"disabled"`
	Status   string         `json:"status"`
}

// Branch names identify the five parallel sub-fetches of one aggregation
// call. These are the wire values reported in metadata.degraded_branches.
const (
	BranchBalances     = "balances"
	BranchPositions    = "positions"
	BranchOpenOrders   = "open_orders"
	BranchOrderHistory = "order_history"
	BranchActivities   = "activities"
)

// Branches lists all aggregation branches in a stable order.
func Branches() []string {
	return []string{BranchBalances, BranchPositions, BranchOpenOrders, BranchOrderHistory, BranchActivities}
}

// AccountDetail is the normalized aggregate returned by one aggregation call.
// Branches that failed are left at their zero value and listed in
// Metadata.DegradedBranches.
type AccountDetail struct {
	Account      *Account       `json:"account"`
	Balances     *Balance       `json:"balances"`
	Positions    []*Position    `json:"positions"`
	OpenOrders   []*Order       `json:"openOrders"`
	OrderHistory []*Order       `json:"orderHistory"`
	Activities   []*Activity    `json:"activities"`
	Metadata     DetailMetadata `json:"metadata"`
}

// DetailMetadata records when the aggregation ran and which branches degraded.
type DetailMetadata struct {
	FetchedAt        time.Time `json:"fetched_at"`
	DegradedBranches []string  `json:"degraded_branches"`
}
