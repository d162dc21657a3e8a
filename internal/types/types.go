// Package types provides common type definitions for the account aggregation system.
package types

// Provider represents an external financial data source
type Provider string

const (
	// ProviderBank represents the bank-data aggregator
	ProviderBank Provider = "bank"
	// ProviderBrokerage represents the brokerage-data aggregator
	ProviderBrokerage Provider = "brokerage"
)

// Valid returns true if the provider is a known value
func (p Provider) Valid() bool {
	return p == ProviderBank || p == ProviderBrokerage
}

// Providers lists all supported providers in a stable order
func Providers() []Provider {
	return []Provider{ProviderBank, ProviderBrokerage}
}

// AccountStatus represents the lifecycle state of an account at the provider
type AccountStatus string

const (
	// AccountStatusOpen represents an open, active account
	AccountStatusOpen AccountStatus = "open"
	// AccountStatusClosed represents a closed account
	AccountStatusClosed AccountStatus = "closed"
	// AccountStatusArchived represents an archived account
	AccountStatusArchived AccountStatus = "archived"
	// AccountStatusUnknown represents an unrecognized provider status
	AccountStatusUnknown AccountStatus = "unknown"
)

// ParseAccountStatus normalizes a raw provider status string.
// Unrecognized values map to AccountStatusUnknown rather than failing,
// since a provider adding a status must not break aggregation.
func ParseAccountStatus(raw string) AccountStatus {
	switch raw {
	case "open", "active":
		return AccountStatusOpen
	case "closed":
		return AccountStatusClosed
	case "archived":
		return AccountStatusArchived
	default:
		return AccountStatusUnknown
	}
}

// OrderSide represents the direction of an order
type OrderSide string

const (
	// SideBuy represents a buy order
	SideBuy OrderSide = "BUY"
	// SideSell represents a sell order
	SideSell OrderSide = "SELL"
)

// OrderType represents the execution type of an order
type OrderType string

const (
	// OrderTypeMarket represents a market order
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit represents a limit order
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStop represents a stop order
	OrderTypeStop OrderType = "STOP"
	// OrderTypeStopLimit represents a stop-limit order
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	// OrderStatusPending represents an order awaiting execution
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusFilled represents a fully executed order
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCancelled represents a cancelled order
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRejected represents an order rejected by the provider
	OrderStatusRejected OrderStatus = "REJECTED"
	// OrderStatusExpired represents an expired order
	OrderStatusExpired OrderStatus = "EXPIRED"
)

// ActivityType represents the category of an account activity entry
type ActivityType string

const (
	// ActivityTrade represents a trade execution
	ActivityTrade ActivityType = "TRADE"
	// ActivityDeposit represents an inbound cash movement
	ActivityDeposit ActivityType = "DEPOSIT"
	// ActivityWithdrawal represents an outbound cash movement
	ActivityWithdrawal ActivityType = "WITHDRAWAL"
	// ActivityDividend represents a dividend payment
	ActivityDividend ActivityType = "DIVIDEND"
	// ActivityFee represents a fee charge
	ActivityFee ActivityType = "FEE"
	// ActivityOther represents any unclassified activity
	ActivityOther ActivityType = "OTHER"
)

// Money represents an amount in a specific currency.
// A nil *Money means the value is unavailable from the provider; it must
// never be collapsed to a zero amount downstream.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"requestId,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// Credentials holds a caller's credential set for one provider.
// The Secret field is never serialized.
type Credentials struct {
	UserID   string   `json:"userId"`
	Provider Provider `json:"provider"`
	ClientID string   `json:"clientId"`
	Secret   string   `json:"-"`
}
