// Package broker provides broker connectivity for account, market data and order access.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// Common broker errors.
var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrOrderRejected     = errors.New("order rejected by broker")
	ErrInvalidContract   = errors.New("invalid contract")
	ErrNoOrderID         = errors.New("next valid order id not received")
	ErrUnknownRequest    = errors.New("unknown request id")
	ErrNoMarketData      = errors.New("no market data received")
	ErrRequestTimeout    = errors.New("request timed out")
)

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Broker defines the interface for broker connectivity.
type Broker interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	IsConnected() bool
	ManagedAccounts() []string
	NextOrderID() (int64, error)

	// Account information
	GetAccountSummary(ctx context.Context) (*AccountSummary, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// Market data
	SubscribeMarketData(ctx context.Context, contract Contract, snapshot bool) (int64, <-chan Quote, error)
	UnsubscribeMarketData(reqID int64) error
	Quote(reqID int64) (Quote, bool)

	// Order execution
	PlaceOrder(ctx context.Context, contract Contract, ticket OrderTicket) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID int64) error
	GetOpenOrders(ctx context.Context) ([]Order, error)

	// Callbacks
	SetHandlers(h Handlers)

	// Graceful shutdown
	Shutdown(ctx context.Context) error
}

// Handlers receive asynchronous broker events. Any field may be nil.
// Handlers run on the broker's reader goroutine and must not block.
type Handlers struct {
	OnConnectionChange func(state ConnectionState)
	OnOrderStatus      func(order Order)
	OnError            func(err APIError)
}

// APIError is an error message sent by TWS/Gateway.
type APIError struct {
	ReqID   int64
	Code    int
	Message string
}

func (e APIError) Error() string {
	return fmt.Sprintf("ib error %d (req %d): %s", e.Code, e.ReqID, e.Message)
}

// IsInformational reports whether the code is a status notice rather than a failure.
func (e APIError) IsInformational() bool {
	switch e.Code {
	case 2104, 2106, 2107, 2108, 2119, 2158:
		// market data / HMDS / sec-def farm status
		return true
	default:
		return false
	}
}

// IsConnectivity reports whether the code signals a TWS-side connectivity change.
func (e APIError) IsConnectivity() bool {
	switch e.Code {
	case 502, 504, 1100, 1101, 1102, 2110:
		return true
	default:
		return false
	}
}

// AccountValue is one tag of an account summary.
type AccountValue struct {
	Account  string
	Tag      string
	Value    string
	Currency string
}

// Decimal returns the numeric value, or false when the value is not numeric.
func (v AccountValue) Decimal() (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(v.Value)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// AccountSummary contains account information.
type AccountSummary struct {
	Account     string
	Values      []AccountValue
	LastUpdated time.Time
}

// Value returns the value for a tag, matching currency when given.
func (s *AccountSummary) Value(tag, currency string) (AccountValue, bool) {
	for _, v := range s.Values {
		if v.Tag != tag {
			continue
		}
		if currency != "" && v.Currency != currency {
			continue
		}
		return v, true
	}
	return AccountValue{}, false
}

// Position represents a broker position.
type Position struct {
	Account     string
	Contract    Contract
	Quantity    decimal.Decimal
	AvgCost     decimal.Decimal
	LastUpdated time.Time
}

// MarketValue approximates the position value as quantity times average cost.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.AvgCost)
}

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP LMT"
)

// NeedsLimitPrice reports whether the type carries a limit price.
func (t OrderType) NeedsLimitPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// NeedsStopPrice reports whether the type carries a stop (aux) price.
func (t OrderType) NeedsStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// OrderStatus is the order status string reported by TWS.
type OrderStatus string

const (
	OrderStatusApiPending    OrderStatus = "ApiPending"
	OrderStatusPendingSubmit OrderStatus = "PendingSubmit"
	OrderStatusPreSubmitted  OrderStatus = "PreSubmitted"
	OrderStatusSubmitted     OrderStatus = "Submitted"
	OrderStatusPendingCancel OrderStatus = "PendingCancel"
	OrderStatusApiCancelled  OrderStatus = "ApiCancelled"
	OrderStatusCancelled     OrderStatus = "Cancelled"
	OrderStatusFilled        OrderStatus = "Filled"
	OrderStatusInactive      OrderStatus = "Inactive"
)

// IsActive reports whether the order is still working at the broker.
func (s OrderStatus) IsActive() bool {
	switch s {
	case OrderStatusApiPending, OrderStatusPendingSubmit, OrderStatusPreSubmitted,
		OrderStatusSubmitted, OrderStatusPendingCancel:
		return true
	default:
		return false
	}
}

// IsFinal reports whether the order reached a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusApiCancelled, OrderStatusInactive:
		return true
	default:
		return false
	}
}

// OrderTicket describes an order to submit.
type OrderTicket struct {
	Action      types.Action
	Quantity    decimal.Decimal
	OrderType   OrderType
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce string // DAY, GTC, ...
	Account     string
	OrderRef    string
}

// Validate checks the ticket fields every order type needs.
func (t OrderTicket) Validate() error {
	if t.Action == "" {
		return fmt.Errorf("%w: missing action", ErrOrderRejected)
	}
	if !t.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrOrderRejected)
	}
	switch t.OrderType {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
	default:
		return fmt.Errorf("%w: unsupported order type %q", ErrOrderRejected, t.OrderType)
	}
	if t.OrderType.NeedsLimitPrice() && !t.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: %s order requires a limit price", ErrOrderRejected, t.OrderType)
	}
	if t.OrderType.NeedsStopPrice() && !t.StopPrice.IsPositive() {
		return fmt.Errorf("%w: %s order requires a stop price", ErrOrderRejected, t.OrderType)
	}
	return nil
}

// Order represents a broker order.
type Order struct {
	OrderID      int64
	PermID       int64
	Contract     Contract
	Ticket       OrderTicket
	Status       OrderStatus
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AvgFillPrice decimal.Decimal
	WhyHeld      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderResult represents the result of placing an order.
type OrderResult struct {
	OrderID     int64
	OrderRef    string
	Status      OrderStatus
	SubmittedAt time.Time
}
