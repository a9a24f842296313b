// Package persistence stores the order history.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/orders"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// ErrOrderNotFound is returned when no history record matches.
var ErrOrderNotFound = errors.New("order not found in history")

// StatusError marks an order that never reached the broker.
const StatusError broker.OrderStatus = "Error"

// Repository defines the interface for order history persistence.
type Repository interface {
	SaveOrder(ctx context.Context, order *OrderRecord) error
	GetOrder(ctx context.Context, id int64) (*OrderRecord, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID int64) (*OrderRecord, error)
	GetOrderByRef(ctx context.Context, orderRef string) (*OrderRecord, error)
	RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error)
	SearchOrders(ctx context.Context, filter Filter) ([]OrderRecord, error)
	PendingOrders(ctx context.Context) ([]OrderRecord, error)
	Statistics(ctx context.Context) (*Statistics, error)

	SetBrokerOrderID(ctx context.Context, id, brokerOrderID int64, status broker.OrderStatus) error
	UpdateOrderStatus(ctx context.Context, id int64, update StatusUpdate) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// OrderRecord is one submitted order in the history.
type OrderRecord struct {
	ID            int64
	OrderRef      string
	BrokerOrderID int64
	Account       string

	Instrument  types.InstrumentType
	Symbol      string
	Action      types.Action
	Quantity    decimal.Decimal
	OrderType   broker.OrderType
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce string
	Exchange    string
	Currency    string
	Expiry      string
	Strike      decimal.Decimal
	Right       types.Right

	Status       broker.OrderStatus
	Filled       decimal.Decimal
	AvgFillPrice decimal.Decimal
	Error        string
	ClonedFrom   int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrderRecord captures a request before it is sent.
func NewOrderRecord(req orders.Request, orderRef string) OrderRecord {
	return OrderRecord{
		OrderRef:    orderRef,
		Instrument:  req.Instrument,
		Symbol:      req.Symbol,
		Action:      req.Action,
		Quantity:    req.Quantity,
		OrderType:   req.OrderType,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		Exchange:    req.Exchange,
		Currency:    req.Currency,
		Expiry:      req.Expiry,
		Strike:      req.Strike,
		Right:       req.Right,
		Status:      broker.OrderStatusPendingSubmit,
	}
}

// Request rebuilds the order request, for cloning.
func (o OrderRecord) Request() orders.Request {
	return orders.Request{
		Instrument:  o.Instrument,
		Symbol:      o.Symbol,
		Action:      o.Action,
		Quantity:    o.Quantity,
		OrderType:   o.OrderType,
		LimitPrice:  o.LimitPrice,
		StopPrice:   o.StopPrice,
		TimeInForce: o.TimeInForce,
		Exchange:    o.Exchange,
		Currency:    o.Currency,
		Expiry:      o.Expiry,
		Strike:      o.Strike,
		Right:       o.Right,
	}
}

// StatusUpdate is a status change reported by the broker.
type StatusUpdate struct {
	Status       broker.OrderStatus
	Filled       decimal.Decimal
	AvgFillPrice decimal.Decimal
	Error        string
}

// Filter selects history records. Empty fields match everything.
type Filter struct {
	Symbol     string
	Instrument types.InstrumentType
	Action     types.Action
	Status     broker.OrderStatus
	Limit      int
}

// Statistics summarises the order history.
type Statistics struct {
	TotalOrders int
	Instruments map[string]int
	Actions     map[string]int
	Statuses    map[string]int
	OrderTypes  map[string]int
}
