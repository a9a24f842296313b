// Package workflow ties validation, the broker, the order history, metrics
// and alerting together for order submission.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/alerting"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/metrics"
	"github.com/tathienbao/ibkr-connect/internal/orders"
	"github.com/tathienbao/ibkr-connect/internal/persistence"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// Config holds workflow configuration.
type Config struct {
	Limits  orders.Limits
	Routing orders.Defaults
	// Account is the order account. Empty uses the broker's first managed
	// account at submission time.
	Account string

	// EventEnabled filters alerts. Nil sends every event.
	EventEnabled func(event alerting.AlertEvent) bool
}

// DefaultConfig returns default workflow config.
func DefaultConfig() Config {
	return Config{
		Limits:  orders.DefaultLimits(),
		Routing: orders.DefaultRouting(),
	}
}

// Workflow submits orders and keeps the history in sync with the broker.
type Workflow struct {
	cfg      Config
	broker   broker.Broker
	repo     persistence.Repository
	alerter  alerting.Alerter
	recorder *metrics.Recorder
	logger   *slog.Logger

	submitted atomic.Int64
	filled    atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64
}

// Counts are the order outcomes seen since the workflow was created.
type Counts struct {
	Submitted int
	Filled    int
	Cancelled int
	Rejected  int
}

// Counts returns the order outcomes seen so far.
func (w *Workflow) Counts() Counts {
	return Counts{
		Submitted: int(w.submitted.Load()),
		Filled:    int(w.filled.Load()),
		Cancelled: int(w.cancelled.Load()),
		Rejected:  int(w.rejected.Load()),
	}
}

// New creates a workflow. repo and alerter may be nil.
func New(cfg Config, brk broker.Broker, repo persistence.Repository, alerter alerting.Alerter, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		cfg:      cfg,
		broker:   brk,
		repo:     repo,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		logger:   logger,
	}
}

// Submission is the outcome of a submitted order.
type Submission struct {
	HistoryID int64 // 0 when history is disabled
	OrderRef  string
	Contract  broker.Contract
	Result    *broker.OrderResult
	Warnings  []string
}

func (w *Workflow) account() string {
	if w.cfg.Account != "" {
		return w.cfg.Account
	}
	if accts := w.broker.ManagedAccounts(); len(accts) > 0 {
		return accts[0]
	}
	return ""
}

// Submit validates the request, records it and sends it to the broker.
func (w *Workflow) Submit(ctx context.Context, req orders.Request) (*Submission, error) {
	return w.submit(ctx, req, 0)
}

func (w *Workflow) submit(ctx context.Context, req orders.Request, clonedFrom int64) (*Submission, error) {
	warnings, err := req.Validate(w.cfg.Limits)
	if err != nil {
		w.recorder.RecordOrderRejected("validation")
		w.rejected.Add(1)
		return nil, err
	}
	for _, warning := range warnings {
		w.logger.Warn("order warning", "symbol", req.Symbol, "warning", warning)
	}

	contract, err := req.Contract(w.cfg.Routing)
	if err != nil {
		w.recorder.RecordOrderRejected("contract")
		w.rejected.Add(1)
		return nil, fmt.Errorf("build contract: %w", err)
	}

	sub := &Submission{
		OrderRef: uuid.NewString(),
		Contract: contract,
		Warnings: warnings,
	}

	account := w.account()
	ticket := req.Ticket(sub.OrderRef)
	ticket.Account = account

	// The record exists before the order is sent so that status events
	// racing the placement can find it by order ref.
	var record *persistence.OrderRecord
	if w.repo != nil {
		rec := persistence.NewOrderRecord(req, sub.OrderRef)
		rec.Account = account
		rec.ClonedFrom = clonedFrom
		if err := w.repo.SaveOrder(ctx, &rec); err != nil {
			return nil, fmt.Errorf("save order history: %w", err)
		}
		record = &rec
		sub.HistoryID = rec.ID
	}

	timer := metrics.NewTimer()
	result, err := w.broker.PlaceOrder(ctx, contract, ticket)
	timer.ObserveRequest("place_order")

	if err != nil {
		w.recorder.RecordOrderRejected("broker")
		w.rejected.Add(1)
		if record != nil {
			update := persistence.StatusUpdate{Status: persistence.StatusError, Error: err.Error()}
			if uerr := w.repo.UpdateOrderStatus(ctx, record.ID, update); uerr != nil {
				w.logger.Error("failed to record order error", "history_id", record.ID, "err", uerr)
			}
		}
		w.alert(ctx, alerting.EventOrderRejected, "Order rejected",
			"symbol", contract.Symbol,
			"action", string(req.Action),
			"quantity", req.Quantity.String(),
			"error", err.Error(),
		)
		return nil, fmt.Errorf("place order: %w", err)
	}
	sub.Result = result
	w.submitted.Add(1)

	if record != nil {
		if err := w.repo.SetBrokerOrderID(ctx, record.ID, result.OrderID, result.Status); err != nil {
			// The order is live at the broker; history is best effort from here.
			w.logger.Error("failed to record broker order id",
				"history_id", record.ID,
				"order_id", result.OrderID,
				"err", err,
			)
		}
	}

	w.logger.Info("order placed",
		"order_id", result.OrderID,
		"order_ref", result.OrderRef,
		"contract", contract.String(),
		"action", string(req.Action),
		"quantity", req.Quantity.String(),
		"type", string(req.OrderType),
		"limit", req.LimitPrice.String(),
		"stop", req.StopPrice.String(),
	)

	fields := []any{
		"order_id", result.OrderID,
		"contract", contract.String(),
		"action", string(req.Action),
		"quantity", req.Quantity.String(),
		"type", orders.OrderTypeName(req.OrderType),
	}
	if clonedFrom != 0 {
		fields = append(fields, "cloned_from", clonedFrom)
	}
	w.alert(ctx, alerting.EventOrderSubmitted, "Order submitted", fields...)

	return sub, nil
}

// Overrides are the fields a clone may change. Nil keeps the original value.
type Overrides struct {
	Symbol      *string
	Action      *types.Action
	Quantity    *decimal.Decimal
	OrderType   *broker.OrderType
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce *string
}

// Apply returns req with the overrides applied.
func (o Overrides) Apply(req orders.Request) orders.Request {
	if o.Symbol != nil {
		req.Symbol = *o.Symbol
	}
	if o.Action != nil {
		req.Action = *o.Action
	}
	if o.Quantity != nil {
		req.Quantity = *o.Quantity
	}
	if o.OrderType != nil {
		req.OrderType = *o.OrderType
	}
	if o.LimitPrice != nil {
		req.LimitPrice = *o.LimitPrice
	}
	if o.StopPrice != nil {
		req.StopPrice = *o.StopPrice
	}
	if o.TimeInForce != nil {
		req.TimeInForce = *o.TimeInForce
	}
	return req
}

// Clone re-submits a past order from the history with the given overrides.
func (w *Workflow) Clone(ctx context.Context, historyID int64, o Overrides) (*Submission, error) {
	if w.repo == nil {
		return nil, errors.New("clone requires order history")
	}

	original, err := w.repo.GetOrder(ctx, historyID)
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", historyID, err)
	}

	w.logger.Info("cloning order", "history_id", historyID, "symbol", original.Symbol)
	return w.submit(ctx, o.Apply(original.Request()), historyID)
}

// Cancel cancels one order at the broker.
func (w *Workflow) Cancel(ctx context.Context, orderID int64) error {
	if err := w.broker.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	w.logger.Info("cancel requested", "order_id", orderID)
	return nil
}

// CancelAll cancels every active order and returns how many were requested.
func (w *Workflow) CancelAll(ctx context.Context) (int, error) {
	open, err := w.broker.GetOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("get open orders: %w", err)
	}

	var errs []error
	n := 0
	for _, o := range open {
		if !o.Status.IsActive() {
			continue
		}
		if err := w.Cancel(ctx, o.OrderID); err != nil {
			w.logger.Error("failed to cancel order", "order_id", o.OrderID, "err", err)
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// HandleOrderStatus records a broker status event in the history and alerts
// on terminal transitions. Repeated events for the same state are ignored.
func (w *Workflow) HandleOrderStatus(ctx context.Context, o broker.Order) {
	var previous broker.OrderStatus
	if w.repo != nil {
		record, err := w.lookup(ctx, o)
		switch {
		case errors.Is(err, persistence.ErrOrderNotFound):
			w.logger.Debug("status for order not in history", "order_id", o.OrderID)
		case err != nil:
			w.logger.Error("failed to look up order", "order_id", o.OrderID, "err", err)
		default:
			previous = record.Status
			if previous == o.Status && record.Filled.Equal(o.Filled) {
				return
			}
			if record.BrokerOrderID == 0 && o.OrderID != 0 {
				if err := w.repo.SetBrokerOrderID(ctx, record.ID, o.OrderID, o.Status); err != nil {
					w.logger.Error("failed to record broker order id", "history_id", record.ID, "err", err)
				}
			}
			update := persistence.StatusUpdate{
				Status:       o.Status,
				Filled:       o.Filled,
				AvgFillPrice: o.AvgFillPrice,
				Error:        o.WhyHeld,
			}
			if err := w.repo.UpdateOrderStatus(ctx, record.ID, update); err != nil {
				w.logger.Error("failed to update order status", "history_id", record.ID, "err", err)
			}
		}
	}

	w.logger.Info("order status",
		"order_id", o.OrderID,
		"status", string(o.Status),
		"filled", o.Filled.String(),
		"remaining", o.Remaining.String(),
		"avg_price", o.AvgFillPrice.String(),
	)

	if previous == o.Status {
		return
	}

	switch o.Status {
	case broker.OrderStatusFilled:
		w.filled.Add(1)
		w.alert(ctx, alerting.EventOrderFilled, "Order filled",
			"order_id", o.OrderID,
			"contract", o.Contract.String(),
			"action", string(o.Ticket.Action),
			"filled", o.Filled.String(),
			"avg_price", o.AvgFillPrice.String(),
		)
	case broker.OrderStatusCancelled, broker.OrderStatusApiCancelled:
		w.cancelled.Add(1)
		w.alert(ctx, alerting.EventOrderCancelled, "Order cancelled",
			"order_id", o.OrderID,
			"contract", o.Contract.String(),
		)
	case broker.OrderStatusInactive:
		w.rejected.Add(1)
		w.alert(ctx, alerting.EventOrderRejected, "Order inactive",
			"order_id", o.OrderID,
			"contract", o.Contract.String(),
			"reason", o.WhyHeld,
		)
	}
}

func (w *Workflow) lookup(ctx context.Context, o broker.Order) (*persistence.OrderRecord, error) {
	if o.Ticket.OrderRef != "" {
		record, err := w.repo.GetOrderByRef(ctx, o.Ticket.OrderRef)
		if !errors.Is(err, persistence.ErrOrderNotFound) {
			return record, err
		}
	}
	return w.repo.GetOrderByBrokerID(ctx, o.OrderID)
}

// HandleAPIError logs a TWS error and alerts on real failures.
func (w *Workflow) HandleAPIError(ctx context.Context, e broker.APIError) {
	if e.IsInformational() {
		w.logger.Debug("tws notice", "code", e.Code, "msg", e.Message)
		return
	}

	w.logger.Warn("tws error", "req_id", e.ReqID, "code", e.Code, "msg", e.Message)

	if w.repo != nil && e.ReqID > 0 {
		if record, err := w.repo.GetOrderByBrokerID(ctx, e.ReqID); err == nil {
			update := persistence.StatusUpdate{Status: record.Status, Error: e.Message}
			if err := w.repo.UpdateOrderStatus(ctx, record.ID, update); err != nil {
				w.logger.Error("failed to record order error", "history_id", record.ID, "err", err)
			}
		}
	}

	if e.IsConnectivity() {
		// reported through the connection handler
		return
	}
	w.alert(ctx, alerting.EventAPIError, "TWS error",
		"code", e.Code,
		"req_id", e.ReqID,
		"message", e.Message,
	)
}

// HandleConnectionChange alerts when the broker connection drops or returns.
func (w *Workflow) HandleConnectionChange(ctx context.Context, state broker.ConnectionState) {
	w.logger.Info("connection state", "state", state.String())

	switch state {
	case broker.StateError:
		w.alert(ctx, alerting.EventConnectionLost, "Connection to TWS lost")
	case broker.StateDisconnected:
		// a requested disconnect; nothing to report
	case broker.StateConnected:
		w.alert(ctx, alerting.EventConnectionRestored, "Connected to TWS",
			"accounts", w.broker.ManagedAccounts(),
		)
	}
}

// Handlers returns broker handlers bound to this workflow.
func (w *Workflow) Handlers(ctx context.Context) broker.Handlers {
	return broker.Handlers{
		OnConnectionChange: func(state broker.ConnectionState) { w.HandleConnectionChange(ctx, state) },
		OnOrderStatus:      func(o broker.Order) { w.HandleOrderStatus(ctx, o) },
		OnError:            func(e broker.APIError) { w.HandleAPIError(ctx, e) },
	}
}

func (w *Workflow) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if w.alerter == nil {
		return
	}
	if w.cfg.EventEnabled != nil && !w.cfg.EventEnabled(event) {
		return
	}
	if err := alerting.Event(ctx, w.alerter, event, message, fields...); err != nil {
		w.logger.Warn("failed to send alert", "event", string(event), "err", err)
	}
}
