// Package sim provides an in-memory broker for dry runs and tests.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// Config holds simulation settings.
type Config struct {
	Account           string
	InitialCash       decimal.Decimal
	CommissionPerUnit decimal.Decimal
	MinCommission     decimal.Decimal
	FillDelay         time.Duration
}

// DefaultConfig returns a paper-sized account with IB-like stock commissions.
func DefaultConfig() Config {
	return Config{
		Account:           "DU0000000",
		InitialCash:       decimal.NewFromInt(100000),
		CommissionPerUnit: decimal.RequireFromString("0.005"),
		MinCommission:     decimal.NewFromInt(1),
		FillDelay:         10 * time.Millisecond,
	}
}

// Broker implements broker.Broker without a network connection.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	handlersMu sync.RWMutex
	handlers   broker.Handlers

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*broker.Position
	orders    map[int64]*broker.Order
	prices    map[string]broker.Quote
	subs      map[int64]*subscription
	done      chan struct{}

	nextOrderID atomic.Int64
	nextReqID   atomic.Int64

	wg sync.WaitGroup
}

type subscription struct {
	contract broker.Contract
	quote    broker.Quote
	ch       chan broker.Quote
}

// NewBroker creates a simulated broker.
func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Account == "" {
		cfg.Account = DefaultConfig().Account
	}

	b := &Broker{
		cfg:       cfg,
		logger:    logger.With("broker", "sim"),
		cash:      cfg.InitialCash,
		positions: make(map[string]*broker.Position),
		orders:    make(map[int64]*broker.Order),
		prices:    make(map[string]broker.Quote),
		subs:      make(map[int64]*subscription),
	}

	b.state.Store(int32(broker.StateDisconnected))
	b.nextOrderID.Store(1)
	b.nextReqID.Store(1_000_000)

	return b
}

// Connect marks the broker connected.
func (b *Broker) Connect(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}

	b.mu.Lock()
	b.done = make(chan struct{})
	b.mu.Unlock()

	b.setState(broker.StateConnected)
	b.logger.Info("simulated broker connected", "account", b.cfg.Account, "cash", b.cfg.InitialCash)
	return nil
}

// Disconnect stops pending fills and closes subscriptions.
func (b *Broker) Disconnect() error {
	if !b.IsConnected() {
		return nil
	}

	b.mu.Lock()
	close(b.done)
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.setState(broker.StateDisconnected)
	b.logger.Info("simulated broker disconnected")
	return nil
}

// Shutdown disconnects the broker.
func (b *Broker) Shutdown(ctx context.Context) error {
	return b.Disconnect()
}

// State returns the connection state.
func (b *Broker) State() broker.ConnectionState {
	return broker.ConnectionState(b.state.Load())
}

// IsConnected returns true if connected.
func (b *Broker) IsConnected() bool {
	return b.State() == broker.StateConnected
}

func (b *Broker) setState(s broker.ConnectionState) {
	b.state.Store(int32(s))
	if h := b.getHandlers().OnConnectionChange; h != nil {
		h(s)
	}
}

// ManagedAccounts returns the single simulated account.
func (b *Broker) ManagedAccounts() []string {
	return []string{b.cfg.Account}
}

// NextOrderID returns a fresh order ID.
func (b *Broker) NextOrderID() (int64, error) {
	if !b.IsConnected() {
		return 0, broker.ErrNoOrderID
	}
	return b.nextOrderID.Add(1) - 1, nil
}

// SetHandlers replaces the event handlers.
func (b *Broker) SetHandlers(h broker.Handlers) {
	b.handlersMu.Lock()
	b.handlers = h
	b.handlersMu.Unlock()
}

func (b *Broker) getHandlers() broker.Handlers {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	return b.handlers
}

// SetQuote sets the market for a contract, publishes it to subscribers and
// works any resting orders against it.
func (b *Broker) SetQuote(contract broker.Contract, bid, ask, last decimal.Decimal) {
	q := broker.Quote{
		Contract:         contract,
		Bid:              bid,
		Ask:              ask,
		Last:             last,
		HasBid:           bid.IsPositive(),
		HasAsk:           ask.IsPositive(),
		HasLast:          last.IsPositive(),
		SnapshotComplete: true,
		UpdatedAt:        time.Now(),
	}
	key := contract.String()

	b.mu.Lock()
	b.prices[key] = q
	for id, sub := range b.subs {
		if sub.contract.String() != key {
			continue
		}
		sub.quote = q
		sub.quote.ReqID = id
		publish(sub)
	}
	b.mu.Unlock()

	b.workRestingOrders(key)
}

// SetPrice sets bid, ask and last to the same price.
func (b *Broker) SetPrice(contract broker.Contract, price decimal.Decimal) {
	b.SetQuote(contract, price, price, price)
}

func publish(sub *subscription) {
	select {
	case sub.ch <- sub.quote:
	default:
	}
}

// GetAccountSummary returns cash and net liquidation at current prices.
func (b *Broker) GetAccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	b.mu.Lock()
	cash := b.cash
	netLiq := cash
	for key, pos := range b.positions {
		price := pos.AvgCost
		if q, ok := b.prices[key]; ok {
			if ref, ok := q.Reference(); ok {
				price = ref.Mul(multiplier(pos.Contract))
			}
		}
		netLiq = netLiq.Add(pos.Quantity.Mul(price))
	}
	b.mu.Unlock()

	value := func(tag string, v decimal.Decimal) broker.AccountValue {
		return broker.AccountValue{Account: b.cfg.Account, Tag: tag, Value: v.StringFixed(2), Currency: broker.CurrencyUSD}
	}

	return &broker.AccountSummary{
		Account: b.cfg.Account,
		Values: []broker.AccountValue{
			value("TotalCashValue", cash),
			value("NetLiquidation", netLiq),
			value("BuyingPower", cash.Mul(decimal.NewFromInt(4))),
			value("AccruedCash", decimal.Zero),
			value("AvailableFunds", cash),
		},
		LastUpdated: time.Now(),
	}, nil
}

// GetPositions returns open positions ordered by contract.
func (b *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	b.mu.Lock()
	positions := make([]broker.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *p)
	}
	b.mu.Unlock()

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Contract.String() < positions[j].Contract.String()
	})
	return positions, nil
}

// SubscribeMarketData streams quotes set with SetQuote. A known price is
// delivered immediately as a complete snapshot.
func (b *Broker) SubscribeMarketData(ctx context.Context, contract broker.Contract, snapshot bool) (int64, <-chan broker.Quote, error) {
	if !b.IsConnected() {
		return 0, nil, broker.ErrNotConnected
	}
	if err := contract.Validate(); err != nil {
		return 0, nil, err
	}

	reqID := b.nextReqID.Add(1)
	sub := &subscription{
		contract: contract,
		quote:    broker.Quote{ReqID: reqID, Contract: contract},
		ch:       make(chan broker.Quote, 16),
	}

	b.mu.Lock()
	b.subs[reqID] = sub
	if q, ok := b.prices[contract.String()]; ok {
		sub.quote = q
		sub.quote.ReqID = reqID
		publish(sub)
	}
	b.mu.Unlock()

	b.logger.Debug("subscribed to market data", "req_id", reqID, "contract", contract.String())
	return reqID, sub.ch, nil
}

// UnsubscribeMarketData closes a subscription.
func (b *Broker) UnsubscribeMarketData(reqID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[reqID]
	if !ok {
		return fmt.Errorf("%w: %d", broker.ErrUnknownRequest, reqID)
	}
	close(sub.ch)
	delete(b.subs, reqID)
	return nil
}

// Quote returns the latest quote of a subscription.
func (b *Broker) Quote(reqID int64) (broker.Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[reqID]
	if !ok {
		return broker.Quote{}, false
	}
	return sub.quote, true
}

// PlaceOrder accepts an order and fills it after FillDelay when marketable.
// Market orders need a price set for the contract.
func (b *Broker) PlaceOrder(ctx context.Context, contract broker.Contract, ticket broker.OrderTicket) (*broker.OrderResult, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	if err := ticket.Validate(); err != nil {
		return nil, err
	}
	if ticket.Account == "" {
		ticket.Account = b.cfg.Account
	}
	if ticket.TimeInForce == "" {
		ticket.TimeInForce = "DAY"
	}

	b.mu.Lock()
	_, hasPrice := b.prices[contract.String()]
	b.mu.Unlock()
	if ticket.OrderType == broker.OrderTypeMarket && !hasPrice {
		return nil, fmt.Errorf("%w: no price for %s", broker.ErrOrderRejected, contract)
	}

	orderID, err := b.NextOrderID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	order := &broker.Order{
		OrderID:   orderID,
		PermID:    orderID + 1_000_000,
		Contract:  contract,
		Ticket:    ticket,
		Status:    broker.OrderStatusSubmitted,
		Remaining: ticket.Quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}

	b.mu.Lock()
	b.orders[orderID] = order
	done := b.done
	b.mu.Unlock()

	b.logger.Info("simulated order placed",
		"order_id", orderID,
		"order_ref", ticket.OrderRef,
		"contract", contract.String(),
		"action", ticket.Action,
		"quantity", ticket.Quantity,
		"type", ticket.OrderType,
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-done:
			return
		case <-time.After(b.cfg.FillDelay):
		}
		b.emit(orderID)
		b.workRestingOrders(contract.String())
	}()

	return &broker.OrderResult{
		OrderID:     orderID,
		OrderRef:    ticket.OrderRef,
		Status:      broker.OrderStatusSubmitted,
		SubmittedAt: now,
	}, nil
}

// workRestingOrders fills every active order on key that the current price crosses.
func (b *Broker) workRestingOrders(key string) {
	b.mu.Lock()
	q, ok := b.prices[key]
	if !ok {
		b.mu.Unlock()
		return
	}

	var filled []int64
	for id, o := range b.orders {
		if o.Contract.String() != key || !o.Status.IsActive() {
			continue
		}
		price, ok := fillPrice(o, q)
		if !ok {
			continue
		}
		b.fill(o, price)
		filled = append(filled, id)
	}
	b.mu.Unlock()

	sort.Slice(filled, func(i, j int) bool { return filled[i] < filled[j] })
	for _, id := range filled {
		b.emit(id)
	}
}

// fillPrice decides whether an order executes against q, and at what price.
// Stop orders trigger on the last price; buys lift the ask and sells hit the bid.
func fillPrice(o *broker.Order, q broker.Quote) (decimal.Decimal, bool) {
	ref, ok := q.Reference()
	if !ok {
		return decimal.Zero, false
	}
	buy := o.Ticket.Action == types.ActionBuy

	exec := ref
	if buy && q.HasAsk {
		exec = q.Ask
	} else if !buy && q.HasBid {
		exec = q.Bid
	}

	t := o.Ticket
	if t.OrderType.NeedsStopPrice() {
		triggered := (buy && ref.GreaterThanOrEqual(t.StopPrice)) || (!buy && ref.LessThanOrEqual(t.StopPrice))
		if !triggered {
			return decimal.Zero, false
		}
	}
	if t.OrderType.NeedsLimitPrice() {
		if buy && exec.GreaterThan(t.LimitPrice) || !buy && exec.LessThan(t.LimitPrice) {
			return decimal.Zero, false
		}
	}
	return exec, true
}

// fill executes the whole order at price. Caller holds b.mu.
func (b *Broker) fill(o *broker.Order, price decimal.Decimal) {
	qty := o.Remaining
	signed := qty
	if o.Ticket.Action == types.ActionSell {
		signed = qty.Neg()
	}

	mult := multiplier(o.Contract)
	commission := decimal.Max(b.cfg.CommissionPerUnit.Mul(qty), b.cfg.MinCommission)
	b.cash = b.cash.Sub(signed.Mul(price).Mul(mult)).Sub(commission)
	b.updatePosition(o.Contract, signed, price.Mul(mult))

	o.Status = broker.OrderStatusFilled
	o.Filled = o.Filled.Add(qty)
	o.Remaining = decimal.Zero
	o.AvgFillPrice = price
	o.UpdatedAt = time.Now()

	b.logger.Info("simulated order filled",
		"order_id", o.OrderID,
		"contract", o.Contract.String(),
		"action", o.Ticket.Action,
		"quantity", qty,
		"price", price,
		"commission", commission,
	)
}

// updatePosition applies a signed fill; cost is per unit including multiplier.
func (b *Broker) updatePosition(contract broker.Contract, signed, cost decimal.Decimal) {
	key := contract.String()
	pos, ok := b.positions[key]
	if !ok {
		b.positions[key] = &broker.Position{
			Account:     b.cfg.Account,
			Contract:    contract,
			Quantity:    signed,
			AvgCost:     cost,
			LastUpdated: time.Now(),
		}
		return
	}

	newQty := pos.Quantity.Add(signed)
	switch {
	case newQty.IsZero():
		delete(b.positions, key)
		return
	case pos.Quantity.Sign() == signed.Sign():
		// adding
		total := pos.Quantity.Mul(pos.AvgCost).Add(signed.Mul(cost))
		pos.AvgCost = total.Div(newQty)
	case newQty.Sign() != pos.Quantity.Sign():
		// flipped through zero
		pos.AvgCost = cost
	}
	pos.Quantity = newQty
	pos.LastUpdated = time.Now()
}

func multiplier(c broker.Contract) decimal.Decimal {
	if m, err := decimal.NewFromString(c.Multiplier); err == nil && m.IsPositive() {
		return m
	}
	return decimal.NewFromInt(1)
}

// emit sends the order's current status to OnOrderStatus.
func (b *Broker) emit(orderID int64) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	var snapshot broker.Order
	if ok {
		snapshot = *o
	}
	b.mu.Unlock()

	if h := b.getHandlers().OnOrderStatus; ok && h != nil {
		h(snapshot)
	}
}

// CancelOrder cancels an active order.
func (b *Broker) CancelOrder(ctx context.Context, orderID int64) error {
	if !b.IsConnected() {
		return broker.ErrNotConnected
	}

	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: order %d", broker.ErrUnknownRequest, orderID)
	}
	if !o.Status.IsActive() {
		status := o.Status
		b.mu.Unlock()
		return fmt.Errorf("%w: order %d is %s", broker.ErrOrderRejected, orderID, status)
	}
	o.Status = broker.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	b.mu.Unlock()

	b.logger.Info("simulated order cancelled", "order_id", orderID)
	b.emit(orderID)
	return nil
}

// GetOpenOrders returns active orders ordered by ID.
func (b *Broker) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	if !b.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	b.mu.Lock()
	var orders []broker.Order
	for _, o := range b.orders {
		if o.Status.IsActive() {
			orders = append(orders, *o)
		}
	}
	b.mu.Unlock()

	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })
	return orders, nil
}

// Cash returns the current cash balance.
func (b *Broker) Cash() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

var _ broker.Broker = (*Broker)(nil)
