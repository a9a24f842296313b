package ibkr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tathienbao/ibkr-connect/internal/broker"
)

const updateBuffer = 64

// summaryRequest collects ACCOUNT_SUMMARY rows until the end marker.
type summaryRequest struct {
	values []broker.AccountValue
	done   chan error
	closed bool
}

// finish must be called with reqMu held.
func (r *summaryRequest) finish(err error) {
	if r.closed {
		return
	}
	r.closed = true
	r.done <- err
}

// positionsRequest collects POSITION_DATA rows until POSITION_END.
type positionsRequest struct {
	positions []broker.Position
	done      chan error
	closed    bool
}

// finish must be called with reqMu held.
func (r *positionsRequest) finish(err error) {
	if r.closed {
		return
	}
	r.closed = true
	r.done <- err
}

// openOrdersRequest waits for OPEN_ORDER_END.
type openOrdersRequest struct {
	done   chan error
	closed bool
}

// finish must be called with reqMu held.
func (r *openOrdersRequest) finish(err error) {
	if r.closed {
		return
	}
	r.closed = true
	r.done <- err
}

// subscription is one market data request. A request error is kept on
// the quote.
type subscription struct {
	quote   broker.Quote
	updates chan broker.Quote
	closed  bool
}

// closeUpdates must be called with mdMu held.
func (s *subscription) closeUpdates() {
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
}

// await waits for a correlated response, the session ending, ctx, or the request timeout.
func (c *Client) await(ctx context.Context, s *session, done <-chan error, what string) error {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-s.done:
		return fmt.Errorf("%s: %w", what, broker.ErrNotConnected)
	case <-timer.C:
		return fmt.Errorf("%s: %w after %s", what, broker.ErrRequestTimeout, c.cfg.RequestTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAccountSummary requests the configured summary tags for all accounts.
func (c *Client) GetAccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	tags := c.cfg.SummaryTags
	if tags == "" {
		tags = DefaultSummaryTags
	}
	return c.RequestAccountSummary(ctx, tags)
}

// RequestAccountSummary requests the given comma-separated tags and waits
// for the end marker. The subscription is cancelled before returning.
func (c *Client) RequestAccountSummary(ctx context.Context, tags string) (*broker.AccountSummary, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	s := c.session()
	if s == nil {
		return nil, broker.ErrNotConnected
	}

	reqID := c.nextReqID.Add(1)
	req := &summaryRequest{done: make(chan error, 1)}

	c.reqMu.Lock()
	c.summaries[reqID] = req
	c.reqMu.Unlock()

	defer func() {
		c.reqMu.Lock()
		delete(c.summaries, reqID)
		c.reqMu.Unlock()
	}()

	timer := time.Now()
	msg := newEncoder(outReqAccountSummary).int(1).int(reqID).str("All").str(tags).bytes()
	if err := c.send(ctx, outReqAccountSummary, msg); err != nil {
		return nil, fmt.Errorf("request account summary: %w", err)
	}

	err := c.await(ctx, s, req.done, "account summary")

	cancel := newEncoder(outCancelAccountSummary).int(1).int(reqID).bytes()
	if cerr := c.send(context.Background(), outCancelAccountSummary, cancel); cerr != nil && !errors.Is(cerr, broker.ErrNotConnected) {
		c.logger.Debug("cancel account summary failed", "req_id", reqID, "err", cerr)
	}

	if err != nil {
		return nil, err
	}
	c.recorder.RecordRequestLatency("account_summary", time.Since(timer))

	c.reqMu.Lock()
	values := append([]broker.AccountValue(nil), req.values...)
	c.reqMu.Unlock()

	summary := &broker.AccountSummary{
		Account:     c.DefaultAccount(),
		Values:      values,
		LastUpdated: time.Now(),
	}
	if summary.Account == "" && len(values) > 0 {
		summary.Account = values[0].Account
	}

	c.logger.Debug("account summary received", "req_id", reqID, "values", len(values))
	return summary, nil
}

// GetPositions requests all positions and waits for POSITION_END.
func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	s := c.session()
	if s == nil {
		return nil, broker.ErrNotConnected
	}

	c.positionsMu.Lock()
	defer c.positionsMu.Unlock()

	req := &positionsRequest{done: make(chan error, 1)}
	c.reqMu.Lock()
	c.positionsReq = req
	c.reqMu.Unlock()

	defer func() {
		c.reqMu.Lock()
		c.positionsReq = nil
		c.reqMu.Unlock()
	}()

	timer := time.Now()
	if err := c.send(ctx, outReqPositions, newEncoder(outReqPositions).int(1).bytes()); err != nil {
		return nil, fmt.Errorf("request positions: %w", err)
	}

	err := c.await(ctx, s, req.done, "positions")

	if cerr := c.send(context.Background(), outCancelPositions, newEncoder(outCancelPositions).int(1).bytes()); cerr != nil && !errors.Is(cerr, broker.ErrNotConnected) {
		c.logger.Debug("cancel positions failed", "err", cerr)
	}

	if err != nil {
		return nil, err
	}
	c.recorder.RecordRequestLatency("positions", time.Since(timer))

	c.reqMu.Lock()
	positions := append([]broker.Position(nil), req.positions...)
	c.reqMu.Unlock()

	return positions, nil
}

// Market data types accepted by SetMarketDataType.
const (
	MarketDataLive          = 1
	MarketDataFrozen        = 2
	MarketDataDelayed       = 3
	MarketDataDelayedFrozen = 4
)

// SetMarketDataType selects the data type for subsequent market data requests.
// Delayed data needs no market data subscription.
func (c *Client) SetMarketDataType(ctx context.Context, dataType int) error {
	if dataType < MarketDataLive || dataType > MarketDataDelayedFrozen {
		return fmt.Errorf("market data type %d out of range 1-4", dataType)
	}
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}
	return c.send(ctx, outReqMarketDataType, newEncoder(outReqMarketDataType).int(1).int(int64(dataType)).bytes())
}

// SubscribeMarketData requests streaming (or snapshot) data for a contract.
// The returned channel receives a copy of the quote after every tick and is
// closed on unsubscribe, on a request error, or on disconnect.
func (c *Client) SubscribeMarketData(ctx context.Context, contract broker.Contract, snapshot bool) (int64, <-chan broker.Quote, error) {
	if !c.IsConnected() {
		return 0, nil, broker.ErrNotConnected
	}
	if err := contract.Validate(); err != nil {
		return 0, nil, err
	}

	reqID := c.nextReqID.Add(1)
	sub := &subscription{
		quote:   broker.Quote{ReqID: reqID, Contract: contract},
		updates: make(chan broker.Quote, updateBuffer),
	}

	c.mdMu.Lock()
	c.subs[reqID] = sub
	c.mdMu.Unlock()

	if err := c.send(ctx, outReqMktData, encodeMarketDataRequest(reqID, contract, snapshot)); err != nil {
		c.mdMu.Lock()
		delete(c.subs, reqID)
		sub.closeUpdates()
		c.mdMu.Unlock()
		return 0, nil, fmt.Errorf("request market data: %w", err)
	}

	c.logger.Info("subscribed to market data",
		"contract", contract.String(),
		"req_id", reqID,
		"snapshot", snapshot,
	)

	return reqID, sub.updates, nil
}

// encodeMarketDataRequest builds REQ_MKT_DATA version 11.
func encodeMarketDataRequest(reqID int64, contract broker.Contract, snapshot bool) []byte {
	e := newEncoder(outReqMktData).int(11).int(reqID)
	encodeContract(e, contract)
	return e.
		bool(false). // delta neutral contract
		str("").     // generic tick list
		bool(snapshot).
		bool(false). // regulatory snapshot
		str("").     // market data options
		bytes()
}

// encodeContract writes conId through tradingClass.
func encodeContract(e *encoder, contract broker.Contract) {
	e.int(contract.ConID).
		str(contract.Symbol).
		str(contract.SecType).
		str(contract.Expiry).
		dec(contract.Strike).
		str(string(contract.Right)).
		str(contract.Multiplier).
		str(contract.Exchange).
		str(""). // primary exchange
		str(contract.Currency).
		str(contract.LocalSymbol).
		str(contract.TradingClass)
}

// UnsubscribeMarketData cancels a subscription and closes its channel.
func (c *Client) UnsubscribeMarketData(reqID int64) error {
	c.mdMu.Lock()
	sub, ok := c.subs[reqID]
	if ok {
		delete(c.subs, reqID)
		sub.closeUpdates()
	}
	c.mdMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", broker.ErrUnknownRequest, reqID)
	}

	if c.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.send(ctx, outCancelMktData, newEncoder(outCancelMktData).int(2).int(reqID).bytes()); err != nil {
			return err
		}
	}

	c.logger.Info("unsubscribed from market data", "req_id", reqID)
	return nil
}

// Quote returns the latest quote of an active subscription.
func (c *Client) Quote(reqID int64) (broker.Quote, bool) {
	c.mdMu.RLock()
	defer c.mdMu.RUnlock()

	sub, ok := c.subs[reqID]
	if !ok {
		return broker.Quote{}, false
	}
	return sub.quote, true
}

// updateQuote applies fn to a subscription's quote and publishes it when fn reports a change.
func (c *Client) updateQuote(reqID int64, fn func(q *broker.Quote) bool) {
	c.mdMu.Lock()
	defer c.mdMu.Unlock()

	sub, ok := c.subs[reqID]
	if !ok || !fn(&sub.quote) {
		return
	}
	sub.quote.UpdatedAt = time.Now()

	if sub.closed {
		return
	}
	select {
	case sub.updates <- sub.quote:
	default:
		c.logger.Debug("market data channel full", "req_id", reqID)
	}
}

// closeSubscriptions ends every subscription. Used when the session drops.
func (c *Client) closeSubscriptions() {
	c.mdMu.Lock()
	defer c.mdMu.Unlock()

	for id, sub := range c.subs {
		sub.closeUpdates()
		delete(c.subs, id)
	}
}

// PlaceOrder validates the ticket, reserves an order ID and sends PLACE_ORDER.
// The returned status is PendingSubmit; later changes arrive through OnOrderStatus.
func (c *Client) PlaceOrder(ctx context.Context, contract broker.Contract, ticket broker.OrderTicket) (*broker.OrderResult, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	if err := ticket.Validate(); err != nil {
		return nil, err
	}
	if v := c.ServerVersion(); v < minServerVerOrderContainer {
		return nil, fmt.Errorf("%w: server version %d does not support this order encoding", broker.ErrOrderRejected, v)
	}

	if ticket.Account == "" {
		ticket.Account = c.DefaultAccount()
	}
	if ticket.TimeInForce == "" {
		ticket.TimeInForce = "DAY"
	}

	orderID, err := c.NextOrderID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c.ordersMu.Lock()
	c.orders[orderID] = &broker.Order{
		OrderID:   orderID,
		Contract:  contract,
		Ticket:    ticket,
		Status:    broker.OrderStatusPendingSubmit,
		Remaining: ticket.Quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.ordersMu.Unlock()

	msg := encodePlaceOrder(orderID, contract, ticket, c.ServerVersion())
	if err := c.send(ctx, outPlaceOrder, msg); err != nil {
		c.ordersMu.Lock()
		delete(c.orders, orderID)
		c.ordersMu.Unlock()
		return nil, fmt.Errorf("send order: %w", err)
	}

	c.recorder.RecordOrder(contract.SecType, string(ticket.Action), string(broker.OrderStatusPendingSubmit))
	c.logger.Info("order placed",
		"order_id", orderID,
		"order_ref", ticket.OrderRef,
		"contract", contract.String(),
		"action", ticket.Action,
		"quantity", ticket.Quantity,
		"type", ticket.OrderType,
	)

	return &broker.OrderResult{
		OrderID:     orderID,
		OrderRef:    ticket.OrderRef,
		Status:      broker.OrderStatusPendingSubmit,
		SubmittedAt: now,
	}, nil
}

// encodePlaceOrder builds PLACE_ORDER for servers from the order-container
// version up to maxClientVersion. Fields this client never sets are sent
// as their API defaults.
func encodePlaceOrder(orderID int64, contract broker.Contract, t broker.OrderTicket, serverVersion int) []byte {
	e := newEncoder(outPlaceOrder).int(orderID)
	encodeContract(e, contract)
	e.str("").str("") // secIdType, secId

	// main order fields
	e.str(string(t.Action)).
		dec(t.Quantity).
		str(string(t.OrderType)).
		optDec(t.LimitPrice, t.OrderType.NeedsLimitPrice()).
		optDec(t.StopPrice, t.OrderType.NeedsStopPrice())

	// extended order fields
	e.str(t.TimeInForce).
		str(""). // ocaGroup
		str(t.Account).
		str(""). // openClose
		int(0).  // origin: customer
		str(t.OrderRef).
		bool(true). // transmit
		int(0).     // parentId
		zeros(3).   // blockOrder, sweepToFill, displaySize
		int(0).     // triggerMethod
		zeros(2)    // outsideRth, hidden

	// allocation, FA and short-sale fields
	e.str("").
		int(0).   // discretionaryAmt
		empty(2). // goodAfterTime, goodTillDate
		empty(4). // faGroup, faMethod, faPercentage, faProfile
		str("").  // modelCode
		int(0).   // shortSaleSlot
		str("").  // designatedLocation
		int(-1).  // exemptCode
		int(0)    // ocaType

	// rule80A, settlingFirm, allOrNone, minQty, percentOffset,
	// eTradeOnly, firmQuoteOnly, nbboPriceCap
	e.empty(2).
		bool(false).
		empty(2).
		zeros(2).
		str("")

	// auction, box, volatility and trailing fields
	e.int(0).
		empty(5).    // startingPrice, stockRefPrice, delta, stockRangeLower, stockRangeUpper
		bool(false). // overridePercentageConstraints
		empty(2).    // volatility, volatilityType
		empty(2).    // deltaNeutralOrderType, deltaNeutralAuxPrice
		bool(false). // continuousUpdate
		str("").     // referencePriceType
		empty(2)     // trailStopPrice, trailingPercent

	// scale, hedge, clearing and algo fields
	e.empty(3).
		empty(3).    // scaleTable, activeStartTime, activeStopTime
		str("").     // hedgeType
		bool(false). // optOutSmartRouting
		empty(2).    // clearingAccount, clearingIntent
		bool(false). // notHeld
		bool(false). // delta neutral contract
		str("").     // algoStrategy
		str("").     // algoId
		bool(false). // whatIf
		str("").     // orderMiscOptions
		bool(false). // solicited
		zeros(2)     // randomizeSize, randomizePrice

	// conditions, adjustments, soft dollars, MiFID II
	e.int(0).
		empty(6).    // adjustedOrderType, triggerPrice, lmtPriceOffset, adjustedStopPrice, adjustedStopLimitPrice, adjustedTrailingAmount
		int(0).      // adjustableTrailingUnit
		str("").     // extOperator
		empty(2).    // softDollarTier name, value
		str("").     // cashQty
		empty(4).    // mifid2 decision maker/algo, execution trader/algo
		bool(false). // dontUseAutoPriceForHedge
		bool(false)  // isOmsContainer

	if serverVersion >= minServerVerDPegOrders {
		e.bool(false) // discretionaryUpToLimitPrice
	}
	if serverVersion >= minServerVerPriceMgmtAlgo {
		e.str("") // usePriceMgmtAlgo
	}

	return e.bytes()
}

// CancelOrder requests cancellation of a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}

	if err := c.send(ctx, outCancelOrder, newEncoder(outCancelOrder).int(1).int(orderID).bytes()); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}

	c.ordersMu.Lock()
	if o, ok := c.orders[orderID]; ok && o.Status.IsActive() {
		o.Status = broker.OrderStatusPendingCancel
		o.UpdatedAt = time.Now()
	}
	c.ordersMu.Unlock()

	c.logger.Info("order cancel requested", "order_id", orderID)
	return nil
}

// GetOpenOrders requests the working orders of this client ID from TWS,
// waits for OPEN_ORDER_END and returns every active order known to the
// client. With client ID 0 this includes orders entered in TWS.
func (c *Client) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	s := c.session()
	if s == nil {
		return nil, broker.ErrNotConnected
	}

	c.openOrdersMu.Lock()
	defer c.openOrdersMu.Unlock()

	req := &openOrdersRequest{done: make(chan error, 1)}
	c.reqMu.Lock()
	c.openOrdersReq = req
	c.reqMu.Unlock()

	defer func() {
		c.reqMu.Lock()
		c.openOrdersReq = nil
		c.reqMu.Unlock()
	}()

	timer := time.Now()
	if err := c.send(ctx, outReqOpenOrders, newEncoder(outReqOpenOrders).int(1).bytes()); err != nil {
		return nil, fmt.Errorf("request open orders: %w", err)
	}
	if err := c.await(ctx, s, req.done, "open orders"); err != nil {
		return nil, err
	}
	c.recorder.RecordRequestLatency("open_orders", time.Since(timer))

	c.ordersMu.RLock()
	defer c.ordersMu.RUnlock()

	var orders []broker.Order
	for _, o := range c.orders {
		if o.Status.IsActive() {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })

	return orders, nil
}
