package ibkr

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// Tick types, including their delayed-data equivalents.
const (
	tickBidSize = 0
	tickBid     = 1
	tickAsk     = 2
	tickAskSize = 3
	tickLast    = 4
	tickLastSz  = 5
	tickHigh    = 6
	tickLow     = 7
	tickVolume  = 8
	tickClose   = 9

	tickDelayedBid     = 66
	tickDelayedAsk     = 67
	tickDelayedLast    = 68
	tickDelayedBidSize = 69
	tickDelayedAskSize = 70
	tickDelayedLastSz  = 71
	tickDelayedHigh    = 72
	tickDelayedLow     = 73
	tickDelayedVolume  = 74
	tickDelayedClose   = 75
)

// dispatch routes one incoming message to its handler.
func (c *Client) dispatch(s *session, fields []string) {
	if len(fields) == 0 {
		return
	}

	msgID, err := strconv.Atoi(fields[0])
	if err != nil {
		c.logger.Debug("invalid message ID", "data", fields[0])
		c.recorder.RecordError("decode")
		return
	}

	name := msgName(inNames, msgID)
	c.recorder.RecordMessageReceived(name)

	d := newDecoder(fields[1:])

	switch msgID {
	case inTickPrice:
		c.handleTickPrice(d)
	case inTickSize:
		c.handleTickSize(d)
	case inTickSnapshotEnd:
		c.handleSnapshotEnd(d)
	case inMarketDataType:
		c.handleMarketDataType(d)
	case inOrderStatus:
		c.handleOrderStatus(d)
	case inOpenOrder:
		c.handleOpenOrder(d)
	case inOpenOrderEnd:
		c.handleOpenOrderEnd()
	case inErrMsg:
		c.handleError(d)
	case inNextValidID:
		c.handleNextValidID(s, d)
	case inManagedAccts:
		c.handleManagedAccounts(d)
	case inPosition:
		c.handlePosition(d)
	case inPositionEnd:
		c.handlePositionEnd()
	case inAccountSummary:
		c.handleAccountSummary(d)
	case inAccountSummaryEnd:
		c.handleAccountSummaryEnd(d)
	default:
		c.logger.Debug("unhandled message type", "msg_id", msgID, "msg", name, "fields", len(fields))
		return
	}

	if err := d.err(); err != nil {
		c.logger.Debug("malformed message", "msg", name, "err", err)
		c.recorder.RecordError("decode")
	}
}

// handleTickPrice handles TICK_PRICE: version, reqId, tickType, price, size, attrMask.
func (c *Client) handleTickPrice(d *decoder) {
	d.skip(1)
	reqID := d.int()
	tickType := int(d.int())
	price, ok := d.decimal()
	size, sizeOK := d.decimal()
	if d.err() != nil {
		return
	}

	// -1 means no data for this side.
	if !ok || price.Equal(decimal.NewFromInt(-1)) {
		return
	}
	sizeOK = sizeOK && !size.IsNegative()

	c.updateQuote(reqID, func(q *broker.Quote) bool {
		switch tickType {
		case tickBid, tickDelayedBid:
			q.Bid, q.HasBid = price, true
			if sizeOK {
				q.BidSize = size
			}
			c.recorder.RecordTick("bid")
		case tickAsk, tickDelayedAsk:
			q.Ask, q.HasAsk = price, true
			if sizeOK {
				q.AskSize = size
			}
			c.recorder.RecordTick("ask")
		case tickLast, tickDelayedLast:
			q.Last, q.HasLast = price, true
			if sizeOK {
				q.LastSize = size
			}
			c.recorder.RecordTick("last")
		case tickHigh, tickDelayedHigh:
			q.High, q.HasHigh = price, true
			c.recorder.RecordTick("high")
		case tickLow, tickDelayedLow:
			q.Low, q.HasLow = price, true
			c.recorder.RecordTick("low")
		case tickClose, tickDelayedClose:
			q.Close, q.HasClose = price, true
			c.recorder.RecordTick("close")
		default:
			return false
		}
		return true
	})
}

// handleTickSize handles TICK_SIZE: version, reqId, tickType, size.
func (c *Client) handleTickSize(d *decoder) {
	d.skip(1)
	reqID := d.int()
	tickType := int(d.int())
	size, ok := d.decimal()
	if d.err() != nil || !ok || size.IsNegative() {
		return
	}

	c.updateQuote(reqID, func(q *broker.Quote) bool {
		switch tickType {
		case tickBidSize, tickDelayedBidSize:
			q.BidSize = size
		case tickAskSize, tickDelayedAskSize:
			q.AskSize = size
		case tickLastSz, tickDelayedLastSz:
			q.LastSize = size
		case tickVolume, tickDelayedVolume:
			q.Volume, q.HasVolume = size, true
			c.recorder.RecordTick("volume")
		default:
			return false
		}
		return true
	})
}

// handleSnapshotEnd handles TICK_SNAPSHOT_END: version, reqId.
func (c *Client) handleSnapshotEnd(d *decoder) {
	d.skip(1)
	reqID := d.int()

	c.updateQuote(reqID, func(q *broker.Quote) bool {
		q.SnapshotComplete = true
		return true
	})
}

// handleMarketDataType handles MARKET_DATA_TYPE: version, reqId, marketDataType.
func (c *Client) handleMarketDataType(d *decoder) {
	d.skip(1)
	reqID := d.int()
	dataType := d.int()
	if d.err() != nil {
		return
	}

	delayed := dataType == MarketDataDelayed || dataType == MarketDataDelayedFrozen
	c.updateQuote(reqID, func(q *broker.Quote) bool {
		if q.Delayed == delayed {
			return false
		}
		q.Delayed = delayed
		return true
	})
}

// handleOpenOrder handles the leading fields of OPEN_ORDER: orderId,
// contract, action, totalQuantity, orderType, lmtPrice, auxPrice, tif,
// ocaGroup, account, openClose, origin, orderRef, clientId, permId.
// The remaining fields are not used. TWS follows every OPEN_ORDER with
// an ORDER_STATUS carrying the exact state.
func (c *Client) handleOpenOrder(d *decoder) {
	if c.ServerVersion() < minServerVerOrderContainer {
		d.skip(1) // version
	}
	orderID := d.int()

	var contract broker.Contract
	contract.ConID = d.int()
	contract.Symbol = d.str()
	contract.SecType = d.str()
	contract.Expiry = d.str()
	contract.Strike, _ = d.decimal()
	contract.Right = types.Right(d.str())
	contract.Multiplier = d.str()
	contract.Exchange = d.str()
	contract.Currency = d.str()
	contract.LocalSymbol = d.str()
	contract.TradingClass = d.str()

	ticket := broker.OrderTicket{Action: types.Action(d.str())}
	ticket.Quantity, _ = d.decimal()
	ticket.OrderType = broker.OrderType(d.str())
	ticket.LimitPrice, _ = d.decimal()
	ticket.StopPrice, _ = d.decimal()
	ticket.TimeInForce = d.str()
	d.skip(1) // ocaGroup
	ticket.Account = d.str()
	d.skip(2) // openClose, origin
	ticket.OrderRef = d.str()
	d.skip(1) // clientId
	permID := d.int()
	if d.err() != nil {
		return
	}

	now := time.Now()
	c.ordersMu.Lock()
	o, ok := c.orders[orderID]
	if !ok {
		o = &broker.Order{
			OrderID:   orderID,
			Status:    broker.OrderStatusSubmitted,
			Remaining: ticket.Quantity,
			CreatedAt: now,
		}
		c.orders[orderID] = o
	}
	o.Contract = contract
	o.Ticket = ticket
	if permID != 0 {
		o.PermID = permID
	}
	o.UpdatedAt = now
	c.ordersMu.Unlock()

	c.logger.Debug("open order",
		"order_id", orderID,
		"contract", contract.String(),
		"action", ticket.Action,
		"quantity", ticket.Quantity,
		"type", ticket.OrderType,
	)
}

func (c *Client) handleOpenOrderEnd() {
	c.reqMu.Lock()
	if c.openOrdersReq != nil {
		c.openOrdersReq.finish(nil)
	}
	c.reqMu.Unlock()
}

// handleOrderStatus handles ORDER_STATUS: orderId, status, filled, remaining,
// avgFillPrice, permId, parentId, lastFillPrice, clientId, whyHeld, mktCapPrice.
func (c *Client) handleOrderStatus(d *decoder) {
	orderID := d.int()
	status := broker.OrderStatus(d.str())
	filled, _ := d.decimal()
	remaining, _ := d.decimal()
	avgFill, _ := d.decimal()
	permID := d.int()
	if d.err() != nil {
		return
	}
	d.skip(3) // parentId, lastFillPrice, clientId
	whyHeld := d.str()

	c.ordersMu.Lock()
	o, ok := c.orders[orderID]
	if !ok {
		// Placed by another session or client ID.
		o = &broker.Order{OrderID: orderID, CreatedAt: time.Now()}
		c.orders[orderID] = o
	}
	changed := o.Status != status || !o.Filled.Equal(filled)
	o.Status = status
	o.PermID = permID
	o.Filled = filled
	o.Remaining = remaining
	o.AvgFillPrice = avgFill
	o.WhyHeld = whyHeld
	o.UpdatedAt = time.Now()
	snapshot := *o
	c.ordersMu.Unlock()

	if !changed {
		return
	}

	c.logger.Info("order status",
		"order_id", orderID,
		"status", status,
		"filled", filled,
		"remaining", remaining,
		"avg_fill_price", avgFill,
	)
	c.recorder.RecordOrder(snapshot.Contract.SecType, string(snapshot.Ticket.Action), string(status))

	if h := c.getHandlers().OnOrderStatus; h != nil {
		h(snapshot)
	}
}

// handleError handles ERR_MSG: version, reqId, code, message.
func (c *Client) handleError(d *decoder) {
	d.skip(1)
	apiErr := broker.APIError{
		ReqID:   d.int(),
		Code:    int(d.int()),
		Message: d.str(),
	}
	if d.err() != nil {
		return
	}

	c.recorder.RecordAPIError(apiErr.Code)

	switch {
	case apiErr.IsInformational():
		c.logger.Debug("ib notice", "code", apiErr.Code, "msg", apiErr.Message)
	case apiErr.IsConnectivity():
		c.logger.Warn("ib connectivity", "code", apiErr.Code, "msg", apiErr.Message)
	default:
		c.logger.Warn("ib error", "req_id", apiErr.ReqID, "code", apiErr.Code, "msg", apiErr.Message)
	}

	if apiErr.ReqID > 0 && !apiErr.IsInformational() {
		c.failRequest(apiErr)
	}

	if h := c.getHandlers().OnError; h != nil {
		h(apiErr)
	}
}

// failRequest routes a request-scoped error to whatever owns the ID.
func (c *Client) failRequest(apiErr broker.APIError) {
	c.reqMu.Lock()
	if req, ok := c.summaries[apiErr.ReqID]; ok {
		req.finish(apiErr)
	}
	c.reqMu.Unlock()

	c.mdMu.Lock()
	if sub, ok := c.subs[apiErr.ReqID]; ok {
		sub.quote.Err = apiErr
		sub.closeUpdates()
	}
	c.mdMu.Unlock()

	c.ordersMu.Lock()
	o, ok := c.orders[apiErr.ReqID]
	var snapshot broker.Order
	if ok && o.Status != broker.OrderStatusCancelled && apiErr.Code != 399 {
		// 399 is a warning attached to an order that stays working.
		if apiErr.Code == 202 {
			o.Status = broker.OrderStatusCancelled
		} else {
			o.Status = broker.OrderStatusInactive
		}
		o.WhyHeld = apiErr.Message
		o.UpdatedAt = time.Now()
		snapshot = *o
	} else {
		ok = false
	}
	c.ordersMu.Unlock()

	if ok {
		c.recorder.RecordOrder(snapshot.Contract.SecType, string(snapshot.Ticket.Action), string(snapshot.Status))
		if h := c.getHandlers().OnOrderStatus; h != nil {
			h(snapshot)
		}
	}
}

// handleNextValidID handles NEXT_VALID_ID: version, orderId. It marks the session ready.
func (c *Client) handleNextValidID(s *session, d *decoder) {
	d.skip(1)
	id := d.int()
	if d.err() != nil {
		return
	}

	c.nextOrderID.Store(id)
	c.haveOrderID.Store(true)
	c.logger.Debug("next valid order id", "order_id", id)

	s.markReady()
}

// handleManagedAccounts handles MANAGED_ACCTS: version, accountsList.
func (c *Client) handleManagedAccounts(d *decoder) {
	d.skip(1)
	list := d.str()

	var accounts []string
	for _, a := range strings.Split(list, ",") {
		if a = strings.TrimSpace(a); a != "" {
			accounts = append(accounts, a)
		}
	}

	c.accountsMu.Lock()
	c.accounts = accounts
	c.accountsMu.Unlock()

	c.logger.Info("managed accounts", "accounts", accounts)
}

// handlePosition handles POSITION_DATA: version, account, conId, symbol,
// secType, expiry, strike, right, multiplier, exchange, currency,
// localSymbol, tradingClass, position, avgCost.
func (c *Client) handlePosition(d *decoder) {
	d.skip(1)
	pos := broker.Position{Account: d.str(), LastUpdated: time.Now()}
	pos.Contract.ConID = d.int()
	pos.Contract.Symbol = d.str()
	pos.Contract.SecType = d.str()
	pos.Contract.Expiry = d.str()
	pos.Contract.Strike, _ = d.decimal()
	pos.Contract.Right = types.Right(d.str())
	pos.Contract.Multiplier = d.str()
	pos.Contract.Exchange = d.str()
	pos.Contract.Currency = d.str()
	pos.Contract.LocalSymbol = d.str()
	pos.Contract.TradingClass = d.str()
	pos.Quantity, _ = d.decimal()
	pos.AvgCost, _ = d.decimal()
	if d.err() != nil {
		return
	}

	c.reqMu.Lock()
	req := c.positionsReq
	if req != nil {
		req.positions = append(req.positions, pos)
	}
	c.reqMu.Unlock()

	if req == nil {
		c.logger.Debug("position without pending request", "symbol", pos.Contract.Symbol)
	}
}

func (c *Client) handlePositionEnd() {
	c.reqMu.Lock()
	if c.positionsReq != nil {
		c.positionsReq.finish(nil)
	}
	c.reqMu.Unlock()
}

// handleAccountSummary handles ACCOUNT_SUMMARY: version, reqId, account, tag, value, currency.
func (c *Client) handleAccountSummary(d *decoder) {
	d.skip(1)
	reqID := d.int()
	v := broker.AccountValue{
		Account:  d.str(),
		Tag:      d.str(),
		Value:    d.str(),
		Currency: d.str(),
	}
	if d.err() != nil {
		return
	}

	c.reqMu.Lock()
	if req, ok := c.summaries[reqID]; ok {
		req.values = append(req.values, v)
	}
	c.reqMu.Unlock()
}

// handleAccountSummaryEnd handles ACCOUNT_SUMMARY_END: version, reqId.
func (c *Client) handleAccountSummaryEnd(d *decoder) {
	d.skip(1)
	reqID := d.int()

	c.reqMu.Lock()
	if req, ok := c.summaries[reqID]; ok {
		req.finish(nil)
	}
	c.reqMu.Unlock()
}
