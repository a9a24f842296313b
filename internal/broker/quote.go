package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the latest top-of-book view of a market data request.
// Fields are only meaningful when the matching Has flag is set.
type Quote struct {
	ReqID    int64
	Contract Contract

	Bid, Ask, Last    decimal.Decimal
	High, Low, Close  decimal.Decimal
	BidSize, AskSize  decimal.Decimal
	LastSize, Volume  decimal.Decimal
	HasBid, HasAsk    bool
	HasLast, HasClose bool
	HasHigh, HasLow   bool
	HasVolume         bool
	SnapshotComplete  bool
	UpdatedAt         time.Time

	// Delayed is set when the broker serves delayed instead of live data.
	Delayed bool
	// Err is the broker error that ended the request, if any.
	Err error
}

// Spread returns ask minus bid when both sides are present.
func (q Quote) Spread() (decimal.Decimal, bool) {
	if !q.HasBid || !q.HasAsk {
		return decimal.Zero, false
	}
	return q.Ask.Sub(q.Bid), true
}

// Mid returns the bid/ask midpoint when both sides are present.
func (q Quote) Mid() (decimal.Decimal, bool) {
	if !q.HasBid || !q.HasAsk {
		return decimal.Zero, false
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)), true
}

// Reference returns the best available price: last, then mid, then close.
func (q Quote) Reference() (decimal.Decimal, bool) {
	if q.HasLast {
		return q.Last, true
	}
	if mid, ok := q.Mid(); ok {
		return mid, true
	}
	if q.HasClose {
		return q.Close, true
	}
	return decimal.Zero, false
}

// IsEmpty reports whether no price has arrived yet.
func (q Quote) IsEmpty() bool {
	return !q.HasBid && !q.HasAsk && !q.HasLast && !q.HasClose
}

// FetchQuote subscribes to a contract, waits for the snapshot to complete or
// for wait to elapse, and returns the quote gathered so far. A request
// rejected by the broker returns its error wrapped.
func FetchQuote(ctx context.Context, b Broker, contract Contract, wait time.Duration) (*Quote, error) {
	if err := contract.Validate(); err != nil {
		return nil, err
	}

	reqID, updates, err := b.SubscribeMarketData(ctx, contract, false)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", contract, err)
	}
	defer func() { _ = b.UnsubscribeMarketData(reqID) }()

	timer := time.NewTimer(wait)
	defer timer.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			break loop
		case q, ok := <-updates:
			if !ok || q.SnapshotComplete {
				break loop
			}
		}
	}

	q, ok := b.Quote(reqID)
	if ok && q.Err != nil {
		return nil, fmt.Errorf("%s: %w", contract, q.Err)
	}
	if !ok || q.IsEmpty() {
		return nil, fmt.Errorf("%s: %w", contract, ErrNoMarketData)
	}
	return &q, nil
}
