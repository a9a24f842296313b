package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/orders"
	"github.com/tathienbao/ibkr-connect/internal/persistence"
)

// FormatAccountSummary renders every summary value as "Tag: value" in the
// order received.
func FormatAccountSummary(s *broker.AccountSummary) string {
	if s == nil {
		return ""
	}
	lines := make([]string, 0, len(s.Values))
	for _, v := range s.Values {
		line := v.Tag + ": " + v.Value
		if v.Currency != "" {
			line += " " + v.Currency
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// AccountSummary writes the key metrics of an account summary. Metrics the
// account did not report are skipped.
func (r *Report) AccountSummary(s *broker.AccountSummary, keyMetrics []string) {
	if s == nil || len(s.Values) == 0 {
		r.Failure("No account summary data received")
		return
	}

	r.Title("📊 ACCOUNT SUMMARY", 60)
	if s.Account != "" {
		r.Line("%-20s: %s", "Account", s.Account)
	}
	for _, metric := range keyMetrics {
		v, ok := s.Value(metric, "")
		if !ok {
			continue
		}
		if d, ok := v.Decimal(); ok {
			r.Line("%-20s: %15s", metric, Money(d, r.places))
		} else {
			r.Line("%-20s: %15s", metric, v.Value)
		}
	}
	r.Rule(60)
}

// Positions writes the position table with market values.
func (r *Report) Positions(positions []broker.Position) {
	if len(positions) == 0 {
		r.Failure("No positions found")
		return
	}

	r.Title("📈 CURRENT POSITIONS", 80)
	rows := make([][]string, 0, len(positions))
	total := decimal.Zero
	for _, p := range positions {
		mv := p.MarketValue()
		total = total.Add(mv)
		rows = append(rows, []string{
			p.Contract.String(),
			p.Contract.SecType,
			p.Quantity.String(),
			Money(p.AvgCost, r.places),
			Money(mv, r.places),
		})
	}
	r.table(80, []int{24, 6, 12, 14, 16},
		[]string{"Symbol", "Type", "Position", "Avg Cost", "Market Value"}, rows, nil)
	r.Rule(80)
	r.Line("💰 Total Position Value: %s", Money(total, r.places))
}

func (r *Report) price(d decimal.Decimal, ok bool) string {
	if !ok {
		return "N/A"
	}
	return d.StringFixed(r.pricePlaces(d))
}

// Forex quotes need more precision than stock prices.
func (r *Report) pricePlaces(d decimal.Decimal) int32 {
	if d.Abs().LessThan(decimal.NewFromInt(10)) && r.places < 5 {
		return 5
	}
	return r.places
}

// Quotes writes one row per quote.
func (r *Report) Quotes(quotes []broker.Quote) {
	if len(quotes) == 0 {
		r.Failure("No quotes received")
		return
	}

	r.Title("💱 QUOTES", 80)
	rows := make([][]string, 0, len(quotes))
	for _, q := range quotes {
		spread, hasSpread := q.Spread()
		rows = append(rows, []string{
			q.Contract.String(),
			r.price(q.Bid, q.HasBid),
			r.price(q.Ask, q.HasAsk),
			r.price(q.Last, q.HasLast),
			r.price(spread, hasSpread),
		})
	}
	r.table(80, []int{24, 12, 12, 12, 10},
		[]string{"Symbol", "Bid", "Ask", "Last", "Spread"}, rows,
		func(row []string) lipgloss.Style {
			if row[1] == "N/A" && row[2] == "N/A" && row[3] == "N/A" {
				return r.st.muted
			}
			return lipgloss.NewStyle()
		})
	r.Rule(80)
}

// QuoteCard writes the detail view of a single quote.
func (r *Report) QuoteCard(q broker.Quote) {
	r.Title("📈 "+q.Contract.String(), 50)
	if q.IsEmpty() {
		r.Warning("No market data available (market closed or no subscription)")
		r.Rule(50)
		return
	}

	r.Line("%-10s %s", "Bid:", r.price(q.Bid, q.HasBid))
	r.Line("%-10s %s", "Ask:", r.price(q.Ask, q.HasAsk))
	r.Line("%-10s %s", "Last:", r.price(q.Last, q.HasLast))
	if mid, ok := q.Mid(); ok {
		r.Line("%-10s %s", "Mid:", mid.StringFixed(r.pricePlaces(mid)))
	}
	if spread, ok := q.Spread(); ok {
		r.Line("%-10s %s", "Spread:", spread.StringFixed(r.pricePlaces(spread)))
	}
	if q.HasHigh || q.HasLow {
		r.Line("%-10s %s / %s", "High/Low:", r.price(q.High, q.HasHigh), r.price(q.Low, q.HasLow))
	}
	if q.HasClose {
		r.Line("%-10s %s", "Close:", r.price(q.Close, true))
	}
	if q.HasVolume {
		r.Line("%-10s %s", "Volume:", Grouped(q.Volume, 0))
	}
	if !q.UpdatedAt.IsZero() {
		r.Line("%-10s %s", "Updated:", q.UpdatedAt.Format("15:04:05"))
	}
	if q.Delayed {
		r.Warning("Delayed market data")
	}
	r.Rule(50)
}

func (r *Report) statusStyle(status string) lipgloss.Style {
	switch broker.OrderStatus(status) {
	case broker.OrderStatusFilled:
		return r.st.good
	case broker.OrderStatusCancelled, broker.OrderStatusApiCancelled, broker.OrderStatusInactive, persistence.StatusError:
		return r.st.bad
	default:
		return r.st.warn
	}
}

func (r *Report) ticketPrice(t broker.OrderTicket) string {
	switch {
	case t.OrderType == broker.OrderTypeStopLimit:
		return t.StopPrice.StringFixed(r.places) + "/" + t.LimitPrice.StringFixed(r.places)
	case t.OrderType.NeedsLimitPrice():
		return t.LimitPrice.StringFixed(r.places)
	case t.OrderType.NeedsStopPrice():
		return t.StopPrice.StringFixed(r.places)
	default:
		return "MKT"
	}
}

// Orders writes the open or recent broker orders.
func (r *Report) Orders(title string, list []broker.Order) {
	if len(list) == 0 {
		r.Failure("No orders found")
		return
	}

	r.Title(title, 100)
	rows := make([][]string, 0, len(list))
	for _, o := range list {
		rows = append(rows, []string{
			fmt.Sprint(o.OrderID),
			o.Contract.String(),
			string(o.Ticket.Action),
			o.Ticket.Quantity.String(),
			string(o.Ticket.OrderType),
			r.ticketPrice(o.Ticket),
			o.Filled.String(),
			o.Remaining.String(),
			string(o.Status),
		})
	}
	r.table(100, []int{9, 22, 6, 9, 8, 14, 8, 10, 12},
		[]string{"Order ID", "Symbol", "Action", "Quantity", "Type", "Price", "Filled", "Remaining", "Status"},
		rows, func(row []string) lipgloss.Style { return r.statusStyle(row[len(row)-1]) })
	r.Rule(100)
}

// History writes order history records.
func (r *Report) History(records []persistence.OrderRecord) {
	if len(records) == 0 {
		r.Line("📭 No order history found")
		return
	}

	r.Title("📚 ORDER HISTORY", 100)
	rows := make([][]string, 0, len(records))
	for _, o := range records {
		symbol := o.Symbol
		if o.Expiry != "" {
			symbol = fmt.Sprintf("%s %s %s%s", o.Symbol, o.Expiry, o.Strike.String(), o.Right)
		}
		rows = append(rows, []string{
			fmt.Sprint(o.ID),
			o.CreatedAt.Local().Format("2006-01-02 15:04"),
			symbol,
			string(o.Action),
			o.Quantity.String(),
			orders.OrderTypeName(o.OrderType),
			string(o.Status),
			string(o.Instrument),
		})
	}
	r.table(100, []int{5, 17, 22, 5, 9, 17, 14, 10},
		[]string{"ID", "Date", "Symbol", "Act", "Qty", "Type", "Status", "Instrument"},
		rows, func(row []string) lipgloss.Style { return r.statusStyle(row[6]) })
	r.Rule(100)
}

// HistoryDetail writes every field of one history record.
func (r *Report) HistoryDetail(o *persistence.OrderRecord) {
	r.Title(fmt.Sprintf("📄 ORDER #%d", o.ID), 60)
	r.Line("%-14s %s", "Symbol:", o.Symbol)
	r.Line("%-14s %s", "Instrument:", o.Instrument)
	r.Line("%-14s %s %s", "Order:", o.Action, o.Quantity)
	r.Line("%-14s %s", "Type:", orders.OrderTypeName(o.OrderType))
	if o.OrderType.NeedsLimitPrice() {
		r.Line("%-14s %s", "Limit price:", o.LimitPrice)
	}
	if o.OrderType.NeedsStopPrice() {
		r.Line("%-14s %s", "Stop price:", o.StopPrice)
	}
	if o.Expiry != "" {
		r.Line("%-14s %s %s %s", "Option:", o.Expiry, o.Strike, o.Right)
	}
	r.Line("%-14s %s", "Status:", r.statusStyle(string(o.Status)).Render(string(o.Status)))
	if o.Filled.IsPositive() {
		r.Line("%-14s %s @ %s", "Filled:", o.Filled, o.AvgFillPrice)
	}
	if o.BrokerOrderID != 0 {
		r.Line("%-14s %d", "TWS order ID:", o.BrokerOrderID)
	}
	if o.ClonedFrom != 0 {
		r.Line("%-14s #%d", "Cloned from:", o.ClonedFrom)
	}
	if o.Error != "" {
		r.Line("%-14s %s", "Error:", o.Error)
	}
	r.Line("%-14s %s", "Created:", o.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	r.Rule(60)
}

// Statistics writes history counts per dimension.
func (r *Report) Statistics(s *persistence.Statistics) {
	r.Title("📊 ORDER STATISTICS", 50)
	r.Line("🔢 Total Orders: %d", s.TotalOrders)
	for _, section := range []struct {
		name   string
		counts map[string]int
	}{
		{"By instrument", s.Instruments},
		{"By action", s.Actions},
		{"By status", s.Statuses},
		{"By order type", s.OrderTypes},
	} {
		if len(section.counts) == 0 {
			continue
		}
		r.Line("")
		r.Line("%s:", section.name)
		keys := make([]string, 0, len(section.counts))
		for k := range section.counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r.Line("  %-16s %d", k, section.counts[k])
		}
	}
	r.Rule(50)
}

// OrderPreview writes the order about to be sent.
func (r *Report) OrderPreview(req orders.Request, contract broker.Contract, warnings []string) {
	r.Title("📋 ORDER PREVIEW", 60)
	r.Line("%-14s %s (%s)", "Contract:", contract.String(), contract.Exchange)
	r.Line("%-14s %s %s", "Order:", req.Action, req.Quantity)
	r.Line("%-14s %s", "Type:", orders.OrderTypeName(req.OrderType))
	if req.OrderType.NeedsLimitPrice() {
		r.Line("%-14s %s", "Limit price:", req.LimitPrice)
	}
	if req.OrderType.NeedsStopPrice() {
		r.Line("%-14s %s", "Stop price:", req.StopPrice)
	}
	for _, w := range warnings {
		r.Warning(w)
	}
	r.Rule(60)
}

// Counts writes the closing summary of an account report.
func (r *Report) Counts(positions, openOrders int) {
	r.Title("📊 SUMMARY STATISTICS", 50)
	r.Line("🔢 Total Positions: %d", positions)
	r.Line("📋 Open Orders: %d", openOrders)
	r.Rule(50)
}
