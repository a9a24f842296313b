package alerting

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionSummary contains the statistics reported when a session ends.
type SessionSummary struct {
	Started        time.Time
	Ended          time.Time
	StartingNetLiq decimal.Decimal
	EndingNetLiq   decimal.Decimal
	TotalPL        decimal.Decimal
	ReturnPct      decimal.Decimal

	OrdersSubmitted int
	OrdersFilled    int
	OrdersCancelled int
	OrdersRejected  int
	FillRate        decimal.Decimal
	OpenOrders      int
}

// NewSessionSummary creates a session summary from the provided data. A zero
// starting net liquidation leaves P/L and return unset.
func NewSessionSummary(
	started, ended time.Time,
	startNetLiq, endNetLiq decimal.Decimal,
	submitted, filled, cancelled, rejected int,
	openOrders int,
) SessionSummary {
	var totalPL, returnPct decimal.Decimal
	if !startNetLiq.IsZero() && !endNetLiq.IsZero() {
		totalPL = endNetLiq.Sub(startNetLiq)
		returnPct = totalPL.Div(startNetLiq).Mul(decimal.NewFromInt(100))
	}

	var fillRate decimal.Decimal
	if submitted > 0 {
		fillRate = decimal.NewFromInt(int64(filled)).
			Div(decimal.NewFromInt(int64(submitted))).
			Mul(decimal.NewFromInt(100))
	}

	return SessionSummary{
		Started:         started,
		Ended:           ended,
		StartingNetLiq:  startNetLiq,
		EndingNetLiq:    endNetLiq,
		TotalPL:         totalPL,
		ReturnPct:       returnPct,
		OrdersSubmitted: submitted,
		OrdersFilled:    filled,
		OrdersCancelled: cancelled,
		OrdersRejected:  rejected,
		FillRate:        fillRate,
		OpenOrders:      openOrders,
	}
}

// Duration returns how long the session lasted.
func (s SessionSummary) Duration() time.Duration {
	return s.Ended.Sub(s.Started)
}

// Fields returns the summary as alert key-value pairs.
func (s SessionSummary) Fields() []any {
	fields := []any{
		"duration", s.Duration().Round(time.Second).String(),
		"orders_submitted", s.OrdersSubmitted,
		"orders_filled", s.OrdersFilled,
		"orders_cancelled", s.OrdersCancelled,
		"orders_rejected", s.OrdersRejected,
		"open_orders", s.OpenOrders,
	}
	if s.OrdersSubmitted > 0 {
		fields = append(fields, "fill_rate", s.FillRate.StringFixed(1)+"%")
	}
	if !s.StartingNetLiq.IsZero() && !s.EndingNetLiq.IsZero() {
		fields = append(fields,
			"net_liquidation", s.EndingNetLiq.StringFixed(2),
			"pl", s.TotalPL.StringFixed(2),
			"return", s.ReturnPct.StringFixed(2)+"%",
		)
	}
	return fields
}
