package orders

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// Menu numbering used by the interactive order entry.
var orderTypeChoices = []struct {
	Type broker.OrderType
	Name string
}{
	{broker.OrderTypeMarket, "Market Order"},
	{broker.OrderTypeLimit, "Limit Order"},
	{broker.OrderTypeStop, "Stop Order"},
	{broker.OrderTypeStopLimit, "Stop Limit Order"},
}

// OrderTypeFromChoice maps menu choice 1-4 to an order type.
func OrderTypeFromChoice(choice int) (broker.OrderType, error) {
	if choice < 1 || choice > len(orderTypeChoices) {
		return "", fmt.Errorf("%w: order type must be 1 (Market), 2 (Limit), 3 (Stop), or 4 (Stop Limit)", types.ErrInvalidOrder)
	}
	return orderTypeChoices[choice-1].Type, nil
}

// OrderTypeName returns the display name of an order type.
func OrderTypeName(t broker.OrderType) string {
	for _, c := range orderTypeChoices {
		if c.Type == t {
			return c.Name
		}
	}
	return string(t)
}

// ParseOrderType accepts a menu number, an IB code (MKT, LMT, STP, STP LMT)
// or a word (market, limit, stop, stop-limit).
func ParseOrderType(s string) (broker.OrderType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return OrderTypeFromChoice(n)
	}
	switch strings.NewReplacer("-", " ", "_", " ").Replace(s) {
	case "MKT", "MARKET":
		return broker.OrderTypeMarket, nil
	case "LMT", "LIMIT":
		return broker.OrderTypeLimit, nil
	case "STP", "STOP":
		return broker.OrderTypeStop, nil
	case "STP LMT", "STOP LIMIT", "STPLMT":
		return broker.OrderTypeStopLimit, nil
	default:
		return "", fmt.Errorf("%w: unknown order type %q", types.ErrInvalidOrder, s)
	}
}

// Request is an order as entered by a user, before it becomes a contract
// and a ticket.
type Request struct {
	Instrument  types.InstrumentType
	Symbol      string
	Action      types.Action
	Quantity    decimal.Decimal
	OrderType   broker.OrderType
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce string

	// Stock and option routing; empty uses Defaults.
	Exchange string
	Currency string

	// Options only.
	Expiry string // YYYYMMDD
	Strike decimal.Decimal
	Right  types.Right
}

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return types.ErrInvalidOrder.Error() + ": " + strings.Join(msgs, "; ")
}

// Unwrap exposes ErrInvalidOrder and each problem to errors.Is.
func (e *ValidationError) Unwrap() []error {
	return append([]error{types.ErrInvalidOrder}, e.Problems...)
}

// Validate checks the request against limits. Problems are returned together
// as a *ValidationError; warnings are informational.
func (r Request) Validate(limits Limits) (warnings []string, err error) {
	var problems []error

	if err := ValidateSymbol(r.Symbol, r.Instrument); err != nil {
		problems = append(problems, err)
	}
	if r.Action != types.ActionBuy && r.Action != types.ActionSell {
		problems = append(problems, fmt.Errorf("action must be BUY or SELL, got %q", r.Action))
	}
	if err := ValidateQuantity(r.Quantity, r.Instrument, limits); err != nil {
		problems = append(problems, err)
	}

	switch r.OrderType {
	case broker.OrderTypeMarket, broker.OrderTypeLimit, broker.OrderTypeStop, broker.OrderTypeStopLimit:
	default:
		problems = append(problems, fmt.Errorf("unsupported order type %q", r.OrderType))
	}

	if r.OrderType.NeedsLimitPrice() {
		if err := ValidatePrice(r.LimitPrice, "limit", limits); err != nil {
			problems = append(problems, err)
		}
	}
	if r.OrderType.NeedsStopPrice() {
		if err := ValidatePrice(r.StopPrice, "stop", limits); err != nil {
			problems = append(problems, err)
		}
	}

	if r.OrderType.NeedsLimitPrice() && r.LimitPrice.IsPositive() && r.Quantity.IsPositive() {
		value, err := ValidateOrderValue(r.Quantity.Mul(multiplier(r.Instrument)), r.LimitPrice, limits)
		if err != nil {
			problems = append(problems, err)
		} else {
			warnings = append(warnings, fmt.Sprintf("order value: $%s", value.StringFixed(2)))
		}
	}

	if r.OrderType == broker.OrderTypeStopLimit && r.LimitPrice.IsPositive() && r.StopPrice.IsPositive() {
		if r.Action == types.ActionBuy && r.LimitPrice.LessThanOrEqual(r.StopPrice) {
			problems = append(problems, fmt.Errorf("%w: for BUY stop-limit orders, limit price must be higher than stop price", types.ErrInvalidPrice))
		}
		if r.Action == types.ActionSell && r.LimitPrice.GreaterThanOrEqual(r.StopPrice) {
			problems = append(problems, fmt.Errorf("%w: for SELL stop-limit orders, limit price must be lower than stop price", types.ErrInvalidPrice))
		}
	}

	if r.Instrument == types.InstrumentOption {
		problems = append(problems, r.validateOption()...)
	}

	if r.Instrument == types.InstrumentForex && len(problems) == 0 {
		if class, _ := ClassifyForexPair(r.Symbol); class == PairExotic {
			warnings = append(warnings, fmt.Sprintf("exotic currency pair %s, verify availability", strings.ToUpper(r.Symbol)))
		}
	}

	if len(problems) > 0 {
		return warnings, &ValidationError{Problems: problems}
	}
	return warnings, nil
}

func (r Request) validateOption() []error {
	var problems []error
	if _, err := time.Parse("20060102", r.Expiry); err != nil {
		problems = append(problems, fmt.Errorf("%w: option expiry %q must be YYYYMMDD", types.ErrInvalidOrder, r.Expiry))
	}
	if !r.Strike.IsPositive() {
		problems = append(problems, fmt.Errorf("%w: option strike must be positive", types.ErrInvalidPrice))
	}
	if r.Right != types.RightCall && r.Right != types.RightPut {
		problems = append(problems, fmt.Errorf("%w: option right must be C or P", types.ErrInvalidOrder))
	}
	return problems
}

// Options contracts are sized per 100 shares of the underlying.
func multiplier(it types.InstrumentType) decimal.Decimal {
	if it == types.InstrumentOption {
		return decimal.NewFromInt(100)
	}
	return decimal.NewFromInt(1)
}

// Defaults holds per-instrument routing used when a request leaves it empty.
type Defaults struct {
	Exchanges  map[types.InstrumentType]string
	Currencies map[types.InstrumentType]string
}

// DefaultRouting returns SMART for stocks and options, IDEALPRO for forex, USD everywhere.
func DefaultRouting() Defaults {
	return Defaults{
		Exchanges: map[types.InstrumentType]string{
			types.InstrumentStock:  broker.ExchangeSmart,
			types.InstrumentOption: broker.ExchangeSmart,
			types.InstrumentForex:  broker.ExchangeIdealPro,
		},
		Currencies: map[types.InstrumentType]string{
			types.InstrumentStock:  broker.CurrencyUSD,
			types.InstrumentOption: broker.CurrencyUSD,
			types.InstrumentForex:  broker.CurrencyUSD,
		},
	}
}

// Contract builds the broker contract for the request.
func (r Request) Contract(d Defaults) (broker.Contract, error) {
	exchange := r.Exchange
	if exchange == "" {
		exchange = d.Exchanges[r.Instrument]
	}
	currency := r.Currency
	if currency == "" {
		currency = d.Currencies[r.Instrument]
	}

	var c broker.Contract
	switch r.Instrument {
	case types.InstrumentForex:
		// quote currency comes from the pair itself
		fx, err := broker.ForexContract(r.Symbol, exchange)
		if err != nil {
			return broker.Contract{}, err
		}
		c = fx
	case types.InstrumentStock:
		c = broker.StockContract(r.Symbol, exchange, currency)
	case types.InstrumentOption:
		c = broker.OptionContract(r.Symbol, r.Expiry, r.Strike, r.Right, exchange, currency)
	default:
		return broker.Contract{}, fmt.Errorf("%w: unsupported instrument type %q", broker.ErrInvalidContract, r.Instrument)
	}

	if err := c.Validate(); err != nil {
		return broker.Contract{}, err
	}
	return c, nil
}

// Ticket builds the order ticket. Prices not used by the order type are dropped.
func (r Request) Ticket(orderRef string) broker.OrderTicket {
	t := broker.OrderTicket{
		Action:      r.Action,
		Quantity:    r.Quantity,
		OrderType:   r.OrderType,
		TimeInForce: r.TimeInForce,
		OrderRef:    orderRef,
	}
	if r.OrderType.NeedsLimitPrice() {
		t.LimitPrice = r.LimitPrice
	}
	if r.OrderType.NeedsStopPrice() {
		t.StopPrice = r.StopPrice
	}
	return t
}
