package orders

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		symbol  string
		it      types.InstrumentType
		wantErr bool
	}{
		{"EURUSD", types.InstrumentForex, false},
		{"usdsgd", types.InstrumentForex, false},
		{"EURUS", types.InstrumentForex, true},
		{"EUR1SD", types.InstrumentForex, true},
		{"AAPL", types.InstrumentStock, false},
		{"GOOGLE", types.InstrumentStock, true},
		{"BRK.B", types.InstrumentStock, true},
		{"NVDA", types.InstrumentOption, false},
		{"", types.InstrumentStock, true},
		{"AAPL", types.InstrumentType("bond"), true},
	}

	for _, tt := range tests {
		t.Run(string(tt.it)+"/"+tt.symbol, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol, tt.it)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSymbol() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, types.ErrInvalidSymbol) {
				t.Errorf("expected ErrInvalidSymbol, got %v", err)
			}
		})
	}
}

func TestValidateQuantity(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name    string
		qty     string
		it      types.InstrumentType
		wantErr string
	}{
		{"forex ok", "10000", types.InstrumentForex, ""},
		{"forex below minimum", "999", types.InstrumentForex, "minimum"},
		{"above position size", "100001", types.InstrumentForex, "maximum position size"},
		{"stock ok", "100", types.InstrumentStock, ""},
		{"stock fractional", "10.5", types.InstrumentStock, "whole number"},
		{"option ok", "1", types.InstrumentOption, ""},
		{"zero", "0", types.InstrumentStock, "positive"},
		{"negative", "-5", types.InstrumentOption, "positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuantity(d(tt.qty), tt.it, limits)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateQuantity() error = %v", err)
				}
				return
			}
			if !errors.Is(err, types.ErrInvalidOrderSize) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateQuantity() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateQuantity_ForexMaximum(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositionSize = d("100000000")

	err := ValidateQuantity(d("10000001"), types.InstrumentForex, limits)
	if err == nil || !strings.Contains(err.Error(), "forex maximum") {
		t.Errorf("expected forex maximum error, got %v", err)
	}
}

func TestValidatePrice(t *testing.T) {
	limits := DefaultLimits()

	if err := ValidatePrice(d("1.0850"), "limit", limits); err != nil {
		t.Errorf("valid price: %v", err)
	}
	if err := ValidatePrice(decimal.Zero, "stop", limits); !errors.Is(err, types.ErrInvalidPrice) || !strings.Contains(err.Error(), "stop price") {
		t.Errorf("zero price error = %v", err)
	}
	if err := ValidatePrice(d("1000000.01"), "limit", limits); !errors.Is(err, types.ErrInvalidPrice) {
		t.Errorf("huge price error = %v", err)
	}
}

func TestValidateOrderValue(t *testing.T) {
	limits := DefaultLimits()

	value, err := ValidateOrderValue(d("100"), d("190.5"), limits)
	if err != nil || !value.Equal(d("19050")) {
		t.Errorf("ValidateOrderValue() = %s, %v", value, err)
	}

	_, err = ValidateOrderValue(d("1000"), d("50.01"), limits)
	if !errors.Is(err, types.ErrOrderValueLimit) {
		t.Fatalf("expected ErrOrderValueLimit, got %v", err)
	}
	if !strings.Contains(err.Error(), "$50010.00 exceeds limit of $50000.00") {
		t.Errorf("unexpected message %q", err)
	}
}

func TestClassifyForexPair(t *testing.T) {
	tests := []struct {
		pair string
		want PairClass
	}{
		{"EURUSD", PairMajor},
		{"usdsgd", PairMajor},
		{"EURGBP", PairCross},
		{"CHFJPY", PairCross},
		{"USDTRY", PairExotic},
	}

	for _, tt := range tests {
		got, err := ClassifyForexPair(tt.pair)
		if err != nil || got != tt.want {
			t.Errorf("ClassifyForexPair(%s) = %s, %v; want %s", tt.pair, got, err, tt.want)
		}
	}

	if _, err := ClassifyForexPair("EUR"); err == nil {
		t.Error("expected error for short pair")
	}
}

func TestOrderTypeChoices(t *testing.T) {
	want := []broker.OrderType{broker.OrderTypeMarket, broker.OrderTypeLimit, broker.OrderTypeStop, broker.OrderTypeStopLimit}
	for i, w := range want {
		got, err := OrderTypeFromChoice(i + 1)
		if err != nil || got != w {
			t.Errorf("OrderTypeFromChoice(%d) = %s, %v", i+1, got, err)
		}
	}
	for _, bad := range []int{0, 5} {
		if _, err := OrderTypeFromChoice(bad); !errors.Is(err, types.ErrInvalidOrder) {
			t.Errorf("OrderTypeFromChoice(%d) error = %v", bad, err)
		}
	}

	if OrderTypeName(broker.OrderTypeStopLimit) != "Stop Limit Order" {
		t.Errorf("OrderTypeName() = %s", OrderTypeName(broker.OrderTypeStopLimit))
	}
}

func TestParseOrderType(t *testing.T) {
	tests := map[string]broker.OrderType{
		"2":          broker.OrderTypeLimit,
		"mkt":        broker.OrderTypeMarket,
		"Limit":      broker.OrderTypeLimit,
		"stop":       broker.OrderTypeStop,
		"stop-limit": broker.OrderTypeStopLimit,
		"STP LMT":    broker.OrderTypeStopLimit,
	}
	for in, want := range tests {
		got, err := ParseOrderType(in)
		if err != nil || got != want {
			t.Errorf("ParseOrderType(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseOrderType("trailing"); err == nil {
		t.Error("expected error for unknown order type")
	}
}

func validStock() Request {
	return Request{
		Instrument: types.InstrumentStock,
		Symbol:     "AAPL",
		Action:     types.ActionBuy,
		Quantity:   d("100"),
		OrderType:  broker.OrderTypeLimit,
		LimitPrice: d("190"),
	}
}

func TestRequest_Validate(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name     string
		modify   func(r *Request)
		wantErrs []string
		wantIs   error
	}{
		{"valid limit", func(r *Request) {}, nil, nil},
		{"market needs no price", func(r *Request) { r.OrderType = broker.OrderTypeMarket; r.LimitPrice = decimal.Zero }, nil, nil},
		{"bad action", func(r *Request) { r.Action = "HOLD" }, []string{"action must be BUY or SELL"}, types.ErrInvalidOrder},
		{"missing limit price", func(r *Request) { r.LimitPrice = decimal.Zero }, []string{"limit price must be positive"}, types.ErrInvalidPrice},
		{"order value too high", func(r *Request) { r.Quantity = d("1000") }, []string{"exceeds limit"}, types.ErrOrderValueLimit},
		{
			"buy stop limit below stop",
			func(r *Request) { r.OrderType = broker.OrderTypeStopLimit; r.StopPrice = d("195") },
			[]string{"limit price must be higher than stop price"}, types.ErrInvalidPrice,
		},
		{
			"sell stop limit above stop",
			func(r *Request) {
				r.Action = types.ActionSell
				r.OrderType = broker.OrderTypeStopLimit
				r.StopPrice = d("185")
			},
			[]string{"limit price must be lower than stop price"}, types.ErrInvalidPrice,
		},
		{
			"several problems aggregate",
			func(r *Request) { r.Symbol = "TOOLONG"; r.Quantity = d("1.5") },
			[]string{"1-5 characters", "whole number"}, types.ErrInvalidSymbol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validStock()
			tt.modify(&r)

			_, err := r.Validate(limits)
			if len(tt.wantErrs) == 0 {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if !errors.Is(err, types.ErrInvalidOrder) || !errors.Is(err, tt.wantIs) {
				t.Errorf("errors.Is failed for %v", err)
			}
			if len(verr.Problems) != len(tt.wantErrs) {
				t.Errorf("got %d problems, want %d: %v", len(verr.Problems), len(tt.wantErrs), err)
			}
			for _, want := range tt.wantErrs {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q missing %q", err, want)
				}
			}
		})
	}
}

func TestRequest_ValidateWarnings(t *testing.T) {
	limits := DefaultLimits()

	warnings, err := validStock().Validate(limits)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(warnings) != 1 || warnings[0] != "order value: $19000.00" {
		t.Errorf("warnings = %v", warnings)
	}

	fx := Request{Instrument: types.InstrumentForex, Symbol: "USDTRY", Action: types.ActionSell, Quantity: d("20000"), OrderType: broker.OrderTypeMarket}
	warnings, err = fx.Validate(limits)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "exotic") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestRequest_ValidateOption(t *testing.T) {
	opt := Request{
		Instrument: types.InstrumentOption,
		Symbol:     "NVDA",
		Action:     types.ActionBuy,
		Quantity:   d("2"),
		OrderType:  broker.OrderTypeLimit,
		LimitPrice: d("5.20"),
		Expiry:     "20250919",
		Strike:     d("130"),
		Right:      types.RightCall,
	}

	warnings, err := opt.Validate(DefaultLimits())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	// 2 contracts * 100 * 5.20
	if len(warnings) != 1 || warnings[0] != "order value: $1040.00" {
		t.Errorf("warnings = %v", warnings)
	}

	opt.Expiry = "2025-09-19"
	opt.Right = ""
	_, err = opt.Validate(DefaultLimits())
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Problems) != 2 {
		t.Errorf("expected expiry and right problems, got %v", err)
	}
}

func TestRequest_Contract(t *testing.T) {
	routing := DefaultRouting()

	tests := []struct {
		name    string
		req     Request
		want    string
		secType string
		exch    string
		ccy     string
	}{
		{"stock", Request{Instrument: types.InstrumentStock, Symbol: "aapl"}, "AAPL", "STK", "SMART", "USD"},
		{"stock routed", Request{Instrument: types.InstrumentStock, Symbol: "SHOP", Exchange: "TSE", Currency: "CAD"}, "SHOP", "STK", "TSE", "CAD"},
		{"forex", Request{Instrument: types.InstrumentForex, Symbol: "USDSGD"}, "USDSGD", "CASH", "IDEALPRO", "SGD"},
		{
			"option",
			Request{Instrument: types.InstrumentOption, Symbol: "NVDA", Expiry: "20250919", Strike: d("130"), Right: types.RightCall},
			"NVDA_20250919_130_C", "OPT", "SMART", "USD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.req.Contract(routing)
			if err != nil {
				t.Fatalf("Contract() error = %v", err)
			}
			if c.String() != tt.want || c.SecType != tt.secType || c.Exchange != tt.exch || c.Currency != tt.ccy {
				t.Errorf("Contract() = %+v", c)
			}
		})
	}

	if _, err := (Request{Instrument: types.InstrumentForex, Symbol: "EUR"}).Contract(routing); !errors.Is(err, broker.ErrInvalidContract) {
		t.Errorf("expected ErrInvalidContract, got %v", err)
	}
}

func TestRequest_Ticket(t *testing.T) {
	r := validStock()
	r.StopPrice = d("180") // ignored by a limit order

	ticket := r.Ticket("ref-42")
	if ticket.OrderRef != "ref-42" || ticket.OrderType != broker.OrderTypeLimit {
		t.Errorf("ticket = %+v", ticket)
	}
	if !ticket.LimitPrice.Equal(d("190")) || !ticket.StopPrice.IsZero() {
		t.Errorf("prices = %s/%s", ticket.LimitPrice, ticket.StopPrice)
	}
	if err := ticket.Validate(); err != nil {
		t.Errorf("ticket should validate: %v", err)
	}
}
