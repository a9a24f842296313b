package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// Default routing for each instrument type.
const (
	ExchangeSmart    = "SMART"
	ExchangeIdealPro = "IDEALPRO"
	CurrencyUSD      = "USD"
)

// Contract represents a tradeable contract.
type Contract struct {
	ConID        int64
	Symbol       string
	SecType      string // STK, CASH, OPT
	Expiry       string // YYYYMMDD for options
	Strike       decimal.Decimal
	Right        types.Right
	Multiplier   string
	Exchange     string
	Currency     string
	LocalSymbol  string
	TradingClass string
}

// String renders the contract the way it is shown to users.
func (c Contract) String() string {
	switch c.SecType {
	case "OPT":
		return fmt.Sprintf("%s_%s_%s_%s", c.Symbol, c.Expiry, c.Strike.String(), c.Right)
	case "CASH":
		return c.Symbol + c.Currency
	default:
		return c.Symbol
	}
}

// Validate checks the fields TWS requires for a contract lookup.
func (c Contract) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidContract)
	}
	switch c.SecType {
	case "STK", "CASH":
	case "OPT":
		if c.Expiry == "" || c.Right == "" || !c.Strike.IsPositive() {
			return fmt.Errorf("%w: option requires expiry, strike and right", ErrInvalidContract)
		}
	default:
		return fmt.Errorf("%w: unsupported sec type %q", ErrInvalidContract, c.SecType)
	}
	if c.Exchange == "" {
		return fmt.Errorf("%w: missing exchange", ErrInvalidContract)
	}
	return nil
}

// StockContract returns a stock contract. Empty exchange/currency use SMART/USD.
func StockContract(symbol, exchange, currency string) Contract {
	if exchange == "" {
		exchange = ExchangeSmart
	}
	if currency == "" {
		currency = CurrencyUSD
	}
	return Contract{
		Symbol:   strings.ToUpper(symbol),
		SecType:  "STK",
		Exchange: exchange,
		Currency: currency,
	}
}

// ForexContract returns a cash contract for a six-letter pair such as USDSGD.
func ForexContract(pair, exchange string) (Contract, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if len(pair) != 6 {
		return Contract{}, fmt.Errorf("%w: forex pair %q must be 6 characters", ErrInvalidContract, pair)
	}
	if exchange == "" {
		exchange = ExchangeIdealPro
	}
	return Contract{
		Symbol:   pair[:3],
		SecType:  "CASH",
		Exchange: exchange,
		Currency: pair[3:],
	}, nil
}

// OptionContract returns an equity option contract with a 100 multiplier.
func OptionContract(symbol, expiry string, strike decimal.Decimal, right types.Right, exchange, currency string) Contract {
	if exchange == "" {
		exchange = ExchangeSmart
	}
	if currency == "" {
		currency = CurrencyUSD
	}
	symbol = strings.ToUpper(symbol)
	return Contract{
		Symbol:       symbol,
		SecType:      "OPT",
		Expiry:       expiry,
		Strike:       strike,
		Right:        right,
		Multiplier:   "100",
		Exchange:     exchange,
		Currency:     currency,
		TradingClass: symbol,
	}
}

// ThirdFriday returns the third Friday of the month, the usual monthly options expiry.
func ThirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)

	daysUntilFriday := (time.Friday - first.Weekday() + 7) % 7
	firstFriday := first.AddDate(0, 0, int(daysUntilFriday))

	return firstFriday.AddDate(0, 0, 14)
}

// MonthlyOptionExpiry returns the monthly expiry in YYYYMMDD format.
func MonthlyOptionExpiry(year int, month time.Month) string {
	return ThirdFriday(year, month).Format("20060102")
}

// NextMonthlyOptionExpiry returns the first monthly expiry on or after now.
func NextMonthlyOptionExpiry(now time.Time) string {
	year, month := now.Year(), now.Month()
	today := time.Date(year, month, now.Day(), 0, 0, 0, 0, time.UTC)
	if ThirdFriday(year, month).Before(today) {
		next := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
		year, month = next.Year(), next.Month()
	}
	return MonthlyOptionExpiry(year, month)
}
