// Package orders validates order requests and turns them into broker tickets.
package orders

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// Limits holds the pre-trade risk limits.
type Limits struct {
	MaxOrderValue   decimal.Decimal // quantity * limit price, in account currency
	MaxPositionSize decimal.Decimal // units per order
	MaxPrice        decimal.Decimal // per unit
	ForexMinQty     decimal.Decimal
	ForexMaxQty     decimal.Decimal
}

// DefaultLimits returns the conservative limits used for paper trading.
func DefaultLimits() Limits {
	return Limits{
		MaxOrderValue:   decimal.NewFromInt(50_000),
		MaxPositionSize: decimal.NewFromInt(100_000),
		MaxPrice:        decimal.NewFromInt(1_000_000),
		ForexMinQty:     decimal.NewFromInt(1_000),
		ForexMaxQty:     decimal.NewFromInt(10_000_000),
	}
}

// ValidateSymbol checks the symbol format for an instrument type.
func ValidateSymbol(symbol string, it types.InstrumentType) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("%w: symbol must not be empty", types.ErrInvalidSymbol)
	}

	switch it {
	case types.InstrumentForex:
		if len(symbol) != 6 {
			return fmt.Errorf("%w: forex symbols must be exactly 6 characters (e.g. EURUSD)", types.ErrInvalidSymbol)
		}
		if !isLetters(symbol) {
			return fmt.Errorf("%w: forex symbols must contain only letters", types.ErrInvalidSymbol)
		}
	case types.InstrumentStock:
		if len(symbol) > 5 {
			return fmt.Errorf("%w: stock symbols must be 1-5 characters", types.ErrInvalidSymbol)
		}
		if !isLetters(symbol) {
			return fmt.Errorf("%w: stock symbols must contain only letters", types.ErrInvalidSymbol)
		}
	case types.InstrumentOption:
		if len(symbol) > 5 {
			return fmt.Errorf("%w: option underlying symbols must be 1-5 characters", types.ErrInvalidSymbol)
		}
	default:
		return fmt.Errorf("%w: unknown instrument type %q", types.ErrInvalidSymbol, it)
	}
	return nil
}

func isLetters(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// ValidateQuantity checks size rules. Stocks and options trade whole units;
// forex trades between the configured minimum and maximum.
func ValidateQuantity(qty decimal.Decimal, it types.InstrumentType, limits Limits) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", types.ErrInvalidOrderSize)
	}
	if qty.GreaterThan(limits.MaxPositionSize) {
		return fmt.Errorf("%w: quantity exceeds maximum position size of %s", types.ErrInvalidOrderSize, limits.MaxPositionSize)
	}

	switch it {
	case types.InstrumentForex:
		if qty.LessThan(limits.ForexMinQty) {
			return fmt.Errorf("%w: forex minimum quantity is %s", types.ErrInvalidOrderSize, limits.ForexMinQty)
		}
		if qty.GreaterThan(limits.ForexMaxQty) {
			return fmt.Errorf("%w: forex maximum quantity is %s", types.ErrInvalidOrderSize, limits.ForexMaxQty)
		}
	case types.InstrumentStock, types.InstrumentOption:
		if !qty.Equal(qty.Truncate(0)) {
			return fmt.Errorf("%w: %s quantity must be a whole number", types.ErrInvalidOrderSize, it)
		}
	}
	return nil
}

// ValidatePrice checks that a limit or stop price is positive and sane.
// kind names the price in the error ("limit", "stop").
func ValidatePrice(price decimal.Decimal, kind string, limits Limits) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s price must be positive", types.ErrInvalidPrice, kind)
	}
	if price.GreaterThan(limits.MaxPrice) {
		return fmt.Errorf("%w: %s price %s is unreasonably high", types.ErrInvalidPrice, kind, price)
	}
	return nil
}

// ValidateOrderValue checks quantity * price against the order value limit
// and returns the computed value.
func ValidateOrderValue(qty, price decimal.Decimal, limits Limits) (decimal.Decimal, error) {
	value := qty.Mul(price)
	if value.GreaterThan(limits.MaxOrderValue) {
		return value, fmt.Errorf("%w: order value $%s exceeds limit of $%s",
			types.ErrOrderValueLimit, value.StringFixed(2), limits.MaxOrderValue.StringFixed(2))
	}
	return value, nil
}

// PairClass classifies a currency pair by liquidity.
type PairClass string

const (
	PairMajor  PairClass = "major"
	PairCross  PairClass = "cross"
	PairExotic PairClass = "exotic"
)

var (
	majorPairs = map[string]bool{
		"EURUSD": true, "USDJPY": true, "GBPUSD": true, "USDCHF": true,
		"AUDUSD": true, "USDCAD": true, "NZDUSD": true, "USDSGD": true,
	}
	crossPairs = map[string]bool{
		"EURGBP": true, "EURJPY": true, "GBPJPY": true, "EURCHF": true, "GBPCHF": true,
		"EURAUD": true, "GBPAUD": true, "AUDCHF": true, "AUDJPY": true, "CHFJPY": true,
	}
)

// ClassifyForexPair validates a pair and reports whether it is a major,
// a cross, or anything else (exotic, availability should be verified).
func ClassifyForexPair(pair string) (PairClass, error) {
	if err := ValidateSymbol(pair, types.InstrumentForex); err != nil {
		return "", err
	}
	pair = strings.ToUpper(strings.TrimSpace(pair))
	switch {
	case majorPairs[pair]:
		return PairMajor, nil
	case crossPairs[pair]:
		return PairCross, nil
	default:
		return PairExotic, nil
	}
}
