// Package types defines shared types used across the IBKR toolkit.
package types

import (
	"fmt"
	"strings"
)

// Action is the direction of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// ParseAction parses BUY/SELL case-insensitively.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return ActionBuy, nil
	case "SELL", "S":
		return ActionSell, nil
	default:
		return "", fmt.Errorf("%w: action %q", ErrInvalidOrder, s)
	}
}

// Opposite returns the closing action.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// InstrumentType is the kind of instrument a user trades.
type InstrumentType string

const (
	InstrumentForex  InstrumentType = "forex"
	InstrumentStock  InstrumentType = "stock"
	InstrumentOption InstrumentType = "option"
)

// ParseInstrumentType parses forex/stock/option.
func ParseInstrumentType(s string) (InstrumentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forex", "fx", "cash":
		return InstrumentForex, nil
	case "stock", "stk":
		return InstrumentStock, nil
	case "option", "opt":
		return InstrumentOption, nil
	default:
		return "", fmt.Errorf("%w: instrument type %q", ErrInvalidSymbol, s)
	}
}

// SecType returns the IB security type code.
func (t InstrumentType) SecType() string {
	switch t {
	case InstrumentForex:
		return "CASH"
	case InstrumentStock:
		return "STK"
	case InstrumentOption:
		return "OPT"
	default:
		return ""
	}
}

// Right is an option right.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// ParseRight parses C/P (or CALL/PUT).
func ParseRight(s string) (Right, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return RightCall, nil
	case "P", "PUT":
		return RightPut, nil
	default:
		return "", fmt.Errorf("%w: option right %q", ErrInvalidOrder, s)
	}
}
