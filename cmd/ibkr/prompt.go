package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/orders"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// errCancelled is reported when the user declines to submit.
var errCancelled = errors.New("order cancelled by user")

// orderPrompter walks the user through an order on the terminal, using the
// current request values as defaults.
type orderPrompter struct {
	limits orders.Limits

	// defaultQty resets the quantity when the instrument changes. Optional.
	defaultQty func(types.InstrumentType) decimal.Decimal
}

func (p orderPrompter) text(label, def string, validate promptui.ValidateFunc) (string, error) {
	prompt := promptui.Prompt{
		Label:     label,
		Default:   def,
		AllowEdit: def != "",
		Validate:  validate,
	}
	s, err := prompt.Run()
	return strings.TrimSpace(s), err
}

func (p orderPrompter) choose(label string, items []string, current string) (int, error) {
	sel := promptui.Select{
		Label:     label,
		Items:     items,
		CursorPos: max(slices.Index(items, current), 0),
	}
	i, _, err := sel.Run()
	return i, err
}

func (p orderPrompter) decimal(label string, def decimal.Decimal, check func(decimal.Decimal) error) (decimal.Decimal, error) {
	defText := ""
	if !def.IsZero() {
		defText = def.String()
	}
	s, err := p.text(label, defText, func(s string) error {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("%q is not a number", s)
		}
		return check(d)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.RequireFromString(s), nil
}

// confirm asks a yes/no question. No is not an error.
func (p orderPrompter) confirm(label string) (bool, error) {
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	_, err := prompt.Run()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, promptui.ErrAbort):
		return false, nil
	default:
		return false, err
	}
}

// fill prompts for every order field. askContract is false when cloning,
// where the instrument is fixed.
func (p orderPrompter) fill(req *orders.Request, askContract bool) error {
	if askContract {
		instruments := []string{string(types.InstrumentStock), string(types.InstrumentForex), string(types.InstrumentOption)}
		i, err := p.choose("Instrument", instruments, string(req.Instrument))
		if err != nil {
			return err
		}
		if chosen := types.InstrumentType(instruments[i]); chosen != req.Instrument {
			req.Instrument = chosen
			if p.defaultQty != nil {
				req.Quantity = p.defaultQty(chosen)
			}
		}
		if req.Instrument != types.InstrumentOption {
			req.Expiry, req.Strike, req.Right = "", decimal.Zero, ""
		}
	}

	symbol, err := p.text("Symbol", req.Symbol, func(s string) error {
		return orders.ValidateSymbol(s, req.Instrument)
	})
	if err != nil {
		return err
	}
	req.Symbol = strings.ToUpper(symbol)

	if askContract && req.Instrument == types.InstrumentOption {
		if err := p.fillOption(req); err != nil {
			return err
		}
	}

	actions := []string{string(types.ActionBuy), string(types.ActionSell)}
	i, err := p.choose("Action", actions, string(req.Action))
	if err != nil {
		return err
	}
	req.Action = types.Action(actions[i])

	req.Quantity, err = p.decimal("Quantity", req.Quantity, func(q decimal.Decimal) error {
		return orders.ValidateQuantity(q, req.Instrument, p.limits)
	})
	if err != nil {
		return err
	}

	var typeNames []string
	var typeList []broker.OrderType
	for n := 1; ; n++ {
		t, err := orders.OrderTypeFromChoice(n)
		if err != nil {
			break
		}
		typeList = append(typeList, t)
		typeNames = append(typeNames, fmt.Sprintf("%d. %s", n, orders.OrderTypeName(t)))
	}
	cur := slices.Index(typeList, req.OrderType)
	current := ""
	if cur >= 0 {
		current = typeNames[cur]
	}
	i, err = p.choose("Order type", typeNames, current)
	if err != nil {
		return err
	}
	req.OrderType = typeList[i]

	if req.OrderType.NeedsStopPrice() {
		req.StopPrice, err = p.decimal("Stop price", req.StopPrice, func(d decimal.Decimal) error {
			return orders.ValidatePrice(d, "stop", p.limits)
		})
		if err != nil {
			return err
		}
	}
	if req.OrderType.NeedsLimitPrice() {
		req.LimitPrice, err = p.decimal("Limit price", req.LimitPrice, func(d decimal.Decimal) error {
			return orders.ValidatePrice(d, "limit", p.limits)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p orderPrompter) fillOption(req *orders.Request) error {
	expiry := req.Expiry
	if expiry == "" {
		expiry = broker.NextMonthlyOptionExpiry(time.Now())
	}
	expiry, err := p.text("Expiry (YYYYMMDD)", expiry, func(s string) error {
		if _, err := time.Parse("20060102", strings.TrimSpace(s)); err != nil {
			return fmt.Errorf("expiry must be YYYYMMDD")
		}
		return nil
	})
	if err != nil {
		return err
	}
	req.Expiry = expiry

	req.Strike, err = p.decimal("Strike", req.Strike, func(d decimal.Decimal) error {
		return orders.ValidatePrice(d, "strike", p.limits)
	})
	if err != nil {
		return err
	}

	rights := []string{string(types.RightCall), string(types.RightPut)}
	i, err := p.choose("Right", rights, string(req.Right))
	if err != nil {
		return err
	}
	req.Right = types.Right(rights[i])
	return nil
}
