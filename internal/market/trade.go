package market

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownSymbol      = errors.New("unknown symbol")
	ErrInvalidQuantity    = errors.New("quantity must be > 0")
	ErrInvalidSide        = errors.New("side must be buy or sell")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	default:
		return "", ErrInvalidSide
	}
}

// Position is a player's holding in one instrument.
type Position struct {
	Shares  int64   `json:"shares"`
	AvgCost float64 `json:"avg_cost"`
}

type Order struct {
	PlayerID string `json:"player_id"`
	Symbol   string `json:"symbol"`
	Side     Side   `json:"side"`
	Quantity int64  `json:"quantity"`
}

func (o Order) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return ErrUnknownSymbol
	}
	if o.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if _, err := ParseSide(string(o.Side)); err != nil {
		return err
	}
	return nil
}

type Fill struct {
	Symbol   string   `json:"symbol"`
	Side     Side     `json:"side"`
	Quantity int64    `json:"quantity"`
	Price    float64  `json:"price"`
	Notional float64  `json:"notional"`
	Cash     float64  `json:"cash"`
	Position Position `json:"position"`
}

// ApplyBuy spends qty*price from cash and folds the purchase into pos at a
// weighted average cost.
func ApplyBuy(cash float64, pos Position, price float64, qty int64) (float64, Position, error) {
	if qty <= 0 {
		return cash, pos, ErrInvalidQuantity
	}
	if price <= 0 {
		return cash, pos, fmt.Errorf("invalid price %.4f", price)
	}
	notional := price * float64(qty)
	if notional > cash {
		return cash, pos, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, notional, cash)
	}
	total := pos.AvgCost*float64(pos.Shares) + notional
	pos.Shares += qty
	pos.AvgCost = total / float64(pos.Shares)
	return cash - notional, pos, nil
}

// ApplySell credits qty*price and reduces the holding; the average cost of
// the remaining shares is unchanged.
func ApplySell(cash float64, pos Position, price float64, qty int64) (float64, Position, error) {
	if qty <= 0 {
		return cash, pos, ErrInvalidQuantity
	}
	if qty > pos.Shares {
		return cash, pos, fmt.Errorf("%w: hold %d, selling %d", ErrInsufficientShares, pos.Shares, qty)
	}
	pos.Shares -= qty
	if pos.Shares == 0 {
		pos.AvgCost = 0
	}
	return cash + price*float64(qty), pos, nil
}

// Execute applies o at price to cash and pos.
func Execute(o Order, cash float64, pos Position, price float64) (Fill, error) {
	if err := o.Validate(); err != nil {
		return Fill{}, err
	}
	var (
		nextCash float64
		nextPos  Position
		err      error
	)
	switch o.Side {
	case Buy:
		nextCash, nextPos, err = ApplyBuy(cash, pos, price, o.Quantity)
	case Sell:
		nextCash, nextPos, err = ApplySell(cash, pos, price, o.Quantity)
	}
	if err != nil {
		return Fill{}, err
	}
	return Fill{
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    price,
		Notional: price * float64(o.Quantity),
		Cash:     nextCash,
		Position: nextPos,
	}, nil
}
