// Package order defines the order, trade and trading-pair domain types
// shared by the matching engine, ledger and transports.
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openclob/venue/currency"
)

// Validation errors returned when a submission cannot be accepted.
var (
	ErrSubmissionIsNil            = errors.New("order submission is nil")
	ErrPairIsEmpty                = errors.New("order currency pair is empty")
	ErrSideIsInvalid              = errors.New("order side is invalid")
	ErrTypeIsInvalid              = errors.New("order type is invalid")
	ErrAmountIsInvalid            = errors.New("order quantity must be positive")
	ErrAmountOffTick              = errors.New("order quantity is not a multiple of the quantity tick")
	ErrAmountBelowMinimum         = errors.New("order quantity is below the symbol minimum")
	ErrAmountAboveMaximum         = errors.New("order quantity is above the symbol maximum")
	ErrPriceMustBeSetIfLimitOrder = errors.New("price must be set for a limit order")
	ErrPriceIsInvalid             = errors.New("order price must be positive")
	ErrPriceOffTick               = errors.New("order price is not a multiple of the price tick")
	ErrPriceSetOnMarketOrder      = errors.New("price must not be set for a market order")
	ErrSymbolNotActive            = errors.New("trading pair is not active")
	ErrTickIsInvalid              = errors.New("symbol tick sizes must be positive")
)

// Side is the direction of an order.
type Side string

// Order sides.
const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide converts a wire string into a Side.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "BID":
		return Buy, nil
	case "SELL", "ASK":
		return Sell, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrSideIsInvalid, s)
	}
}

// String implements the stringer interface.
func (s Side) String() string { return string(s) }

// Lower returns the side lower case string.
func (s Side) Lower() string { return strings.ToLower(string(s)) }

// Opposite returns the opposing side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Type is the execution style of an order.
type Type string

// Order types.
const (
	Limit  Type = "LIMIT"
	Market Type = "MARKET"
)

// ParseType converts a wire string into a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIMIT":
		return Limit, nil
	case "MARKET":
		return Market, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrTypeIsInvalid, s)
	}
}

// String implements the stringer interface.
func (t Type) String() string { return string(t) }

// Lower returns the type lower case string.
func (t Type) Lower() string { return strings.ToLower(string(t)) }

// Status is the lifecycle state of an order.
type Status string

// Order statuses. An order enters Pending on submission, becomes Active
// once resting, and finishes in exactly one of the terminal states.
const (
	Pending         Status = "PENDING"
	Active          Status = "ACTIVE"
	PartiallyFilled Status = "PARTIALLY_FILLED"
	Filled          Status = "FILLED"
	Canceled        Status = "CANCELED"
	Rejected        Status = "REJECTED"
)

// String implements the stringer interface.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == Filled || s == Canceled || s == Rejected
}

// CancelReason records why an order left the book before filling.
type CancelReason string

// Cancellation reasons.
const (
	ReasonUserRequested CancelReason = "USER_REQUESTED"
	ReasonSelfTrade     CancelReason = "SELF_TRADE"
	ReasonNoLiquidity   CancelReason = "NO_LIQUIDITY"
)

// TradingPair is the immutable instrument definition for one symbol.
// Changing it requires restarting the symbol's engine.
type TradingPair struct {
	Symbol    currency.Pair   `json:"symbol"`
	PriceTick decimal.Decimal `json:"priceTick"`
	QtyTick   decimal.Decimal `json:"qtyTick"`
	MinQty    decimal.Decimal `json:"minQty"`
	MaxQty    decimal.Decimal `json:"maxQty"`
	Active    bool            `json:"active"`
}

// Validate checks the instrument definition is usable.
func (tp *TradingPair) Validate() error {
	if tp.Symbol.IsEmpty() {
		return ErrPairIsEmpty
	}
	if !tp.PriceTick.IsPositive() || !tp.QtyTick.IsPositive() {
		return fmt.Errorf("%w: %s", ErrTickIsInvalid, tp.Symbol)
	}
	if tp.MinQty.IsNegative() || (tp.MaxQty.IsPositive() && tp.MaxQty.LessThan(tp.MinQty)) {
		return fmt.Errorf("%w: min %s max %s", ErrAmountIsInvalid, tp.MinQty, tp.MaxQty)
	}
	return nil
}

// onTick reports whether v sits on the tick grid.
func onTick(v, tick decimal.Decimal) bool {
	return v.Mod(tick).IsZero()
}

// Submit is an inbound order request prior to acceptance.
type Submit struct {
	ClientOrderID string
	UserID        int64
	Symbol        currency.Pair
	Side          Side
	Type          Type
	Price         decimal.Decimal
	Qty           decimal.Decimal
}

// Validate checks the submission against the instrument definition.
// It performs no state changes; failures map to a Validation rejection.
func (s *Submit) Validate(tp *TradingPair) error {
	if s == nil {
		return ErrSubmissionIsNil
	}
	if s.Symbol.IsEmpty() {
		return ErrPairIsEmpty
	}
	if tp == nil || !tp.Active {
		return fmt.Errorf("%w: %s", ErrSymbolNotActive, s.Symbol)
	}
	if s.Side != Buy && s.Side != Sell {
		return ErrSideIsInvalid
	}
	if s.Type != Limit && s.Type != Market {
		return ErrTypeIsInvalid
	}
	if !s.Qty.IsPositive() {
		return ErrAmountIsInvalid
	}
	if !onTick(s.Qty, tp.QtyTick) {
		return fmt.Errorf("%w: qty %s tick %s", ErrAmountOffTick, s.Qty, tp.QtyTick)
	}
	if tp.MinQty.IsPositive() && s.Qty.LessThan(tp.MinQty) {
		return fmt.Errorf("%w: qty %s min %s", ErrAmountBelowMinimum, s.Qty, tp.MinQty)
	}
	if tp.MaxQty.IsPositive() && s.Qty.GreaterThan(tp.MaxQty) {
		return fmt.Errorf("%w: qty %s max %s", ErrAmountAboveMaximum, s.Qty, tp.MaxQty)
	}
	switch s.Type {
	case Limit:
		if s.Price.IsZero() {
			return ErrPriceMustBeSetIfLimitOrder
		}
		if !s.Price.IsPositive() {
			return ErrPriceIsInvalid
		}
		if !onTick(s.Price, tp.PriceTick) {
			return fmt.Errorf("%w: price %s tick %s", ErrPriceOffTick, s.Price, tp.PriceTick)
		}
	case Market:
		if !s.Price.IsZero() {
			return ErrPriceSetOnMarketOrder
		}
	}
	return nil
}

// Order is a live or historical venue order. The matching engine owns
// all mutation; other components treat instances as read-only copies.
type Order struct {
	ID            int64           `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	UserID        int64           `json:"userId"`
	Symbol        currency.Pair   `json:"symbol"`
	Side          Side            `json:"side"`
	Type          Type            `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filledQuantity"`
	Status        Status          `json:"status"`
	Reason        CancelReason    `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Unfilled returns the remaining open quantity.
func (o *Order) Unfilled() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool { return o.Status.IsTerminal() }

// Fill applies an execution of qty at the given time and advances the
// status. Callers guarantee qty ≤ Unfilled().
func (o *Order) Fill(qty decimal.Decimal, at time.Time) {
	o.FilledQty = o.FilledQty.Add(qty)
	if o.FilledQty.GreaterThanOrEqual(o.Qty) {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	o.UpdatedAt = at
}

// Copy returns a detached value copy safe to hand to subscribers.
func (o *Order) Copy() Order { return *o }

// Trade is an immutable execution record between two orders.
type Trade struct {
	ID          int64           `json:"id"`
	Symbol      currency.Pair   `json:"symbol"`
	BuyOrderID  int64           `json:"buyOrderId"`
	SellOrderID int64           `json:"sellOrderId"`
	BuyerID     int64           `json:"buyerId"`
	SellerID    int64           `json:"sellerId"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"quantity"`
	TakerSide   Side            `json:"takerSide"`
	ExecutedAt  time.Time       `json:"executedAt"`
}
