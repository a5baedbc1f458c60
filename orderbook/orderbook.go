// Package orderbook implements the per-symbol central limit order
// book: two btree-backed price ladders holding FIFO queues of resting
// limit orders. The book has no internal locking; the owning matching
// engine is its single writer and reader.
package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/openclob/venue/currency"
	"github.com/openclob/venue/order"
)

// btreeDegree affects node size and cache behaviour for the ladders.
const btreeDegree = 32

// Public errors. The matching engine treats every Validate failure as
// fatal for the symbol.
var (
	ErrOrderNotFound       = errors.New("order not found in book")
	ErrDuplicateOrder      = errors.New("order id already in book")
	ErrCrossedBook         = errors.New("book is crossed")
	ErrLevelQtyMismatch    = errors.New("level aggregate does not match resting quantity")
	ErrFIFOViolated        = errors.New("level orders out of arrival order")
	ErrEmptyLevel          = errors.New("empty price level in book")
	ErrIndexMismatch       = errors.New("order index does not match book contents")
	ErrFillExceedsUnfilled = errors.New("fill exceeds unfilled quantity")

	errMarketNotBookable   = errors.New("market orders cannot rest in the book")
	errUnfilledNotPositive = errors.New("resting order must have positive unfilled quantity")
)

// Level is one price level: a FIFO queue of resting orders plus the
// incrementally maintained sum of their unfilled quantities.
type Level struct {
	Price  decimal.Decimal
	Orders []*order.Order
	Qty    decimal.Decimal
}

// levelItem wraps a Level for btree storage, ordered ascending by
// price.
type levelItem struct {
	price decimal.Decimal
	level *Level
}

// Less implements btree.Item.
func (a *levelItem) Less(b btree.Item) bool {
	return a.price.LessThan(b.(*levelItem).price)
}

// side is one half of the book. desc is true for bids so Best and
// Iterate run highest-first; asks run lowest-first.
type side struct {
	tree *btree.BTree
	desc bool
}

func newSide(desc bool) *side {
	return &side{tree: btree.New(btreeDegree), desc: desc}
}

func (s *side) get(price decimal.Decimal) *Level {
	item := s.tree.Get(&levelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

func (s *side) getOrCreate(price decimal.Decimal) *Level {
	if lvl := s.get(price); lvl != nil {
		return lvl
	}
	lvl := &Level{Price: price}
	s.tree.ReplaceOrInsert(&levelItem{price: price, level: lvl})
	return lvl
}

func (s *side) remove(price decimal.Decimal) {
	s.tree.Delete(&levelItem{price: price})
}

// best returns the top of this side: highest bid or lowest ask.
func (s *side) best() *Level {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

// iterate walks levels best-first until fn returns false.
func (s *side) iterate(fn func(*Level) bool) {
	wrap := func(item btree.Item) bool {
		return fn(item.(*levelItem).level)
	}
	if s.desc {
		s.tree.Descend(wrap)
	} else {
		s.tree.Ascend(wrap)
	}
}

func (s *side) len() int { return s.tree.Len() }

// PriceLevel is an aggregated depth row handed to consumers.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Qty    decimal.Decimal `json:"qty"`
	Orders int             `json:"orders"`
}

// Book is the order book for a single symbol.
type Book struct {
	symbol currency.Pair
	bids   *side
	asks   *side
	byID   map[int64]*order.Order
}

// New returns an empty book for symbol.
func New(symbol currency.Pair) *Book {
	return &Book{
		symbol: symbol,
		bids:   newSide(true),
		asks:   newSide(false),
		byID:   make(map[int64]*order.Order),
	}
}

// Symbol returns the pair this book serves.
func (b *Book) Symbol() currency.Pair { return b.symbol }

// sideFor maps an order side to its ladder.
func (b *Book) sideFor(s order.Side) *side {
	if s == order.Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests a limit order at its price level, preserving arrival
// order within the level.
func (b *Book) Insert(o *order.Order) error {
	if o.Type != order.Limit {
		return errMarketNotBookable
	}
	if !o.Unfilled().IsPositive() {
		return fmt.Errorf("%w: order %d", errUnfilledNotPositive, o.ID)
	}
	if _, ok := b.byID[o.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID)
	}
	lvl := b.sideFor(o.Side).getOrCreate(o.Price)
	lvl.Orders = append(lvl.Orders, o)
	lvl.Qty = lvl.Qty.Add(o.Unfilled())
	b.byID[o.ID] = o
	return nil
}

// Remove deletes a resting order, dropping its level when it empties.
func (b *Book) Remove(o *order.Order) error {
	if o == nil {
		return ErrOrderNotFound
	}
	resting, ok := b.byID[o.ID]
	if !ok || resting != o {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, o.ID)
	}
	s := b.sideFor(o.Side)
	lvl := s.get(o.Price)
	if lvl == nil {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, o.ID)
	}
	for i := range lvl.Orders {
		if lvl.Orders[i].ID != o.ID {
			continue
		}
		lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
		lvl.Qty = lvl.Qty.Sub(o.Unfilled())
		if len(lvl.Orders) == 0 {
			s.remove(lvl.Price)
		}
		delete(b.byID, o.ID)
		return nil
	}
	return fmt.Errorf("%w: %d", ErrOrderNotFound, o.ID)
}

// ApplyFill executes qty against a resting order, keeping the level
// aggregate in step and removing the order once fully filled.
func (b *Book) ApplyFill(o *order.Order, qty decimal.Decimal, at time.Time) error {
	resting, ok := b.byID[o.ID]
	if !ok || resting != o {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, o.ID)
	}
	if qty.GreaterThan(o.Unfilled()) {
		return fmt.Errorf("%w: order %d unfilled %s fill %s",
			ErrFillExceedsUnfilled, o.ID, o.Unfilled(), qty)
	}
	lvl := b.sideFor(o.Side).get(o.Price)
	if lvl == nil {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, o.ID)
	}
	lvl.Qty = lvl.Qty.Sub(qty)
	o.Fill(qty, at)
	if o.Unfilled().IsZero() {
		for i := range lvl.Orders {
			if lvl.Orders[i].ID != o.ID {
				continue
			}
			lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
			break
		}
		if len(lvl.Orders) == 0 {
			b.sideFor(o.Side).remove(lvl.Price)
		}
		delete(b.byID, o.ID)
	}
	return nil
}

// Get returns the resting order with the given id.
func (b *Book) Get(id int64) (*order.Order, bool) {
	o, ok := b.byID[id]
	return o, ok
}

// PeekBest returns the order at the front of the best level for the
// given side, nil when the side is empty.
func (b *Book) PeekBest(s order.Side) *order.Order {
	lvl := b.sideFor(s).best()
	if lvl == nil || len(lvl.Orders) == 0 {
		return nil
	}
	return lvl.Orders[0]
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	lvl := b.bids.best()
	if lvl == nil {
		return decimal.Decimal{}, false
	}
	return lvl.Price, true
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	lvl := b.asks.best()
	if lvl == nil {
		return decimal.Decimal{}, false
	}
	return lvl.Price, true
}

// Depth returns up to topN aggregated levels per side, best-first.
// topN <= 0 returns every level.
func (b *Book) Depth(topN int) (bids, asks []PriceLevel) {
	collect := func(s *side) []PriceLevel {
		out := make([]PriceLevel, 0, topN)
		s.iterate(func(lvl *Level) bool {
			out = append(out, PriceLevel{
				Price:  lvl.Price,
				Qty:    lvl.Qty,
				Orders: len(lvl.Orders),
			})
			return topN <= 0 || len(out) < topN
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// Snapshot is a depth-limited copy of both sides published on every
// book change and consumed by the snapshot/delta publisher.
type Snapshot struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
	At     time.Time    `json:"timestamp"`
}

// Snapshot captures the top levels of both sides.
func (b *Book) Snapshot(topN int, at time.Time) *Snapshot {
	bids, asks := b.Depth(topN)
	return &Snapshot{Symbol: b.symbol.String(), Bids: bids, Asks: asks, At: at}
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.byID) }

// Levels returns the count of distinct price levels per side.
func (b *Book) Levels() (bidLevels, askLevels int) {
	return b.bids.len(), b.asks.len()
}

// Validate checks every structural invariant: the book must not be
// crossed at rest, level aggregates must equal the sum of resting
// unfilled quantities, levels must be non-empty and FIFO ordered, and
// the id index must agree with the ladders. Any error traps the symbol.
func (b *Book) Validate() error {
	if bid, ok := b.BestBid(); ok {
		if ask, ok := b.BestAsk(); ok && bid.GreaterThanOrEqual(ask) {
			return fmt.Errorf("%w: bid %s >= ask %s", ErrCrossedBook, bid, ask)
		}
	}
	indexed := 0
	for _, s := range []*side{b.bids, b.asks} {
		var walkErr error
		s.iterate(func(lvl *Level) bool {
			if len(lvl.Orders) == 0 {
				walkErr = fmt.Errorf("%w: price %s", ErrEmptyLevel, lvl.Price)
				return false
			}
			sum := decimal.Zero
			lastID := int64(0)
			for _, o := range lvl.Orders {
				if o.ID <= lastID {
					walkErr = fmt.Errorf("%w: price %s order %d after %d",
						ErrFIFOViolated, lvl.Price, o.ID, lastID)
					return false
				}
				lastID = o.ID
				if !o.Unfilled().IsPositive() {
					walkErr = fmt.Errorf("%w: order %d", errUnfilledNotPositive, o.ID)
					return false
				}
				if b.byID[o.ID] != o {
					walkErr = fmt.Errorf("%w: order %d", ErrIndexMismatch, o.ID)
					return false
				}
				sum = sum.Add(o.Unfilled())
				indexed++
			}
			if !sum.Equal(lvl.Qty) {
				walkErr = fmt.Errorf("%w: price %s aggregate %s sum %s",
					ErrLevelQtyMismatch, lvl.Price, lvl.Qty, sum)
				return false
			}
			return true
		})
		if walkErr != nil {
			return walkErr
		}
	}
	if indexed != len(b.byID) {
		return fmt.Errorf("%w: %d resting, %d indexed", ErrIndexMismatch, indexed, len(b.byID))
	}
	return nil
}
