package matching

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/openclob/venue/dispatch"
	"github.com/openclob/venue/ledger"
	"github.com/openclob/venue/order"
	"github.com/openclob/venue/orderbook"
)

const (
	// DefaultQueueSize bounds the inbound request queue per engine.
	DefaultQueueSize = 10000

	// DefaultTerminalCap bounds the in-memory archive of completed
	// orders per engine.
	DefaultTerminalCap = 8192
)

// Public errors surfaced on the request path.
var (
	ErrEngineStopped   = errors.New("matching engine stopped")
	ErrAlreadyStarted  = errors.New("matching engine already started")
	ErrSymbolHalted    = errors.New("symbol is halted")
	ErrOrderNotFound   = errors.New("order not found")
	ErrAlreadyTerminal = errors.New("order already terminal")
	ErrNoLiquidity     = errors.New("no liquidity available")

	errNilSettings = errors.New("settings is nil")
	errNilPair     = errors.New("trading pair is nil")
	errNilLedger   = errors.New("ledger is nil")
	errNilMux      = errors.New("mux is nil")
	errNilTrades   = errors.New("trade sequence is nil")
	errNilOrders   = errors.New("order sequence is nil")
)

// TradeSequence issues venue-wide monotonic trade ids. A single
// instance is shared by every engine in the process.
type TradeSequence struct {
	n int64
}

// NewTradeSequence returns a sequence continuing after seed.
func NewTradeSequence(seed int64) *TradeSequence {
	return &TradeSequence{n: seed}
}

func (t *TradeSequence) next() int64 {
	return atomic.AddInt64(&t.n, 1)
}

// Current returns the last issued trade id.
func (t *TradeSequence) Current() int64 {
	return atomic.LoadInt64(&t.n)
}

// OrderSequence issues venue-wide monotonic order ids. Ids are unique
// across symbols so an id alone is enough to address an order. A
// single instance is shared by every engine in the process.
type OrderSequence struct {
	n int64
}

// NewOrderSequence returns a sequence continuing after seed.
func NewOrderSequence(seed int64) *OrderSequence {
	return &OrderSequence{n: seed}
}

func (o *OrderSequence) next() int64 {
	return atomic.AddInt64(&o.n, 1)
}

// Current returns the last issued order id.
func (o *OrderSequence) Current() int64 {
	return atomic.LoadInt64(&o.n)
}

// Settings configures one symbol's engine.
type Settings struct {
	Pair        *order.TradingPair
	Ledger      *ledger.Ledger
	Mux         *dispatch.Mux
	Trades      *TradeSequence
	Orders      *OrderSequence
	QueueSize   int  // inbound request queue, DefaultQueueSize when zero
	DepthLevels int  // levels carried on each book-changed event
	TerminalCap int  // completed orders retained, DefaultTerminalCap when zero
	VerifyBook  bool // run full book validation after every request
}

type requestKind uint8

const (
	reqPlace requestKind = iota + 1
	reqCancel
	reqDepth
	reqStatus
)

// request is one unit of work for the engine goroutine.
type request struct {
	kind    requestKind
	submit  *order.Submit
	userID  int64
	orderID int64
	depthN  int
	respC   chan response
}

// response carries the result back to the caller.
type response struct {
	order  order.Order
	trades []order.Trade
	bids   []orderbook.PriceLevel
	asks   []orderbook.PriceLevel
	err    error
}

// Engine is the single-writer matching engine for one symbol. All book
// and order mutation happens on its run goroutine; callers communicate
// over the bounded request queue.
type Engine struct {
	pair        *order.TradingPair
	symbol      string
	book        *orderbook.Book
	ledger      *ledger.Ledger
	mux         *dispatch.Mux
	trades      *TradeSequence
	orders      *OrderSequence
	requests    chan *request
	shutdown    chan struct{}
	wg          sync.WaitGroup
	started     int32
	halted      int32
	haltCause   atomic.Value // string
	depthLevels int
	verifyBook  bool

	// mu orders commits against Stop. Senders hold the read side from
	// the running check through the queue send and Stop closes shutdown
	// under the write side, so no request can land in the queue after
	// the run goroutine has drained it and exited.
	mu sync.RWMutex

	// terminal retains final copies of completed orders so repeat
	// cancels answer AlreadyTerminal and status probes keep working
	// after an order leaves the book. Retention is capped on a
	// first-in first-out basis; evicted ids read as not found.
	terminal    map[int64]order.Order
	terminalIDs []int64
	terminalCap int
}

// Result bundles a committed order with the trades it produced, as
// returned to the request path.
type Result struct {
	Order  order.Order
	Trades []order.Trade
}
