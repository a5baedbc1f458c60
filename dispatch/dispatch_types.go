package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

// DefaultQueueSize is the per-subscriber event queue capacity used when
// the caller does not supply one.
const DefaultQueueSize = 1024

// Public errors.
var (
	ErrNotRunning       = errors.New("dispatcher not running")
	ErrSubscriberGone   = errors.New("subscriber not found")
	errMuxIsNil         = errors.New("mux is nil")
	errKindInvalid      = errors.New("event kind invalid")
	errNoKinds          = errors.New("at least one event kind required")
	errSymbolEmpty      = errors.New("event symbol is empty")
	errQueueSizeInvalid = errors.New("queue size must be positive")
)

// Kind discriminates bus events. Payload types per kind are documented
// on the producers; consumers type-assert the Payload field.
type Kind uint8

// Event kinds raised across the venue.
const (
	UnknownKind Kind = iota
	OrderAccepted
	OrderCanceled
	OrderFilled
	TradeExecuted
	OrderBookChanged
	TickerUpdated
	CandleUpdated
	DepthRelayed
	TradeRelayed
)

var kindNames = map[Kind]string{
	OrderAccepted:    "ORDER_ACCEPTED",
	OrderCanceled:    "ORDER_CANCELED",
	OrderFilled:      "ORDER_FILLED",
	TradeExecuted:    "TRADE_EXECUTED",
	OrderBookChanged: "ORDER_BOOK_CHANGED",
	TickerUpdated:    "TICKER_UPDATED",
	CandleUpdated:    "CANDLE_UPDATED",
	DepthRelayed:     "DEPTH_RELAYED",
	TradeRelayed:     "TRADE_RELAYED",
}

// String implements the stringer interface.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "UNKNOWN"
}

// valid reports whether k is a declared kind.
func (k Kind) valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Event is the envelope delivered to subscribers. Seq is assigned at
// publish time and is strictly increasing per symbol across all kinds.
// Payload is shared between subscribers and must be treated as
// read-only.
type Event struct {
	Kind    Kind
	Symbol  string
	Seq     int64
	At      time.Time
	Payload interface{}
}

// stream carries per-symbol sequencing state. The mutex spans sequence
// assignment and fan-out so a subscriber always observes ascending
// sequence numbers for one symbol.
type stream struct {
	m   sync.Mutex
	seq int64
}

// subscriber is one bounded delivery queue.
type subscriber struct {
	id     uuid.UUID
	kinds  []Kind
	c      chan Event
	lagged int32
	drops  int64
}

// Dispatcher fans published events out to subscribers. Publishing never
// blocks; a full subscriber queue records a drop and marks the
// subscriber lagged.
type Dispatcher struct {
	m         sync.RWMutex
	routes    map[Kind][]*subscriber
	streams   map[string]*stream
	queueSize int
	running   int32
}

// Mux is the public handle subsystems use to publish and subscribe.
type Mux struct {
	d *Dispatcher
}

// Pipe is a subscriber's receive side. C yields events in publish order
// per symbol until Release is called.
type Pipe struct {
	C   <-chan Event
	id  uuid.UUID
	m   *Mux
	sub *subscriber
}
