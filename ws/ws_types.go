package ws

import (
	"encoding/json"
	"errors"
	"time"
)

// Connection pacing.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096

	// DefaultQueueSize bounds a client's send queue; overflow marks the
	// client lagged and forces a resubscribe.
	DefaultQueueSize = 1024

	// DefaultRatePerSec and DefaultRateBurst bound inbound client
	// requests.
	DefaultRatePerSec = 5
	DefaultRateBurst  = 10
)

// Client-invocable operations. Names are wire compatible and must not
// change.
const (
	OpSubscribeKLine       = "SubscribeKLineData"
	OpUnsubscribeKLine     = "UnsubscribeKLineData"
	OpSubscribePrice       = "SubscribePriceData"
	OpUnsubscribePrice     = "UnsubscribePriceData"
	OpSubscribeOrderBook   = "SubscribeOrderBook"
	OpUnsubscribeOrderBook = "UnsubscribeOrderBook"
	OpSubscribeTicker      = "SubscribeTicker"
	OpUnsubscribeTicker    = "UnsubscribeTicker"
	OpSubscribeTrades      = "SubscribeTrades"
	OpUnsubscribeTrades    = "UnsubscribeTrades"
)

// Server acknowledgements and error event.
const (
	AckKLineSubscribed       = "KLineSubscribed"
	AckKLineUnsubscribed     = "KLineUnsubscribed"
	AckPriceSubscribed       = "PriceSubscribed"
	AckPriceUnsubscribed     = "PriceUnsubscribed"
	AckOrderBookSubscribed   = "OrderBookSubscribed"
	AckOrderBookUnsubscribed = "OrderBookUnsubscribed"
	AckTickerSubscribed      = "TickerSubscribed"
	AckTickerUnsubscribed    = "TickerUnsubscribed"
	AckTradesSubscribed      = "TradesSubscribed"
	AckTradesUnsubscribed    = "TradesUnsubscribed"

	EventError = "Error"
)

var (
	// ErrHubStopped is returned when the hub no longer accepts clients.
	ErrHubStopped = errors.New("hub already stopped")

	errNilSettings = errors.New("hub settings are nil")
	errNoValidator = errors.New("hub requires a validator when auth is required")
)

// Request is the client to server envelope.
type Request struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Response is the server to client envelope.
type Response struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type klineArgs struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

type priceArgs struct {
	Symbols []string `json:"symbols"`
}

type bookArgs struct {
	Symbol string `json:"symbol"`
	Depth  int    `json:"depth,omitempty"`
}

type symbolArgs struct {
	Symbol string `json:"symbol"`
}
