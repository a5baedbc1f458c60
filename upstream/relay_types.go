package upstream

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openclob/venue/types"
)

// State is the relay connection lifecycle state.
type State int32

// Relay lifecycle states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

var stateNames = map[State]string{
	Disconnected: "DISCONNECTED",
	Connecting:   "CONNECTING",
	Connected:    "CONNECTED",
	Reconnecting: "RECONNECTING",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Reconnect pacing defaults.
const (
	DefaultBackoff     = 2 * time.Second
	DefaultMaxRetries  = 5
	DefaultCoolDown    = 30 * time.Second
	DefaultDialTimeout = 10 * time.Second
	DefaultDepth       = 5
)

// Upstream channel names.
const (
	channelTicker    = "ticker"
	channelDepth     = "depth"
	channelTrade     = "trade"
	channelKLine     = "kline"
	channelMarkPrice = "markPrice"
	channelError     = "error"
)

var (
	// ErrRelayStopped is returned on lifecycle misuse.
	ErrRelayStopped = errors.New("relay not started")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("relay already started")

	errNilSettings = errors.New("relay settings are nil")
	errNilMux      = errors.New("relay requires a dispatch mux")
	errNoURL       = errors.New("relay requires an upstream url")
	errNoSymbols   = errors.New("relay requires at least one symbol")
)

// subscribeRequest is the frame sent upstream to open a channel.
type subscribeRequest struct {
	Op       string `json:"op"`
	Channel  string `json:"channel"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval,omitempty"`
	Depth    int    `json:"depth,omitempty"`
}

// wsLevel is one [price, qty] depth row on the wire.
type wsLevel [2]decimal.Decimal

// wsEnvelope carries the fields shared by every upstream frame; the
// channel field is sniffed before the concrete struct is decoded.
type wsEnvelope struct {
	Channel  string `json:"channel"`
	Symbol   string `json:"symbol"`
	Snapshot bool   `json:"snapshot,omitempty"`
}

type wsTickerMessage struct {
	wsEnvelope
	Data struct {
		Last          decimal.Decimal `json:"last"`
		Bid           decimal.Decimal `json:"bid"`
		Ask           decimal.Decimal `json:"ask"`
		High24h       decimal.Decimal `json:"high24h"`
		Low24h        decimal.Decimal `json:"low24h"`
		Volume24h     decimal.Decimal `json:"volume24h"`
		ChangePercent decimal.Decimal `json:"changePercent"`
		Timestamp     types.Time      `json:"timestamp"`
	} `json:"data"`
}

type wsDepthMessage struct {
	wsEnvelope
	Data struct {
		Bids      []wsLevel  `json:"bids"`
		Asks      []wsLevel  `json:"asks"`
		Timestamp types.Time `json:"timestamp"`
	} `json:"data"`
}

type wsTradeMessage struct {
	wsEnvelope
	Data struct {
		ID        int64           `json:"id"`
		Price     decimal.Decimal `json:"price"`
		Qty       decimal.Decimal `json:"quantity"`
		Side      string          `json:"side"`
		Timestamp types.Time      `json:"timestamp"`
	} `json:"data"`
}

type wsKLineMessage struct {
	wsEnvelope
	Data struct {
		Interval  string          `json:"interval"`
		OpenTime  types.Time      `json:"openTime"`
		CloseTime types.Time      `json:"closeTime"`
		Open      decimal.Decimal `json:"open"`
		High      decimal.Decimal `json:"high"`
		Low       decimal.Decimal `json:"low"`
		Close     decimal.Decimal `json:"close"`
		Volume    decimal.Decimal `json:"volume"`
		Closed    bool            `json:"closed"`
	} `json:"data"`
}

type wsMarkPriceMessage struct {
	wsEnvelope
	Data struct {
		Price     decimal.Decimal `json:"price"`
		Timestamp types.Time      `json:"timestamp"`
	} `json:"data"`
}

// wsErrorMessage reports upstream rejections; Unsupported names a
// channel the server will never serve on this connection.
type wsErrorMessage struct {
	wsEnvelope
	Message     string `json:"message"`
	Unsupported string `json:"unsupported,omitempty"`
}

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// intervalDuration maps an interval label to its bucket width,
// defaulting to one minute for unknown labels.
func intervalDuration(interval string) time.Duration {
	if d, ok := intervalDurations[interval]; ok {
		return d
	}
	return time.Minute
}
