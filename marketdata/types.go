package marketdata

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/openclob/venue/order"
)

// Server-initiated event names, normative for wire compatibility.
const (
	EventKLineUpdate     = "KLineUpdate"
	EventPriceUpdate     = "PriceUpdate"
	EventOrderBookData   = "OrderBookData"
	EventOrderBookUpdate = "OrderBookUpdate"
	EventTradeUpdate     = "TradeUpdate"
	EventLastTradeAndMid = "LastTradeAndMid"
)

// TopicPrice returns the price stream topic for a symbol.
func TopicPrice(symbol string) string { return "price:" + symbol }

// TopicOrderBook returns the depth stream topic for a symbol.
func TopicOrderBook(symbol string) string { return "orderbook:" + symbol }

// TopicKLine returns the candle stream topic for a symbol and interval.
func TopicKLine(symbol, interval string) string { return "kline:" + symbol + ":" + interval }

// TopicTrades returns the public trade stream topic for a symbol.
func TopicTrades(symbol string) string { return "trades:" + symbol }

// TopicTicker returns the 24h ticker stream topic for a symbol.
func TopicTicker(symbol string) string { return "ticker:" + symbol }

// Fabric is the realtime push surface the publisher feeds. Push must
// never block the caller.
type Fabric interface {
	Push(topic, event string, payload interface{})
}

// Ticker is the normalized per-symbol price summary pushed as
// PriceUpdate and LastTradeAndMid payloads.
type Ticker struct {
	Symbol        string          `json:"symbol"`
	LastPrice     decimal.Decimal `json:"lastPrice"`
	BestBid       decimal.Decimal `json:"bestBid"`
	BestAsk       decimal.Decimal `json:"bestAsk"`
	Mid           decimal.Decimal `json:"mid"`
	High24h       decimal.Decimal `json:"high24h"`
	Low24h        decimal.Decimal `json:"low24h"`
	Volume24h     decimal.Decimal `json:"volume24h"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	At            time.Time       `json:"timestamp"`
}

// Candle is one kline bucket, open or closed.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	OpenTime  time.Time       `json:"openTime"`
	CloseTime time.Time       `json:"closeTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"`
}

// KLinePush is the KLineUpdate payload: the candle plus whether it
// opens a new bucket.
type KLinePush struct {
	Symbol     string  `json:"symbol"`
	Interval   string  `json:"interval"`
	KLine      *Candle `json:"kline"`
	IsNewKLine bool    `json:"isNewKLine"`
}

// PublicTrade is the externally visible execution record.
type PublicTrade struct {
	ID     int64           `json:"id"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Qty    decimal.Decimal `json:"quantity"`
	Side   order.Side      `json:"side"`
	At     time.Time       `json:"timestamp"`
}

// FromTrade converts a venue execution into its public shape. The
// reported side is the taker side.
func FromTrade(t *order.Trade) *PublicTrade {
	return &PublicTrade{
		ID:     t.ID,
		Symbol: t.Symbol.String(),
		Price:  t.Price,
		Qty:    t.Qty,
		Side:   t.TakerSide,
		At:     t.ExecutedAt,
	}
}

// Level is one aggregated price level in a depth payload.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"amount"`
}

// Depth is the normalized depth shape relayed from upstream. Snapshot
// marks a full rebuild rather than an incremental update.
type Depth struct {
	Symbol   string    `json:"symbol"`
	Bids     []Level   `json:"bids"`
	Asks     []Level   `json:"asks"`
	At       time.Time `json:"timestamp"`
	Snapshot bool      `json:"snapshot,omitempty"`
}

// TotalLevel extends a level with the cumulative quantity from the top
// of its side, the REST and OrderBookData row shape.
type TotalLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"amount"`
	Total decimal.Decimal `json:"total"`
}

// DepthSnapshot is the OrderBookData payload: the full top-N book with
// running totals.
type DepthSnapshot struct {
	Symbol string       `json:"symbol"`
	Bids   []TotalLevel `json:"bids"`
	Asks   []TotalLevel `json:"asks"`
	At     time.Time    `json:"timestamp"`
}

// DepthDelta is the OrderBookUpdate payload: changed levels only, with
// zero quantity marking a deletion.
type DepthDelta struct {
	Symbol string    `json:"symbol"`
	Bids   []Level   `json:"bids"`
	Asks   []Level   `json:"asks"`
	At     time.Time `json:"timestamp"`
}

// withTotals decorates one side with cumulative quantities.
func withTotals(side []Level) []TotalLevel {
	out := make([]TotalLevel, len(side))
	running := decimal.Zero
	for i := range side {
		running = running.Add(side[i].Qty)
		out[i] = TotalLevel{Price: side[i].Price, Qty: side[i].Qty, Total: running}
	}
	return out
}
