// Package marketdata turns raw book, trade, ticker and candle events
// into deduplicated, throttled pushes for the realtime fabric, and
// caches the latest payload per topic for subscribe-time replay.
package marketdata

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/openclob/venue/dispatch"
	"github.com/openclob/venue/metrics"
	"github.com/openclob/venue/order"
	"github.com/openclob/venue/orderbook"
)

// Defaults for publisher pacing and replay retention.
const (
	DefaultBookWindow      = 250 * time.Millisecond
	DefaultTickerWindow    = time.Second
	DefaultCandleWindow    = 1500 * time.Millisecond
	DefaultSnapshotEvery   = 3 * time.Second
	DefaultFlushResolution = 50 * time.Millisecond
	DefaultCacheTTL        = 10 * time.Minute
	DefaultCacheSweep      = 15 * time.Minute
)

var (
	// ErrPublisherStopped is returned on lifecycle misuse.
	ErrPublisherStopped = errors.New("publisher not started")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("publisher already started")

	errNilSettings = errors.New("publisher settings are nil")
	errNilMux      = errors.New("publisher requires a dispatch mux")
	errNilFabric   = errors.New("publisher requires a fabric")
)

// Settings configures a Publisher. Zero durations fall back to the
// package defaults.
type Settings struct {
	Mux              *dispatch.Mux
	Fabric           Fabric
	Tracker          *Tracker
	BookWindow       time.Duration
	TickerWindow     time.Duration
	CandleWindow     time.Duration
	SnapshotInterval time.Duration
	FlushResolution  time.Duration
	CacheTTL         time.Duration
	CacheSweep       time.Duration
}

type replayEntry struct {
	event   string
	payload interface{}
}

// bookState is the per-symbol depth pacing state. Owned by the run
// goroutine.
type bookState struct {
	lastPushedBids  []Level
	lastPushedAsks  []Level
	lastFingerprint string
	lastPush        time.Time
	lastSnapshot    time.Time

	pendingBids []Level
	pendingAsks []Level
	pendingAt   time.Time
	pendingFP   string
	has         bool
	force       bool
}

type tickerState struct {
	lastPush time.Time
	dirty    bool
}

type candleState struct {
	lastPush       time.Time
	lastPushedOpen time.Time
	pending        *Candle
}

// Publisher consumes dispatch events on a single goroutine and feeds
// the fabric.
type Publisher struct {
	mux    *dispatch.Mux
	fabric Fabric
	// Tracker is shared with the REST layer for recent-trade reads.
	Tracker *Tracker

	bookWindow       time.Duration
	tickerWindow     time.Duration
	candleWindow     time.Duration
	snapshotInterval time.Duration
	flushEvery       time.Duration

	cache *cache.Cache

	pipe      dispatch.Pipe
	books     map[string]*bookState
	tickers   map[string]*tickerState
	candles   map[string]*candleState
	lastDrops int64

	started  int32
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Setup validates the settings and returns a publisher ready to start.
func Setup(s *Settings) (*Publisher, error) {
	if s == nil {
		return nil, errNilSettings
	}
	if s.Mux == nil {
		return nil, errNilMux
	}
	if s.Fabric == nil {
		return nil, errNilFabric
	}
	tracker := s.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}
	or := func(d, def time.Duration) time.Duration {
		if d <= 0 {
			return def
		}
		return d
	}
	return &Publisher{
		mux:              s.Mux,
		fabric:           s.Fabric,
		Tracker:          tracker,
		bookWindow:       or(s.BookWindow, DefaultBookWindow),
		tickerWindow:     or(s.TickerWindow, DefaultTickerWindow),
		candleWindow:     or(s.CandleWindow, DefaultCandleWindow),
		snapshotInterval: or(s.SnapshotInterval, DefaultSnapshotEvery),
		flushEvery:       or(s.FlushResolution, DefaultFlushResolution),
		cache:            cache.New(or(s.CacheTTL, DefaultCacheTTL), or(s.CacheSweep, DefaultCacheSweep)),
		books:            make(map[string]*bookState),
		tickers:          make(map[string]*tickerState),
		candles:          make(map[string]*candleState),
	}, nil
}

// Start subscribes to the bus and launches the pacing goroutine.
func (p *Publisher) Start() error {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return ErrAlreadyStarted
	}
	pipe, err := p.mux.Subscribe(
		dispatch.OrderBookChanged,
		dispatch.TradeExecuted,
		dispatch.TickerUpdated,
		dispatch.CandleUpdated,
		dispatch.DepthRelayed,
		dispatch.TradeRelayed,
	)
	if err != nil {
		atomic.StoreInt32(&p.started, 0)
		return fmt.Errorf("publisher subscribe: %w", err)
	}
	p.pipe = pipe
	p.shutdown = make(chan struct{})
	p.wg.Add(1)
	go p.run()
	log.Info().Dur("bookWindow", p.bookWindow).Dur("snapshotInterval", p.snapshotInterval).
		Msg("marketdata publisher started")
	return nil
}

// Stop halts the pacing goroutine and releases the bus pipe.
func (p *Publisher) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.started, 1, 0) {
		return ErrPublisherStopped
	}
	close(p.shutdown)
	p.wg.Wait()
	if err := p.pipe.Release(); err != nil {
		log.Error().Err(err).Msg("publisher pipe release failed")
	}
	log.Info().Msg("marketdata publisher stopped")
	return nil
}

// Replay returns the cached last payload for a topic, if any, for
// subscribe-time delivery.
func (p *Publisher) Replay(topic string) (event string, payload interface{}, ok bool) {
	v, found := p.cache.Get(topic)
	if !found {
		return "", nil, false
	}
	entry, ok := v.(*replayEntry)
	if !ok {
		return "", nil, false
	}
	return entry.event, entry.payload, true
}

func (p *Publisher) run() {
	defer p.wg.Done()
	flush := time.NewTicker(p.flushEvery)
	defer flush.Stop()
	for {
		select {
		case e := <-p.pipe.C:
			p.checkLag()
			p.handle(&e)
		case now := <-flush.C:
			p.checkLag()
			p.flush(now.UTC())
		case <-p.shutdown:
			return
		}
	}
}

// checkLag forces full snapshots after the bus dropped deliveries for
// this pipe, since intermediate deltas are unrecoverable.
func (p *Publisher) checkLag() {
	if !p.pipe.TakeLagged() {
		return
	}
	drops := p.pipe.Drops()
	metrics.BusDrops.WithLabelValues("publisher").Add(float64(drops - p.lastDrops))
	p.lastDrops = drops
	for _, b := range p.books {
		b.force = true
	}
	log.Warn().Int64("drops", drops).Msg("publisher lagged, forcing snapshots")
}

func (p *Publisher) handle(e *dispatch.Event) {
	now := time.Now().UTC()
	switch e.Kind {
	case dispatch.OrderBookChanged:
		snap, ok := e.Payload.(*orderbook.Snapshot)
		if !ok {
			log.Debug().Str("symbol", e.Symbol).Msg("unexpected book payload")
			return
		}
		bids, asks := fromBookSnapshot(snap)
		p.onBook(e.Symbol, bids, asks, snap.At, false, now)
		p.feedTopOfBook(e.Symbol, bids, asks, now)
	case dispatch.DepthRelayed:
		d, ok := e.Payload.(*Depth)
		if !ok {
			log.Debug().Str("symbol", e.Symbol).Msg("unexpected depth payload")
			return
		}
		p.onBook(e.Symbol, d.Bids, d.Asks, d.At, d.Snapshot, now)
		p.feedTopOfBook(e.Symbol, d.Bids, d.Asks, now)
	case dispatch.TradeExecuted:
		tr, ok := e.Payload.(*order.Trade)
		if !ok {
			log.Debug().Str("symbol", e.Symbol).Msg("unexpected trade payload")
			return
		}
		pt := FromTrade(tr)
		p.Tracker.ApplyTrade(pt)
		p.pushTrade(pt)
		p.touchTicker(e.Symbol, now)
	case dispatch.TradeRelayed:
		pt, ok := e.Payload.(*PublicTrade)
		if !ok {
			log.Debug().Str("symbol", e.Symbol).Msg("unexpected relayed trade payload")
			return
		}
		p.pushTrade(pt)
	case dispatch.TickerUpdated:
		tk, ok := e.Payload.(*Ticker)
		if !ok {
			log.Debug().Str("symbol", e.Symbol).Msg("unexpected ticker payload")
			return
		}
		p.Tracker.MergeUpstream(tk)
		p.touchTicker(e.Symbol, now)
	case dispatch.CandleUpdated:
		c, ok := e.Payload.(*Candle)
		if !ok {
			log.Debug().Str("symbol", e.Symbol).Msg("unexpected candle payload")
			return
		}
		p.onCandle(c, now)
	}
}

func (p *Publisher) flush(now time.Time) {
	for sym, b := range p.books {
		if b.has && now.Sub(b.lastPush) >= p.bookWindow {
			p.pushBook(sym, b, now)
		}
	}
	for sym, ts := range p.tickers {
		if ts.dirty && now.Sub(ts.lastPush) >= p.tickerWindow {
			p.pushTicker(sym, ts, now)
		}
	}
	for _, cs := range p.candles {
		if cs.pending != nil && now.Sub(cs.lastPush) >= p.candleWindow {
			p.pushCandle(cs, cs.pending, now)
		}
	}
}

func (p *Publisher) bookState(symbol string) *bookState {
	b, ok := p.books[symbol]
	if !ok {
		b = &bookState{}
		p.books[symbol] = b
	}
	return b
}

// onBook stages a depth update and pushes immediately once outside the
// throttle window. The latest update always replaces the staging, so a
// book that returns to the already-pushed state cancels any staged
// intermediate instead of letting the flush resurrect it.
func (p *Publisher) onBook(symbol string, bids, asks []Level, at time.Time, force bool, now time.Time) {
	b := p.bookState(symbol)
	if force {
		b.force = true
	}
	b.pendingBids, b.pendingAsks = bids, asks
	b.pendingAt, b.pendingFP = at, fingerprint(bids, asks)
	b.has = true
	switch {
	case now.Sub(b.lastPush) >= p.bookWindow:
		p.pushBook(symbol, b, now)
	case b.pendingFP == b.lastFingerprint && !b.force:
		b.has = false
		metrics.PushesSuppressed.WithLabelValues("orderbook", "dedup").Inc()
	default:
		metrics.PushesSuppressed.WithLabelValues("orderbook", "throttle").Inc()
	}
}

func (p *Publisher) pushBook(symbol string, b *bookState, now time.Time) {
	if b.pendingFP == b.lastFingerprint && !b.force {
		// Nothing changed against the already-pushed state.
		metrics.PushesSuppressed.WithLabelValues("orderbook", "dedup").Inc()
		b.has = false
		return
	}

	topic := TopicOrderBook(symbol)
	snapPayload := &DepthSnapshot{
		Symbol: symbol,
		Bids:   withTotals(b.pendingBids),
		Asks:   withTotals(b.pendingAsks),
		At:     b.pendingAt,
	}

	snapshot := b.lastSnapshot.IsZero() || now.Sub(b.lastSnapshot) > p.snapshotInterval || b.force
	if snapshot {
		p.fabric.Push(topic, EventOrderBookData, snapPayload)
		b.lastSnapshot = now
		metrics.PushesSent.WithLabelValues("orderbook_snapshot").Inc()
	} else {
		delta := &DepthDelta{
			Symbol: symbol,
			Bids:   diffSide(b.lastPushedBids, b.pendingBids),
			Asks:   diffSide(b.lastPushedAsks, b.pendingAsks),
			At:     b.pendingAt,
		}
		p.fabric.Push(topic, EventOrderBookUpdate, delta)
		metrics.PushesSent.WithLabelValues("orderbook_delta").Inc()
	}

	// Replay always serves a full snapshot regardless of what was
	// pushed live.
	p.cache.Set(topic, &replayEntry{event: EventOrderBookData, payload: snapPayload}, cache.DefaultExpiration)

	b.lastPushedBids, b.lastPushedAsks = b.pendingBids, b.pendingAsks
	b.lastFingerprint = b.pendingFP
	b.lastPush = now
	b.has = false
	b.force = false
}

// feedTopOfBook keeps the ticker tracker's best bid/ask current and
// marks the symbol's ticker dirty.
func (p *Publisher) feedTopOfBook(symbol string, bids, asks []Level, now time.Time) {
	var bestBid, bestAsk decimal.Decimal
	if len(bids) > 0 {
		bestBid = bids[0].Price
	}
	if len(asks) > 0 {
		bestAsk = asks[0].Price
	}
	p.Tracker.SetTopOfBook(symbol, bestBid, bestAsk)
	p.touchTicker(symbol, now)
}

func (p *Publisher) touchTicker(symbol string, now time.Time) {
	ts, ok := p.tickers[symbol]
	if !ok {
		ts = &tickerState{}
		p.tickers[symbol] = ts
	}
	ts.dirty = true
	if now.Sub(ts.lastPush) >= p.tickerWindow {
		p.pushTicker(symbol, ts, now)
	}
}

func (p *Publisher) pushTicker(symbol string, ts *tickerState, now time.Time) {
	tk := p.Tracker.Snapshot(symbol, now)
	p.fabric.Push(TopicPrice(symbol), EventPriceUpdate, tk)
	p.fabric.Push(TopicTicker(symbol), EventLastTradeAndMid, tk)
	p.cache.Set(TopicPrice(symbol), &replayEntry{event: EventPriceUpdate, payload: tk}, cache.DefaultExpiration)
	p.cache.Set(TopicTicker(symbol), &replayEntry{event: EventLastTradeAndMid, payload: tk}, cache.DefaultExpiration)
	metrics.PushesSent.WithLabelValues("price").Inc()
	metrics.PushesSent.WithLabelValues("ticker").Inc()
	ts.lastPush = now
	ts.dirty = false
}

// pushTrade forwards a public trade unthrottled.
func (p *Publisher) pushTrade(pt *PublicTrade) {
	p.fabric.Push(TopicTrades(pt.Symbol), EventTradeUpdate, pt)
	metrics.PushesSent.WithLabelValues("trade").Inc()
}

func (p *Publisher) onCandle(c *Candle, now time.Time) {
	key := c.Symbol + ":" + c.Interval
	cs, ok := p.candles[key]
	if !ok {
		cs = &candleState{}
		p.candles[key] = cs
	}
	if c.Closed {
		// Closed buckets always go out.
		p.pushCandle(cs, c, now)
		return
	}
	cs.pending = c
	if now.Sub(cs.lastPush) >= p.candleWindow {
		p.pushCandle(cs, c, now)
	} else {
		metrics.PushesSuppressed.WithLabelValues("kline", "throttle").Inc()
	}
}

func (p *Publisher) pushCandle(cs *candleState, c *Candle, now time.Time) {
	payload := &KLinePush{
		Symbol:     c.Symbol,
		Interval:   c.Interval,
		KLine:      c,
		IsNewKLine: !c.OpenTime.Equal(cs.lastPushedOpen),
	}
	topic := TopicKLine(c.Symbol, c.Interval)
	p.fabric.Push(topic, EventKLineUpdate, payload)
	p.cache.Set(topic, &replayEntry{event: EventKLineUpdate, payload: payload}, cache.DefaultExpiration)
	metrics.PushesSent.WithLabelValues("kline").Inc()
	cs.lastPushedOpen = c.OpenTime
	cs.lastPush = now
	cs.pending = nil
}

func fromBookSnapshot(s *orderbook.Snapshot) (bids, asks []Level) {
	bids = make([]Level, len(s.Bids))
	for i := range s.Bids {
		bids[i] = Level{Price: s.Bids[i].Price, Qty: s.Bids[i].Qty}
	}
	asks = make([]Level, len(s.Asks))
	for i := range s.Asks {
		asks[i] = Level{Price: s.Asks[i].Price, Qty: s.Asks[i].Qty}
	}
	return bids, asks
}

// fingerprint builds the stable dedup key for a top-N book: price|qty
// pairs per level, sides separated.
func fingerprint(bids, asks []Level) string {
	var sb strings.Builder
	for i := range bids {
		sb.WriteString(bids[i].Price.String())
		sb.WriteByte('|')
		sb.WriteString(bids[i].Qty.String())
		sb.WriteByte(';')
	}
	sb.WriteByte('#')
	for i := range asks {
		sb.WriteString(asks[i].Price.String())
		sb.WriteByte('|')
		sb.WriteString(asks[i].Qty.String())
		sb.WriteByte(';')
	}
	return sb.String()
}

// diffSide returns the levels of next that differ from prev plus
// zero-quantity rows for levels that disappeared.
func diffSide(prev, next []Level) []Level {
	prevQty := make(map[string]decimal.Decimal, len(prev))
	for i := range prev {
		prevQty[prev[i].Price.String()] = prev[i].Qty
	}
	nextSeen := make(map[string]struct{}, len(next))
	var out []Level
	for i := range next {
		key := next[i].Price.String()
		nextSeen[key] = struct{}{}
		if q, ok := prevQty[key]; !ok || !q.Equal(next[i].Qty) {
			out = append(out, next[i])
		}
	}
	for i := range prev {
		if _, ok := nextSeen[prev[i].Price.String()]; !ok {
			out = append(out, Level{Price: prev[i].Price, Qty: decimal.Zero})
		}
	}
	return out
}
