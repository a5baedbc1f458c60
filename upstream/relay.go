// Package upstream maintains the market-data relay: a resilient
// websocket client that normalizes upstream ticker, depth, trade and
// candle streams onto the venue event bus. The relay is informational
// fanout only; it never touches books or balances.
package upstream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/openclob/venue/dispatch"
	"github.com/openclob/venue/marketdata"
	"github.com/openclob/venue/metrics"
	"github.com/openclob/venue/order"
)

// Settings configures a Relay.
type Settings struct {
	Mux         *dispatch.Mux
	URL         string
	BusinessURL string
	Symbols     []string
	Intervals   []string
	Depth       int
	Backoff     time.Duration
	MaxRetries  int
	CoolDown    time.Duration
	DialTimeout time.Duration
}

// Relay owns the upstream connections and the per-symbol depth
// mirrors.
type Relay struct {
	mux         *dispatch.Mux
	url         string
	businessURL string
	symbols     []string
	intervals   []string
	depth       int
	backoff     time.Duration
	maxRetries  int
	coolDown    time.Duration

	dialer  websocket.Dialer
	breaker *gobreaker.CircuitBreaker

	// mirrors are owned by the primary read goroutine.
	mirrors map[string]*depthMirror

	state         int32
	degraded      int32
	klineFallback int32

	started  int32
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Setup validates the settings and returns a relay ready to start.
func Setup(s *Settings) (*Relay, error) {
	if s == nil {
		return nil, errNilSettings
	}
	if s.Mux == nil {
		return nil, errNilMux
	}
	if s.URL == "" {
		return nil, errNoURL
	}
	if len(s.Symbols) == 0 {
		return nil, errNoSymbols
	}
	or := func(d, def time.Duration) time.Duration {
		if d <= 0 {
			return def
		}
		return d
	}
	maxRetries := s.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	depth := s.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	intervals := s.Intervals
	if len(intervals) == 0 {
		intervals = []string{"1m"}
	}
	r := &Relay{
		mux:         s.Mux,
		url:         s.URL,
		businessURL: s.BusinessURL,
		symbols:     s.Symbols,
		intervals:   intervals,
		depth:       depth,
		backoff:     or(s.Backoff, DefaultBackoff),
		maxRetries:  maxRetries,
		coolDown:    or(s.CoolDown, DefaultCoolDown),
		dialer:      websocket.Dialer{HandshakeTimeout: or(s.DialTimeout, DefaultDialTimeout)},
		mirrors:     make(map[string]*depthMirror),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "upstream-dial",
		Timeout: r.coolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxRetries)
		},
	})
	return r, nil
}

// Start launches the connection managers.
func (r *Relay) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return ErrAlreadyStarted
	}
	r.shutdown = make(chan struct{})
	r.wg.Add(1)
	go r.manageConn(r.url, true)
	if r.businessURL != "" {
		r.wg.Add(1)
		go r.manageConn(r.businessURL, false)
	}
	log.Info().Str("url", r.url).Strs("symbols", r.symbols).Msg("market-data relay started")
	return nil
}

// Stop tears the connections down and waits for the managers to exit.
func (r *Relay) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return ErrRelayStopped
	}
	close(r.shutdown)
	r.wg.Wait()
	r.setState(Disconnected)
	log.Info().Msg("market-data relay stopped")
	return nil
}

// State returns the primary connection's lifecycle state.
func (r *Relay) State() State {
	return State(atomic.LoadInt32(&r.state))
}

// Degraded reports whether the retry budget was exhausted and the
// relay is waiting out the breaker cool-down.
func (r *Relay) Degraded() bool {
	return atomic.LoadInt32(&r.degraded) == 1
}

func (r *Relay) setState(s State) {
	old := State(atomic.SwapInt32(&r.state, int32(s)))
	if old != s {
		metrics.RelayState.Set(float64(s))
		log.Info().Stringer("from", old).Stringer("to", s).Msg("relay state change")
	}
}

// manageConn dials, subscribes and reads until shutdown. The primary
// connection drives the exported state machine; the business
// connection (candles) reconnects with the same pacing but silently.
func (r *Relay) manageConn(url string, primary bool) {
	defer r.wg.Done()
	attempts := 0
	connected := false
	for {
		select {
		case <-r.shutdown:
			return
		default:
		}

		if primary {
			if connected {
				r.setState(Reconnecting)
			} else {
				r.setState(Connecting)
			}
		}

		conn, err := r.dial(url)
		if err != nil {
			attempts++
			if attempts >= r.maxRetries {
				if primary {
					r.setState(Disconnected)
					atomic.StoreInt32(&r.degraded, 1)
				}
				log.Error().Err(err).Str("url", url).Int("attempts", attempts).
					Msg("relay retry budget exhausted, cooling down")
				if !r.sleep(r.coolDown) {
					return
				}
				attempts = 0
				continue
			}
			log.Warn().Err(err).Str("url", url).Int("attempt", attempts).Msg("relay dial failed")
			if !r.sleep(r.backoff) {
				return
			}
			continue
		}

		if connected {
			metrics.RelayReconnects.Inc()
		}
		connected = true
		attempts = 0
		if primary {
			atomic.StoreInt32(&r.degraded, 0)
			r.setState(Connected)
			// Stale mirrors would replay pre-disconnect levels as
			// deltas; upstream sends fresh snapshots after subscribe.
			r.mirrors = make(map[string]*depthMirror)
		}

		if err := r.subscribeAll(conn, primary); err != nil {
			log.Error().Err(err).Str("url", url).Msg("relay subscribe failed")
			_ = conn.Close()
			if !r.sleep(r.backoff) {
				return
			}
			continue
		}

		r.readLoop(conn)
		_ = conn.Close()

		select {
		case <-r.shutdown:
			return
		default:
		}
	}
}

// dial goes through the circuit breaker so a flapping upstream trips
// open instead of hammering.
func (r *Relay) dial(url string) (*websocket.Conn, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		conn, _, err := r.dialer.Dial(url, nil) //nolint:bodyclose // gorilla owns the response
		return conn, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*websocket.Conn), nil
}

// sleep waits d unless shutdown fires first; it reports whether the
// caller should continue.
func (r *Relay) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-r.shutdown:
		return false
	}
}

// subscribeAll opens the channel set this connection is responsible
// for: market channels on the primary, candles on the business
// connection when one is configured.
func (r *Relay) subscribeAll(conn *websocket.Conn, primary bool) error {
	candlesHere := !primary || r.businessURL == ""
	if primary {
		for _, sym := range r.symbols {
			reqs := []subscribeRequest{
				{Op: "subscribe", Channel: channelTicker, Symbol: sym},
				{Op: "subscribe", Channel: channelDepth, Symbol: sym, Depth: r.depth},
				{Op: "subscribe", Channel: channelTrade, Symbol: sym},
			}
			for i := range reqs {
				if err := conn.WriteJSON(&reqs[i]); err != nil {
					return err
				}
			}
		}
	}
	if candlesHere {
		channel := channelKLine
		if atomic.LoadInt32(&r.klineFallback) == 1 {
			channel = channelMarkPrice
		}
		for _, sym := range r.symbols {
			for _, itv := range r.intervals {
				req := subscribeRequest{Op: "subscribe", Channel: channel, Symbol: sym, Interval: itv}
				if err := conn.WriteJSON(&req); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// readLoop consumes frames until the connection breaks or shutdown is
// requested.
func (r *Relay) readLoop(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.shutdown:
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-r.shutdown:
			default:
				log.Warn().Err(err).Msg("relay read failed")
			}
			return
		}
		r.route(conn, raw)
	}
}

// route sniffs the channel field and dispatches to the concrete
// handler. Unknown channels are logged and skipped.
func (r *Relay) route(conn *websocket.Conn, raw []byte) {
	channel, err := jsonparser.GetString(raw, "channel")
	if err != nil {
		log.Debug().Err(err).Msg("relay frame without channel")
		return
	}
	metrics.RelayMessages.WithLabelValues(channel).Inc()

	switch channel {
	case channelTicker:
		r.handleTicker(raw)
	case channelDepth:
		r.handleDepth(raw)
	case channelTrade:
		r.handleTrade(raw)
	case channelKLine:
		r.handleKLine(raw)
	case channelMarkPrice:
		r.handleMarkPrice(raw)
	case channelError:
		r.handleError(conn, raw)
	default:
		log.Debug().Str("channel", channel).Msg("relay skipping unknown channel")
	}
}

func (r *Relay) publish(kind dispatch.Kind, symbol string, payload interface{}) {
	err := r.mux.Publish(dispatch.Event{Kind: kind, Symbol: symbol, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Stringer("kind", kind).
			Msg("relay publish failed")
	}
}

func (r *Relay) handleTicker(raw []byte) {
	var msg wsTickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("relay ticker decode failed")
		return
	}
	r.publish(dispatch.TickerUpdated, msg.Symbol, &marketdata.Ticker{
		Symbol:        msg.Symbol,
		LastPrice:     msg.Data.Last,
		BestBid:       msg.Data.Bid,
		BestAsk:       msg.Data.Ask,
		High24h:       msg.Data.High24h,
		Low24h:        msg.Data.Low24h,
		Volume24h:     msg.Data.Volume24h,
		ChangePercent: msg.Data.ChangePercent,
		At:            msg.Data.Timestamp.Time().UTC(),
	})
}

func (r *Relay) handleDepth(raw []byte) {
	var msg wsDepthMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("relay depth decode failed")
		return
	}
	mirror, ok := r.mirrors[msg.Symbol]
	if !ok {
		mirror = newDepthMirror()
		r.mirrors[msg.Symbol] = mirror
	}

	bids, asks := levelsFromWire(msg.Data.Bids), levelsFromWire(msg.Data.Asks)
	if msg.Snapshot {
		mirror.rebuild(bids, asks)
	} else {
		mirror.apply(bids, asks)
	}

	topBids, topAsks := mirror.top(r.depth)
	r.publish(dispatch.DepthRelayed, msg.Symbol, &marketdata.Depth{
		Symbol:   msg.Symbol,
		Bids:     topBids,
		Asks:     topAsks,
		At:       msg.Data.Timestamp.Time().UTC(),
		Snapshot: msg.Snapshot,
	})
}

func (r *Relay) handleTrade(raw []byte) {
	var msg wsTradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("relay trade decode failed")
		return
	}
	side, err := order.ParseSide(msg.Data.Side)
	if err != nil {
		log.Debug().Str("side", msg.Data.Side).Msg("relay trade with unknown side")
		return
	}
	r.publish(dispatch.TradeRelayed, msg.Symbol, &marketdata.PublicTrade{
		ID:     msg.Data.ID,
		Symbol: msg.Symbol,
		Price:  msg.Data.Price,
		Qty:    msg.Data.Qty,
		Side:   side,
		At:     msg.Data.Timestamp.Time().UTC(),
	})
}

func (r *Relay) handleKLine(raw []byte) {
	var msg wsKLineMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("relay kline decode failed")
		return
	}
	r.publish(dispatch.CandleUpdated, msg.Symbol, &marketdata.Candle{
		Symbol:    msg.Symbol,
		Interval:  msg.Data.Interval,
		OpenTime:  msg.Data.OpenTime.Time().UTC(),
		CloseTime: msg.Data.CloseTime.Time().UTC(),
		Open:      msg.Data.Open,
		High:      msg.Data.High,
		Low:       msg.Data.Low,
		Close:     msg.Data.Close,
		Volume:    msg.Data.Volume,
		Closed:    msg.Data.Closed,
	})
}

// handleMarkPrice synthesizes a flat candle from the mark-price
// fallback channel so downstream kline consumers keep flowing.
func (r *Relay) handleMarkPrice(raw []byte) {
	var msg wsMarkPriceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("relay mark price decode failed")
		return
	}
	at := msg.Data.Timestamp.Time().UTC()
	for _, itv := range r.intervals {
		width := intervalDuration(itv)
		open := at.Truncate(width)
		r.publish(dispatch.CandleUpdated, msg.Symbol, &marketdata.Candle{
			Symbol:    msg.Symbol,
			Interval:  itv,
			OpenTime:  open,
			CloseTime: open.Add(width),
			Open:      msg.Data.Price,
			High:      msg.Data.Price,
			Low:       msg.Data.Price,
			Close:     msg.Data.Price,
		})
	}
}

// handleError applies the ChannelUnsupported transition: a kline
// rejection permanently switches this relay to the mark-price variant
// and resubscribes on the live connection.
func (r *Relay) handleError(conn *websocket.Conn, raw []byte) {
	var msg wsErrorMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("relay error decode failed")
		return
	}
	if msg.Unsupported != channelKLine {
		log.Warn().Str("message", msg.Message).Str("unsupported", msg.Unsupported).
			Msg("upstream error")
		return
	}
	if !atomic.CompareAndSwapInt32(&r.klineFallback, 0, 1) {
		return
	}
	log.Warn().Str("symbol", msg.Symbol).
		Msg("kline channel unsupported, switching to mark-price candles")
	for _, sym := range r.symbols {
		for _, itv := range r.intervals {
			req := subscribeRequest{Op: "subscribe", Channel: channelMarkPrice, Symbol: sym, Interval: itv}
			if err := conn.WriteJSON(&req); err != nil {
				log.Error().Err(err).Msg("mark-price subscribe failed")
				return
			}
		}
	}
}

func levelsFromWire(rows []wsLevel) []marketdata.Level {
	out := make([]marketdata.Level, len(rows))
	for i := range rows {
		out[i] = marketdata.Level{Price: rows[i][0], Qty: rows[i][1]}
	}
	return out
}
