// Package engine assembles the venue: the asset ledger, one matching
// engine per symbol, the market-data publisher, the realtime fabric,
// the optional upstream relay and durability writer, and the REST
// surface that fronts them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclob/venue/config"
	"github.com/openclob/venue/database"
	"github.com/openclob/venue/database/repository/orders"
	"github.com/openclob/venue/database/repository/trades"
	"github.com/openclob/venue/dispatch"
	"github.com/openclob/venue/internal/auth"
	"github.com/openclob/venue/ledger"
	"github.com/openclob/venue/marketdata"
	"github.com/openclob/venue/matching"
	"github.com/openclob/venue/order"
	"github.com/openclob/venue/upstream"
	"github.com/openclob/venue/ws"
)

// NewFromConfig wires every subsystem from a validated configuration.
// Nothing runs until Start; a non-nil error leaves no goroutines or
// connections behind except a database handle, which Stop is not
// needed for because it is closed before returning.
func NewFromConfig(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	e := &Engine{
		Config:  cfg,
		engines: make(map[string]*matching.Engine),
	}

	disp, err := dispatch.NewDispatcher(cfg.SubscriberQueueSize)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	e.dispatcher = disp
	e.mux = dispatch.GetNewMux(disp)

	e.Ledger = ledger.New()
	maker, taker, err := cfg.FeeRates()
	if err != nil {
		return nil, err
	}
	if err := e.Ledger.SetFeeRates(maker, taker); err != nil {
		return nil, fmt.Errorf("fees: %w", err)
	}

	var orderSeed, tradeSeed int64
	if cfg.Database.Enabled {
		if orderSeed, tradeSeed, err = e.openDatabase(); err != nil {
			return nil, err
		}
	}
	e.orderSeq = matching.NewOrderSequence(orderSeed)
	e.tradeSeq = matching.NewTradeSequence(tradeSeed)

	pairs, err := cfg.TradingPairs()
	if err != nil {
		e.closeDatabase()
		return nil, err
	}
	for _, p := range pairs {
		me, err := matching.Setup(&matching.Settings{
			Pair:        p,
			Ledger:      e.Ledger,
			Mux:         e.mux,
			Trades:      e.tradeSeq,
			Orders:      e.orderSeq,
			QueueSize:   cfg.InboundQueueSize,
			DepthLevels: cfg.OrderBookDepth,
			VerifyBook:  cfg.VerifyBook,
		})
		if err != nil {
			e.closeDatabase()
			return nil, fmt.Errorf("matching %s: %w", p.Symbol, err)
		}
		sym := p.Symbol.String()
		e.engines[sym] = me
		e.symbols = append(e.symbols, sym)
	}

	if len(cfg.Auth.Tokens) > 0 {
		tokens := make(map[string]int64, len(cfg.Auth.Tokens))
		for _, t := range cfg.Auth.Tokens {
			tokens[t.Token] = t.UserID
		}
		e.auth = auth.NewStatic(tokens)
	}

	hub, err := ws.Setup(&ws.Settings{
		Auth:        e.auth,
		RequireAuth: cfg.Auth.Required,
		QueueSize:   cfg.SubscriberQueueSize,
		Symbols:     e.symbols,
	})
	if err != nil {
		e.closeDatabase()
		return nil, fmt.Errorf("fabric: %w", err)
	}
	e.Hub = hub

	pub, err := marketdata.Setup(&marketdata.Settings{
		Mux:              e.mux,
		Fabric:           hub,
		BookWindow:       cfg.Throttle.OrderBook(),
		TickerWindow:     cfg.Throttle.Ticker(),
		CandleWindow:     cfg.Throttle.Candle(),
		SnapshotInterval: cfg.SnapshotInterval(),
	})
	if err != nil {
		e.closeDatabase()
		return nil, fmt.Errorf("publisher: %w", err)
	}
	e.Publisher = pub
	// The hub is built before the publisher that serves replays, so
	// the snapshot source arrives in a second step.
	hub.SetReplay(pub)

	if cfg.UpstreamURL != "" {
		relay, err := upstream.Setup(&upstream.Settings{
			Mux:         e.mux,
			URL:         cfg.UpstreamURL,
			BusinessURL: cfg.UpstreamBusinessURL,
			Symbols:     e.symbols,
			Intervals:   cfg.Intervals,
			Depth:       cfg.OrderBookDepth,
		})
		if err != nil {
			e.closeDatabase()
			return nil, fmt.Errorf("relay: %w", err)
		}
		e.Relay = relay
	}

	if e.db != nil {
		e.writer, err = newDurabilityWriter(e.mux, e.ordersRepo, e.tradesRepo)
		if err != nil {
			e.closeDatabase()
			return nil, fmt.Errorf("durability: %w", err)
		}
	}
	return e, nil
}

// openDatabase connects the durability store, applies the schema and
// reads the id high-water marks the sequences continue from.
func (e *Engine) openDatabase() (orderSeed, tradeSeed int64, err error) {
	db, err := database.Connect(e.Config.Database.Driver, e.Config.Database.DSN)
	if err != nil {
		return 0, 0, fmt.Errorf("database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return 0, 0, fmt.Errorf("database schema: %w", err)
	}
	e.db = db
	if e.ordersRepo, err = orders.New(db.SQL); err != nil {
		e.closeDatabase()
		return 0, 0, err
	}
	if e.tradesRepo, err = trades.New(db.SQL); err != nil {
		e.closeDatabase()
		return 0, 0, err
	}
	if orderSeed, err = e.ordersRepo.MaxOrderID(ctx); err != nil {
		e.closeDatabase()
		return 0, 0, err
	}
	if tradeSeed, err = e.tradesRepo.MaxTradeID(ctx); err != nil {
		e.closeDatabase()
		return 0, 0, err
	}
	log.Info().Str("driver", db.Driver()).Int64("orderSeq", orderSeed).
		Int64("tradeSeq", tradeSeed).Msg("durability store connected, id sequences seeded")
	return orderSeed, tradeSeed, nil
}

func (e *Engine) closeDatabase() {
	if e.db == nil {
		return
	}
	if err := e.db.Close(); err != nil {
		log.Error().Err(err).Msg("database close failed")
	}
	e.db = nil
}

// Start launches the subsystems and binds the HTTP listener last so no
// request arrives before the venue can serve it.
func (e *Engine) Start() error {
	if e == nil {
		return errors.New("engine instance is nil")
	}
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		return ErrAlreadyStarted
	}
	e.startedAt = time.Now().UTC()

	if err := e.Publisher.Start(); err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	if e.writer != nil {
		if err := e.writer.Start(); err != nil {
			return fmt.Errorf("durability: %w", err)
		}
	}
	for _, sym := range e.symbols {
		if err := e.engines[sym].Start(); err != nil {
			return fmt.Errorf("matching %s: %w", sym, err)
		}
	}
	if e.Relay != nil {
		if err := e.Relay.Start(); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}

	ln, err := net.Listen("tcp", e.Config.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.Config.Server.ListenAddress, err)
	}
	e.boundAddr = ln.Addr().String()
	e.httpSrv = &http.Server{
		Handler:           e.newRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server exited")
		}
	}()

	log.Info().Str("name", e.Config.Name).Str("listen", e.boundAddr).
		Str("wsPath", e.Config.Server.WebsocketPath).Strs("symbols", e.symbols).
		Msg("venue started")
	return nil
}

// Stop shuts the venue down in dependency order: the HTTP and
// websocket surfaces first so no new work arrives, then the engines so
// queued requests drain, then the pipeline consumers, the bus, and the
// database last so the final durability flush can still commit.
func (e *Engine) Stop() error {
	if e == nil {
		return errors.New("engine instance is nil")
	}
	if !atomic.CompareAndSwapInt32(&e.started, 1, 0) {
		return ErrEngineStopped
	}
	log.Info().Msg("venue shutting down")

	if e.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		if err := e.httpSrv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown failed")
		}
		cancel()
		e.wg.Wait()
	}

	if err := e.Hub.Stop(); err != nil && !errors.Is(err, ws.ErrHubStopped) {
		log.Error().Err(err).Msg("fabric stop failed")
	}
	if e.Relay != nil {
		if err := e.Relay.Stop(); err != nil && !errors.Is(err, upstream.ErrRelayStopped) {
			log.Error().Err(err).Msg("relay stop failed")
		}
	}
	for _, sym := range e.symbols {
		if err := e.engines[sym].Stop(); err != nil && !errors.Is(err, matching.ErrEngineStopped) {
			log.Error().Err(err).Str("symbol", sym).Msg("matching engine stop failed")
		}
	}
	if err := e.Publisher.Stop(); err != nil && !errors.Is(err, marketdata.ErrPublisherStopped) {
		log.Error().Err(err).Msg("publisher stop failed")
	}
	if e.writer != nil {
		if err := e.writer.Stop(); err != nil && !errors.Is(err, errWriterStopped) {
			log.Error().Err(err).Msg("durability writer stop failed")
		}
	}
	if err := e.dispatcher.Stop(); err != nil {
		log.Error().Err(err).Msg("dispatcher stop failed")
	}
	e.closeDatabase()

	log.Info().Msg("venue stopped")
	return nil
}

// IsRunning reports whether Start has completed and Stop has not.
func (e *Engine) IsRunning() bool {
	return e != nil && atomic.LoadInt32(&e.started) == 1
}

// Addr returns the bound HTTP address, useful when the configured
// listen address carries port zero.
func (e *Engine) Addr() string {
	return e.boundAddr
}

// engineFor resolves a symbol to its matching engine.
func (e *Engine) engineFor(symbol string) (*matching.Engine, error) {
	me, ok := e.engines[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, fmt.Errorf("%q: %w", symbol, ErrUnknownSymbol)
	}
	return me, nil
}

// cancelOrder resolves which engine holds orderID by probing each in
// turn. Ids are venue-global so at most one engine recognizes the id;
// halted engines cannot answer and are reported only when no healthy
// engine claimed it.
func (e *Engine) cancelOrder(ctx context.Context, userID, orderID int64) (order.Order, error) {
	var deferred error
	for _, sym := range e.symbols {
		o, err := e.engines[sym].CancelOrder(ctx, userID, orderID)
		switch {
		case err == nil:
			return o, nil
		case errors.Is(err, matching.ErrOrderNotFound):
			continue
		case errors.Is(err, matching.ErrAlreadyTerminal):
			return o, err
		default:
			if deferred == nil {
				deferred = err
			}
		}
	}
	if deferred != nil {
		return order.Order{}, deferred
	}
	return order.Order{}, fmt.Errorf("order %d %w", orderID, matching.ErrOrderNotFound)
}

// orderByID probes each engine for the order, resting or terminal.
func (e *Engine) orderByID(ctx context.Context, orderID int64) (order.Order, error) {
	var deferred error
	for _, sym := range e.symbols {
		o, err := e.engines[sym].Order(ctx, orderID)
		switch {
		case err == nil:
			return o, nil
		case errors.Is(err, matching.ErrOrderNotFound):
			continue
		default:
			if deferred == nil {
				deferred = err
			}
		}
	}
	if deferred != nil {
		return order.Order{}, deferred
	}
	return order.Order{}, fmt.Errorf("order %d %w", orderID, matching.ErrOrderNotFound)
}

// Health assembles the /healthz report.
func (e *Engine) Health() *Health {
	h := &Health{
		Service:   e.Config.Name,
		Healthy:   e.IsRunning(),
		WSClients: e.Hub.ClientCount(),
	}
	if e.IsRunning() {
		h.Uptime = time.Since(e.startedAt).Round(time.Second).String()
	}
	for _, sym := range e.symbols {
		me := e.engines[sym]
		sh := SymbolHealth{
			Symbol:    sym,
			Running:   me.IsRunning(),
			Halted:    me.Halted(),
			HaltCause: me.HaltCause(),
		}
		if sh.Halted || !sh.Running {
			h.Healthy = false
		}
		h.Symbols = append(h.Symbols, sh)
	}
	if e.Relay != nil {
		h.Relay = &RelayHealth{
			State:    e.Relay.State().String(),
			Degraded: e.Relay.Degraded(),
		}
	}
	if e.writer != nil {
		h.Durability = &DurabilityHealth{
			Degraded: e.writer.Degraded(),
			Pending:  e.writer.Pending(),
		}
	}
	return h
}
