package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclob/venue/config"
	"github.com/openclob/venue/currency"
	"github.com/openclob/venue/database"
	"github.com/openclob/venue/database/repository/trades"
	"github.com/openclob/venue/matching"
	"github.com/openclob/venue/order"
)

func testConfig() *config.Config {
	return &config.Config{
		Name:                "venue-test",
		Symbols:             []string{"BTC-USDT", "ETH-USDT"},
		Intervals:           []string{"1m"},
		OrderBookDepth:      5,
		Throttle:            config.ThrottleConfig{OrderBookMs: 250, TickerMs: 1000, CandleMs: 1500},
		SnapshotIntervalMs:  3000,
		InboundQueueSize:    256,
		SubscriberQueueSize: 256,
		VerifyBook:          true,
		Server:              config.ServerConfig{ListenAddress: "127.0.0.1:0", WebsocketPath: "/ws"},
		Logging:             config.LoggingConfig{Level: "info"},
	}
}

// newVenue assembles and starts a venue on an ephemeral port.
func newVenue(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := NewFromConfig(cfg)
	require.NoError(t, err, "venue should assemble")
	require.NoError(t, e.Start(), "venue should start")
	t.Cleanup(func() {
		if e.IsRunning() {
			_ = e.Stop()
		}
	})
	return e
}

func fund(t *testing.T, e *Engine, userID int64, code, amount string) {
	t.Helper()
	require.NoError(t,
		e.Ledger.Deposit(userID, currency.NewCode(code), decimal.RequireFromString(amount)),
		"deposit should not error")
}

func placeLimit(t *testing.T, e *Engine, symbol string, userID int64, side order.Side, price, qty string) *matching.Result {
	t.Helper()
	me, err := e.engineFor(symbol)
	require.NoError(t, err, "symbol should resolve")
	res, err := me.PlaceOrder(context.Background(), &order.Submit{
		UserID: userID,
		Symbol: me.Pair().Symbol,
		Side:   side,
		Type:   order.Limit,
		Price:  decimal.RequireFromString(price),
		Qty:    decimal.RequireFromString(qty),
	})
	require.NoError(t, err, "place should not error")
	return res
}

func TestNewFromConfigValidation(t *testing.T) {
	t.Parallel()
	_, err := NewFromConfig(nil)
	assert.ErrorIs(t, err, ErrNilConfig, "nil config should error")

	_, err = NewFromConfig(&config.Config{})
	assert.ErrorIs(t, err, config.ErrNoSymbols, "empty config should fail validation")

	cfg := testConfig()
	cfg.Auth.Required = true
	_, err = NewFromConfig(cfg)
	assert.Error(t, err, "required auth without tokens should fail")
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)
	assert.True(t, e.IsRunning(), "venue should report running")
	assert.NotEmpty(t, e.Addr(), "venue should expose its bound address")
	assert.ErrorIs(t, e.Start(), ErrAlreadyStarted, "double start should error")

	require.NoError(t, e.Stop(), "stop should not error")
	assert.False(t, e.IsRunning(), "venue should report stopped")
	assert.ErrorIs(t, e.Stop(), ErrEngineStopped, "double stop should error")
}

// The cancel path has no symbol, only an id; the venue must find the
// owning engine regardless of where the order rests.
func TestCancelResolvesAcrossSymbols(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)
	fund(t, e, 7, "USDT", "10000")

	res := placeLimit(t, e, "ETH-USDT", 7, order.Buy, "2000", "1")
	require.Equal(t, order.Active, res.Order.Status, "order should rest")

	ctx := context.Background()
	o, err := e.cancelOrder(ctx, 7, res.Order.ID)
	require.NoError(t, err, "cancel should find the order on the second engine")
	assert.Equal(t, order.Canceled, o.Status, "order should be canceled")

	_, err = e.cancelOrder(ctx, 7, res.Order.ID)
	assert.ErrorIs(t, err, matching.ErrAlreadyTerminal, "repeat cancel should report terminal")

	_, err = e.cancelOrder(ctx, 7, 99999)
	assert.ErrorIs(t, err, matching.ErrOrderNotFound, "unknown id should not be found")

	got, err := e.orderByID(ctx, res.Order.ID)
	require.NoError(t, err, "status probe should find the terminal order")
	assert.Equal(t, order.Canceled, got.Status, "probe should see the terminal state")
}

// Order and trade ids must continue after the highest persisted id so
// a restarted venue never reuses them.
func TestSequencesResumeAcrossRestart(t *testing.T) {
	t.Parallel()
	dsn := filepath.Join(t.TempDir(), "venue.db")
	withDB := func(cfg *config.Config) {
		cfg.Database = config.DatabaseConfig{Enabled: true, Driver: "sqlite3", DSN: dsn}
	}

	cfg := testConfig()
	withDB(cfg)
	first, err := NewFromConfig(cfg)
	require.NoError(t, err, "first venue should assemble")
	require.NoError(t, first.Start(), "first venue should start")

	fund(t, first, 1, "USDT", "100000")
	fund(t, first, 2, "BTC", "10")
	maker := placeLimit(t, first, "BTC-USDT", 2, order.Sell, "100", "1")
	taker := placeLimit(t, first, "BTC-USDT", 1, order.Buy, "100", "1")
	assert.Equal(t, int64(1), maker.Order.ID, "fresh venue should start ids at one")
	assert.Equal(t, int64(2), taker.Order.ID, "ids should be sequential")
	require.Len(t, taker.Trades, 1, "orders should cross")
	assert.Equal(t, int64(1), taker.Trades[0].ID, "first trade id should be one")

	require.NoError(t, first.Stop(), "first venue should stop and flush")

	second, err := NewFromConfig(cfg)
	require.NoError(t, err, "second venue should assemble against the same store")
	require.NoError(t, second.Start(), "second venue should start")
	t.Cleanup(func() {
		if second.IsRunning() {
			_ = second.Stop()
		}
	})

	fund(t, second, 1, "USDT", "100000")
	fund(t, second, 2, "BTC", "10")
	maker = placeLimit(t, second, "BTC-USDT", 2, order.Sell, "100", "1")
	taker = placeLimit(t, second, "BTC-USDT", 1, order.Buy, "100", "1")
	assert.Equal(t, int64(3), maker.Order.ID, "restart should continue after persisted ids")
	assert.Equal(t, int64(4), taker.Order.ID, "ids should stay sequential after restart")
	require.Len(t, taker.Trades, 1, "orders should cross after restart")
	assert.Equal(t, int64(2), taker.Trades[0].ID, "trade ids should continue after restart")

	require.NoError(t, second.Stop(), "second venue should stop and flush")

	db, err := database.Connect(database.DriverSQLite, dsn)
	require.NoError(t, err, "store should reopen for inspection")
	defer db.Close()
	repo, err := trades.New(db.SQL)
	require.NoError(t, err, "trades repository should build")
	recs, err := repo.RecentBySymbol(context.Background(), "BTC-USDT", 10)
	require.NoError(t, err, "recent trades should be readable")
	require.Len(t, recs, 2, "both sessions' trades should be persisted")
	assert.Equal(t, int64(2), recs[0].ID, "newest trade should be from the second session")
	assert.Equal(t, int64(1), recs[1].ID, "oldest trade should be from the first session")
}

func TestHealthReport(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)

	h := e.Health()
	assert.True(t, h.Healthy, "running venue should be healthy")
	assert.Equal(t, "venue-test", h.Service, "report should carry the service name")
	assert.Len(t, h.Symbols, 2, "report should cover every symbol")
	for _, s := range h.Symbols {
		assert.True(t, s.Running, "%s engine should be running", s.Symbol)
		assert.False(t, s.Halted, "%s engine should not be halted", s.Symbol)
	}
	assert.Nil(t, h.Relay, "no relay is configured")
	assert.Nil(t, h.Durability, "no durability store is configured")

	require.NoError(t, e.Stop(), "stop should not error")
	assert.False(t, e.Health().Healthy, "stopped venue should be unhealthy")
}

func TestHealthReportWithDurability(t *testing.T) {
	t.Parallel()
	dsn := filepath.Join(t.TempDir(), "venue.db")
	e := newVenue(t, func(cfg *config.Config) {
		cfg.Database = config.DatabaseConfig{Enabled: true, Driver: "sqlite3", DSN: dsn}
	})

	h := e.Health()
	require.NotNil(t, h.Durability, "durability health should be reported")
	assert.False(t, h.Durability.Degraded, "fresh writer should not be degraded")
}

func TestEngineForNormalizesSymbol(t *testing.T) {
	t.Parallel()
	e := newVenue(t, nil)

	me, err := e.engineFor(" btc-usdt ")
	require.NoError(t, err, "lookup should normalize case and spacing")
	assert.Equal(t, "BTC-USDT", me.Symbol(), "engine should serve the canonical symbol")

	_, err = e.engineFor("DOGE-USDT")
	assert.ErrorIs(t, err, ErrUnknownSymbol, "unknown symbol should error")
}
