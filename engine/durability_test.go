package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclob/venue/currency"
	"github.com/openclob/venue/database"
	"github.com/openclob/venue/database/repository/orders"
	"github.com/openclob/venue/database/repository/trades"
	"github.com/openclob/venue/dispatch"
	"github.com/openclob/venue/order"
)

type writerFixture struct {
	writer *durabilityWriter
	mux    *dispatch.Mux
	orders *orders.Repository
	trades *trades.Repository
}

func newWriterFixture(t *testing.T) *writerFixture {
	t.Helper()
	disp, err := dispatch.NewDispatcher(64)
	require.NoError(t, err, "dispatcher should start")
	t.Cleanup(func() { _ = disp.Stop() })

	db, err := database.Connect(database.DriverSQLite, ":memory:")
	require.NoError(t, err, "store should open")
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()), "schema should apply")

	or, err := orders.New(db.SQL)
	require.NoError(t, err, "orders repository should build")
	tr, err := trades.New(db.SQL)
	require.NoError(t, err, "trades repository should build")

	mux := dispatch.GetNewMux(disp)
	w, err := newDurabilityWriter(mux, or, tr)
	require.NoError(t, err, "writer should build")
	return &writerFixture{writer: w, mux: mux, orders: or, trades: tr}
}

func storedOrder(id int64, status order.Status) *order.Order {
	now := time.Now().UTC().Truncate(time.Second)
	return &order.Order{
		ID:        id,
		UserID:    7,
		Symbol:    currency.NewPair(currency.NewCode("BTC"), currency.NewCode("USDT")),
		Side:      order.Buy,
		Type:      order.Limit,
		Price:     decimal.RequireFromString("100"),
		Qty:       decimal.RequireFromString("1"),
		FilledQty: decimal.Zero,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func storedTrade(id int64) *order.Trade {
	return &order.Trade{
		ID:          id,
		Symbol:      currency.NewPair(currency.NewCode("BTC"), currency.NewCode("USDT")),
		BuyOrderID:  1,
		SellOrderID: 2,
		BuyerID:     7,
		SellerID:    8,
		Price:       decimal.RequireFromString("100"),
		Qty:         decimal.RequireFromString("1"),
		TakerSide:   order.Buy,
		ExecutedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestNewDurabilityWriterValidation(t *testing.T) {
	t.Parallel()
	f := newWriterFixture(t)

	_, err := newDurabilityWriter(nil, f.orders, f.trades)
	assert.ErrorIs(t, err, errNilWriterMux, "nil mux should error")
	_, err = newDurabilityWriter(f.mux, nil, f.trades)
	assert.ErrorIs(t, err, errNilOrdersRepo, "nil orders repository should error")
	_, err = newDurabilityWriter(f.mux, f.orders, nil)
	assert.ErrorIs(t, err, errNilTradesRepo, "nil trades repository should error")
}

// Order events dedup to the latest state per id; the row lands with
// the final status even when both events share one batch.
func TestDurabilityWriterPersistsFlow(t *testing.T) {
	t.Parallel()
	f := newWriterFixture(t)
	require.NoError(t, f.writer.Start(), "writer should start")
	t.Cleanup(func() { _ = f.writer.Stop() })

	accepted := storedOrder(1, order.Active)
	require.NoError(t, f.mux.Publish(dispatch.Event{
		Kind: dispatch.OrderAccepted, Symbol: "BTC-USDT", Payload: accepted,
	}), "publish should not error")

	filled := storedOrder(1, order.Filled)
	filled.FilledQty = filled.Qty
	require.NoError(t, f.mux.Publish(dispatch.Event{
		Kind: dispatch.OrderFilled, Symbol: "BTC-USDT", Payload: filled,
	}), "publish should not error")

	require.NoError(t, f.mux.Publish(dispatch.Event{
		Kind: dispatch.TradeExecuted, Symbol: "BTC-USDT", Payload: storedTrade(1),
	}), "publish should not error")

	ctx := context.Background()
	require.Eventually(t, func() bool {
		rec, err := f.orders.ByID(ctx, 1)
		if err != nil {
			return false
		}
		recs, err := f.trades.RecentBySymbol(ctx, "BTC-USDT", 10)
		return err == nil && len(recs) == 1 && rec.Status == "FILLED"
	}, 2*time.Second, 25*time.Millisecond, "rows should flush within the write cadence")

	assert.Zero(t, f.writer.Pending(), "buffer should drain after flush")
	assert.False(t, f.writer.Degraded(), "healthy store should not degrade the writer")
}

// Stop drains delivered events and flushes once more so a clean
// shutdown loses nothing the bus handed over.
func TestDurabilityWriterStopFlushes(t *testing.T) {
	t.Parallel()
	f := newWriterFixture(t)
	require.NoError(t, f.writer.Start(), "writer should start")

	require.NoError(t, f.mux.Publish(dispatch.Event{
		Kind: dispatch.OrderAccepted, Symbol: "BTC-USDT", Payload: storedOrder(2, order.Active),
	}), "publish should not error")

	require.NoError(t, f.writer.Stop(), "stop should flush")
	assert.ErrorIs(t, f.writer.Stop(), errWriterStopped, "double stop should error")

	rec, err := f.orders.ByID(context.Background(), 2)
	require.NoError(t, err, "the row should be persisted by the final flush")
	assert.Equal(t, "ACTIVE", rec.Status, "the accepted state should be stored")
}

func TestDurabilityWriterLifecycle(t *testing.T) {
	t.Parallel()
	f := newWriterFixture(t)
	require.NoError(t, f.writer.Start(), "writer should start")
	assert.ErrorIs(t, f.writer.Start(), errWriterStarted, "double start should error")
	require.NoError(t, f.writer.Stop(), "writer should stop")
}
