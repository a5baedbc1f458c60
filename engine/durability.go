package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclob/venue/database/repository/orders"
	"github.com/openclob/venue/database/repository/trades"
	"github.com/openclob/venue/dispatch"
	"github.com/openclob/venue/metrics"
	"github.com/openclob/venue/order"
)

const (
	// flushEvery is the write cadence when the batch threshold is not
	// reached first.
	flushEvery = 500 * time.Millisecond
	// flushBatch triggers an early flush once this many rows are
	// pending in either bucket.
	flushBatch = 128
	// maxBuffered caps retained rows while the store is unreachable.
	// Beyond it the oldest rows are dropped; persistence is
	// best-effort and must never grow without bound.
	maxBuffered = 4096
	// failureThreshold marks the writer degraded after this many
	// consecutive failed flushes.
	failureThreshold = 3
)

var (
	errWriterStopped = errors.New("durability writer not started")
	errWriterStarted = errors.New("durability writer already started")
	errNilWriterMux  = errors.New("durability writer requires a mux")
	errNilOrdersRepo = errors.New("durability writer requires an orders repository")
	errNilTradesRepo = errors.New("durability writer requires a trades repository")
)

// durabilityWriter drains order and trade events off the bus and
// persists them in batches. It sits strictly downstream of matching:
// a slow or failing store degrades history, never trading. Order
// events dedup to the latest state per id since the upsert writes the
// whole row either way.
type durabilityWriter struct {
	mux    *dispatch.Mux
	orders *orders.Repository
	trades *trades.Repository

	pipe          dispatch.Pipe
	pendingOrders map[int64]*order.Order
	pendingTrades []*order.Trade
	pendingCount  int32

	failures int
	degraded int32
	drops    int64

	started  int32
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func newDurabilityWriter(mux *dispatch.Mux, or *orders.Repository, tr *trades.Repository) (*durabilityWriter, error) {
	if mux == nil {
		return nil, errNilWriterMux
	}
	if or == nil {
		return nil, errNilOrdersRepo
	}
	if tr == nil {
		return nil, errNilTradesRepo
	}
	return &durabilityWriter{
		mux:           mux,
		orders:        or,
		trades:        tr,
		pendingOrders: make(map[int64]*order.Order),
	}, nil
}

// Start subscribes to the order and trade streams and launches the
// flush loop.
func (w *durabilityWriter) Start() error {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return errWriterStarted
	}
	pipe, err := w.mux.Subscribe(
		dispatch.OrderAccepted,
		dispatch.OrderCanceled,
		dispatch.OrderFilled,
		dispatch.TradeExecuted,
	)
	if err != nil {
		atomic.StoreInt32(&w.started, 0)
		return err
	}
	w.pipe = pipe
	w.shutdown = make(chan struct{})
	w.wg.Add(1)
	go w.run()
	log.Info().Msg("durability writer started")
	return nil
}

// Stop drains whatever the bus already delivered, flushes once more
// and releases the subscription.
func (w *durabilityWriter) Stop() error {
	if !atomic.CompareAndSwapInt32(&w.started, 1, 0) {
		return errWriterStopped
	}
	close(w.shutdown)
	w.wg.Wait()
	if err := w.pipe.Release(); err != nil {
		log.Error().Err(err).Msg("durability pipe release failed")
	}
	log.Info().Msg("durability writer stopped")
	return nil
}

// Degraded reports whether recent flushes have been failing.
func (w *durabilityWriter) Degraded() bool {
	return atomic.LoadInt32(&w.degraded) == 1
}

// Pending returns the rows currently buffered.
func (w *durabilityWriter) Pending() int {
	return int(atomic.LoadInt32(&w.pendingCount))
}

func (w *durabilityWriter) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-w.pipe.C:
			if !ok {
				w.flush()
				return
			}
			w.absorb(&ev)
			if w.Pending() >= flushBatch {
				w.flush()
			}
		case <-ticker.C:
			w.checkLag()
			w.flush()
		case <-w.shutdown:
			w.drain()
			w.flush()
			return
		}
	}
}

// drain empties events the dispatcher delivered before shutdown
// without blocking on new ones.
func (w *durabilityWriter) drain() {
	for {
		select {
		case ev, ok := <-w.pipe.C:
			if !ok {
				return
			}
			w.absorb(&ev)
		default:
			return
		}
	}
}

func (w *durabilityWriter) absorb(ev *dispatch.Event) {
	switch ev.Kind {
	case dispatch.OrderAccepted, dispatch.OrderCanceled, dispatch.OrderFilled:
		o, ok := ev.Payload.(*order.Order)
		if !ok {
			return
		}
		if _, seen := w.pendingOrders[o.ID]; !seen {
			atomic.AddInt32(&w.pendingCount, 1)
		}
		w.pendingOrders[o.ID] = o
	case dispatch.TradeExecuted:
		t, ok := ev.Payload.(*order.Trade)
		if !ok {
			return
		}
		w.pendingTrades = append(w.pendingTrades, t)
		atomic.AddInt32(&w.pendingCount, 1)
	}
}

// checkLag surfaces bus drops. A lagged pipe means rows were lost
// before the writer ever saw them; nothing can be replayed, so the gap
// is only counted and logged.
func (w *durabilityWriter) checkLag() {
	if !w.pipe.TakeLagged() {
		return
	}
	drops := w.pipe.Drops()
	metrics.BusDrops.WithLabelValues("durability").Add(float64(drops - w.drops))
	log.Warn().Int64("drops", drops).Msg("durability writer lagged, events lost")
	w.drops = drops
}

func (w *durabilityWriter) flush() {
	if len(w.pendingOrders) == 0 && len(w.pendingTrades) == 0 {
		return
	}
	ctx := context.Background()
	failed := false

	if n := len(w.pendingOrders); n > 0 {
		batch := make([]*order.Order, 0, n)
		for _, o := range w.pendingOrders {
			batch = append(batch, o)
		}
		if err := w.orders.Upsert(ctx, batch); err != nil {
			failed = true
			log.Error().Err(err).Int("rows", n).Msg("order batch write failed")
		} else {
			w.pendingOrders = make(map[int64]*order.Order)
			atomic.AddInt32(&w.pendingCount, -int32(n))
			metrics.DurabilityRows.WithLabelValues("orders").Add(float64(n))
		}
	}
	if n := len(w.pendingTrades); n > 0 {
		if err := w.trades.InsertBatch(ctx, w.pendingTrades); err != nil {
			failed = true
			log.Error().Err(err).Int("rows", n).Msg("trade batch write failed")
		} else {
			w.pendingTrades = w.pendingTrades[:0]
			atomic.AddInt32(&w.pendingCount, -int32(n))
			metrics.DurabilityRows.WithLabelValues("trades").Add(float64(n))
		}
	}

	if !failed {
		w.failures = 0
		atomic.StoreInt32(&w.degraded, 0)
		return
	}
	metrics.DurabilityFailures.Inc()
	w.failures++
	if w.failures >= failureThreshold {
		atomic.StoreInt32(&w.degraded, 1)
	}
	w.enforceCap()
}

// enforceCap sheds the oldest buffered rows once the store has been
// failing long enough to pile up maxBuffered of them.
func (w *durabilityWriter) enforceCap() {
	if over := len(w.pendingTrades) - maxBuffered; over > 0 {
		w.pendingTrades = append(w.pendingTrades[:0], w.pendingTrades[over:]...)
		atomic.AddInt32(&w.pendingCount, -int32(over))
		log.Warn().Int("dropped", over).Msg("durability trade buffer capped")
	}
	if over := len(w.pendingOrders) - maxBuffered; over > 0 {
		dropped := 0
		for id := range w.pendingOrders {
			if dropped == over {
				break
			}
			delete(w.pendingOrders, id)
			dropped++
		}
		atomic.AddInt32(&w.pendingCount, -int32(dropped))
		log.Warn().Int("dropped", dropped).Msg("durability order buffer capped")
	}
}
