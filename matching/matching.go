// Package matching implements the per-symbol matching engine: a
// single-writer goroutine owning the symbol's order book, applying
// price-time priority with self-trade prevention and settling fills
// through the asset ledger.
package matching

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/openclob/venue/currency"
	"github.com/openclob/venue/dispatch"
	"github.com/openclob/venue/ledger"
	"github.com/openclob/venue/metrics"
	"github.com/openclob/venue/order"
	"github.com/openclob/venue/orderbook"
)

// Setup validates the settings and returns an engine ready to start.
func Setup(s *Settings) (*Engine, error) {
	if s == nil {
		return nil, errNilSettings
	}
	if s.Pair == nil {
		return nil, errNilPair
	}
	if err := s.Pair.Validate(); err != nil {
		return nil, err
	}
	if s.Ledger == nil {
		return nil, errNilLedger
	}
	if s.Mux == nil {
		return nil, errNilMux
	}
	if s.Trades == nil {
		return nil, errNilTrades
	}
	if s.Orders == nil {
		return nil, errNilOrders
	}
	queueSize := s.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	depthLevels := s.DepthLevels
	if depthLevels <= 0 {
		depthLevels = 5
	}
	terminalCap := s.TerminalCap
	if terminalCap <= 0 {
		terminalCap = DefaultTerminalCap
	}
	return &Engine{
		pair:        s.Pair,
		symbol:      s.Pair.Symbol.String(),
		book:        orderbook.New(s.Pair.Symbol),
		ledger:      s.Ledger,
		mux:         s.Mux,
		trades:      s.Trades,
		orders:      s.Orders,
		requests:    make(chan *request, queueSize),
		depthLevels: depthLevels,
		verifyBook:  s.VerifyBook,
		terminal:    make(map[int64]order.Order),
		terminalCap: terminalCap,
	}, nil
}

// Start launches the engine goroutine.
func (e *Engine) Start() error {
	e.mu.Lock()
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		e.mu.Unlock()
		return fmt.Errorf("%s %w", e.symbol, ErrAlreadyStarted)
	}
	e.shutdown = make(chan struct{})
	e.wg.Add(1)
	go e.run()
	e.mu.Unlock()
	log.Info().Str("symbol", e.symbol).Int("queueCap", cap(e.requests)).
		Msg("matching engine started")
	return nil
}

// Stop prevents new requests, drains the queue to completion and waits
// for the engine goroutine to exit. The write lock excludes in-flight
// commits, so every request that passed the running check is already
// queued when shutdown closes and the drain answers it.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !atomic.CompareAndSwapInt32(&e.started, 1, 0) {
		e.mu.Unlock()
		return fmt.Errorf("%s %w", e.symbol, ErrEngineStopped)
	}
	close(e.shutdown)
	e.mu.Unlock()
	e.wg.Wait()
	log.Info().Str("symbol", e.symbol).Msg("matching engine stopped")
	return nil
}

// IsRunning reports whether the engine accepts requests.
func (e *Engine) IsRunning() bool {
	return atomic.LoadInt32(&e.started) == 1
}

// Symbol returns the symbol this engine serves.
func (e *Engine) Symbol() string { return e.symbol }

// Pair returns the engine's instrument definition.
func (e *Engine) Pair() *order.TradingPair { return e.pair }

// Halted reports whether the symbol is trapped after an invariant
// violation.
func (e *Engine) Halted() bool {
	return atomic.LoadInt32(&e.halted) == 1
}

// HaltCause returns the recorded cause, empty while healthy.
func (e *Engine) HaltCause() string {
	if c, ok := e.haltCause.Load().(string); ok {
		return c
	}
	return ""
}

// PlaceOrder submits an order. Cancellation via ctx is honored until
// the request is committed to the queue; a committed request always
// runs to completion and its outcome is returned.
func (e *Engine) PlaceOrder(ctx context.Context, sub *order.Submit) (*Result, error) {
	req := &request{kind: reqPlace, submit: sub, respC: make(chan response, 1)}
	if err := e.commit(ctx, req); err != nil {
		return nil, err
	}
	resp := <-req.respC
	if resp.err != nil && len(resp.trades) == 0 {
		return nil, resp.err
	}
	return &Result{Order: resp.order, Trades: resp.trades}, resp.err
}

// CancelOrder cancels a resting order owned by userID.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) (order.Order, error) {
	req := &request{kind: reqCancel, userID: userID, orderID: orderID, respC: make(chan response, 1)}
	if err := e.commit(ctx, req); err != nil {
		return order.Order{}, err
	}
	resp := <-req.respC
	return resp.order, resp.err
}

// Depth returns up to topN aggregated price levels per side.
func (e *Engine) Depth(ctx context.Context, topN int) (bids, asks []orderbook.PriceLevel, err error) {
	req := &request{kind: reqDepth, depthN: topN, respC: make(chan response, 1)}
	if err := e.commit(ctx, req); err != nil {
		return nil, nil, err
	}
	resp := <-req.respC
	return resp.bids, resp.asks, resp.err
}

// Order returns the engine's view of an order, resting or terminal.
func (e *Engine) Order(ctx context.Context, orderID int64) (order.Order, error) {
	req := &request{kind: reqStatus, orderID: orderID, respC: make(chan response, 1)}
	if err := e.commit(ctx, req); err != nil {
		return order.Order{}, err
	}
	resp := <-req.respC
	return resp.order, resp.err
}

// commit enqueues a request, blocking while the queue is full. The
// caller's context only applies up to this point. The read lock pins
// the running state across the send; Stop cannot close shutdown while
// it is held, so a committed request is always answered. A full queue
// cannot stall the lock: the run goroutine keeps consuming until
// shutdown closes.
func (e *Engine) commit(ctx context.Context, req *request) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.IsRunning() {
		return fmt.Errorf("%s %w", e.symbol, ErrEngineStopped)
	}
	select {
	case e.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the engine goroutine. Requests take effect in commit order;
// on shutdown the queue is drained so every committed request
// completes.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case req := <-e.requests:
			e.handle(req)
		case <-e.shutdown:
			for {
				select {
				case req := <-e.requests:
					e.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) handle(req *request) {
	switch req.kind {
	case reqPlace:
		req.respC <- e.handlePlace(req.submit)
	case reqCancel:
		req.respC <- e.handleCancel(req.userID, req.orderID)
	case reqDepth:
		bids, asks := e.book.Depth(req.depthN)
		req.respC <- response{bids: bids, asks: asks}
	case reqStatus:
		req.respC <- e.handleStatus(req.orderID)
	}
}

// halt traps the symbol. Subsequent orders and cancels are refused
// until an operator intervenes; the book is left as-is for forensics.
func (e *Engine) halt(cause error) {
	if !atomic.CompareAndSwapInt32(&e.halted, 0, 1) {
		return
	}
	e.haltCause.Store(cause.Error())
	metrics.SymbolsHalted.Inc()
	log.Error().Err(cause).Str("symbol", e.symbol).
		Msg("invariant violation, symbol halted")
}

func (e *Engine) haltedErr() error {
	return fmt.Errorf("%s %w: %s", e.symbol, ErrSymbolHalted, e.HaltCause())
}

// nextOrderID draws the next id from the venue-wide sequence.
func (e *Engine) nextOrderID() int64 {
	return e.orders.next()
}

func (e *Engine) publish(kind dispatch.Kind, payload interface{}) {
	err := e.mux.Publish(dispatch.Event{Kind: kind, Symbol: e.symbol, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("symbol", e.symbol).Stringer("kind", kind).
			Msg("event publish failed")
	}
}

func (e *Engine) publishOrder(kind dispatch.Kind, o *order.Order) {
	cpy := o.Copy()
	e.publish(kind, &cpy)
}

func (e *Engine) publishBookChanged(at time.Time) {
	e.publish(dispatch.OrderBookChanged, e.book.Snapshot(e.depthLevels, at))
}

// rememberTerminal archives the final state of a completed order,
// evicting the oldest entry once the archive is full.
func (e *Engine) rememberTerminal(o *order.Order) {
	if _, ok := e.terminal[o.ID]; !ok {
		if len(e.terminalIDs) >= e.terminalCap {
			oldest := e.terminalIDs[0]
			e.terminalIDs = e.terminalIDs[1:]
			delete(e.terminal, oldest)
		}
		e.terminalIDs = append(e.terminalIDs, o.ID)
	}
	e.terminal[o.ID] = o.Copy()
}

// freezePlan computes the freeze leg for a validated submission.
func (e *Engine) freezePlan(sub *order.Submit) (code currency.Code, amount decimal.Decimal, err error) {
	switch {
	case sub.Side == order.Buy && sub.Type == order.Market:
		bestAsk, ok := e.book.BestAsk()
		if !ok {
			return "", decimal.Decimal{}, fmt.Errorf("%s %w: book empty", e.symbol, ErrNoLiquidity)
		}
		return e.pair.Symbol.Quote, sub.Qty.Mul(bestAsk), nil
	case sub.Side == order.Buy:
		return e.pair.Symbol.Quote, sub.Qty.Mul(sub.Price), nil
	default:
		return e.pair.Symbol.Base, sub.Qty, nil
	}
}

func (e *Engine) handlePlace(sub *order.Submit) response {
	if e.Halted() {
		metrics.OrdersRejected.WithLabelValues(e.symbol, "halted").Inc()
		return response{err: e.haltedErr()}
	}
	if err := sub.Validate(e.pair); err != nil {
		metrics.OrdersRejected.WithLabelValues(e.symbol, "validation").Inc()
		return response{err: err}
	}

	freezeCode, freezeAmt, err := e.freezePlan(sub)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(e.symbol, "no_liquidity").Inc()
		return response{err: err}
	}
	if err := e.ledger.Freeze(sub.UserID, freezeCode, freezeAmt); err != nil {
		metrics.OrdersRejected.WithLabelValues(e.symbol, "insufficient_funds").Inc()
		return response{err: err}
	}

	now := time.Now().UTC()
	o := &order.Order{
		ID:            e.nextOrderID(),
		ClientOrderID: sub.ClientOrderID,
		UserID:        sub.UserID,
		Symbol:        e.pair.Symbol,
		Side:          sub.Side,
		Type:          sub.Type,
		Price:         sub.Price,
		Qty:           sub.Qty,
		Status:        order.Active,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	bookDirty := false
	if o.Type == order.Limit {
		if err := e.book.Insert(o); err != nil {
			// Failing to rest a freshly issued id means the book
			// is corrupt; refund best-effort and trap the symbol.
			if uferr := e.ledger.Unfreeze(sub.UserID, freezeCode, freezeAmt); uferr != nil {
				log.Error().Err(uferr).Str("symbol", e.symbol).Msg("refund after insert failure failed")
			}
			e.halt(err)
			return response{err: e.haltedErr()}
		}
		bookDirty = true
	}

	// Market buys spend at most what was frozen against the best ask.
	var budget *decimal.Decimal
	if o.Type == order.Market && o.Side == order.Buy {
		b := freezeAmt
		budget = &b
	}

	trades, matchErr := e.match(o, budget)
	if len(trades) > 0 {
		bookDirty = true
	}
	if matchErr != nil {
		e.halt(matchErr)
		if bookDirty {
			e.publishBookChanged(time.Now().UTC())
		}
		return response{order: o.Copy(), trades: trades, err: e.haltedErr()}
	}

	doneAt := time.Now().UTC()
	if o.Type == order.Market {
		if o.Unfilled().IsPositive() {
			// Remaining market quantity has nothing left to match:
			// refund the unspent freeze and cancel the remainder.
			refundCode, refund := e.pair.Symbol.Base, o.Unfilled()
			if o.Side == order.Buy {
				refundCode, refund = e.pair.Symbol.Quote, *budget
			}
			if refund.IsPositive() {
				if err := e.ledger.Unfreeze(o.UserID, refundCode, refund); err != nil {
					e.halt(err)
					return response{order: o.Copy(), trades: trades, err: e.haltedErr()}
				}
			}
			o.Status = order.Canceled
			o.Reason = order.ReasonNoLiquidity
			o.UpdatedAt = doneAt
			e.rememberTerminal(o)
			metrics.OrdersCanceled.WithLabelValues(e.symbol, string(order.ReasonNoLiquidity)).Inc()
			e.publishOrder(dispatch.OrderCanceled, o)
		} else {
			if budget != nil && budget.IsPositive() {
				// Dust left over from tick-capped budget walks.
				if err := e.ledger.Unfreeze(o.UserID, e.pair.Symbol.Quote, *budget); err != nil {
					e.halt(err)
					return response{order: o.Copy(), trades: trades, err: e.haltedErr()}
				}
			}
			e.rememberTerminal(o)
			metrics.OrdersAccepted.WithLabelValues(e.symbol).Inc()
			e.publishOrder(dispatch.OrderAccepted, o)
		}
	} else {
		if o.IsTerminal() {
			e.rememberTerminal(o)
		}
		metrics.OrdersAccepted.WithLabelValues(e.symbol).Inc()
		e.publishOrder(dispatch.OrderAccepted, o)
	}

	if e.verifyBook {
		if err := e.book.Validate(); err != nil {
			e.halt(err)
			return response{order: o.Copy(), trades: trades, err: e.haltedErr()}
		}
	}
	if bookDirty {
		e.publishBookChanged(doneAt)
	}
	return response{order: o.Copy(), trades: trades}
}

// match runs the price-time priority loop for taker t. budget, when
// non-nil, is the remaining frozen quote a market buy may spend; each
// fill is capped so spend never exceeds it. Errors abort matching and
// halt the symbol in the caller.
func (e *Engine) match(t *order.Order, budget *decimal.Decimal) ([]order.Trade, error) {
	var trades []order.Trade
	for t.Unfilled().IsPositive() {
		maker := e.book.PeekBest(t.Side.Opposite())
		if maker == nil {
			break
		}
		if t.Type == order.Limit {
			if t.Side == order.Buy && maker.Price.GreaterThan(t.Price) {
				break
			}
			if t.Side == order.Sell && maker.Price.LessThan(t.Price) {
				break
			}
		}
		if maker.UserID == t.UserID {
			// Self-trade prevention: cancel the resting maker and
			// keep matching against the rest of the level.
			if err := e.cancelResting(maker, order.ReasonSelfTrade); err != nil {
				return trades, err
			}
			continue
		}

		qty := decimal.Min(t.Unfilled(), maker.Unfilled())
		price := maker.Price
		if budget != nil {
			// Whole ticks affordable at this level; truncation keeps
			// spend within the frozen budget exactly.
			unit := price.Mul(e.pair.QtyTick)
			ticks, _ := budget.QuoRem(unit, 0)
			affordable := ticks.Mul(e.pair.QtyTick)
			if !affordable.IsPositive() {
				break
			}
			if affordable.LessThan(qty) {
				qty = affordable
			}
		}

		now := time.Now().UTC()
		buyerID, sellerID := t.UserID, maker.UserID
		buyOrderID, sellOrderID := t.ID, maker.ID
		if t.Side == order.Sell {
			buyerID, sellerID = maker.UserID, t.UserID
			buyOrderID, sellOrderID = maker.ID, t.ID
		}
		err := e.ledger.Settle(ledger.SettleParams{
			BuyerID:      buyerID,
			SellerID:     sellerID,
			Base:         e.pair.Symbol.Base,
			Quote:        e.pair.Symbol.Quote,
			Qty:          qty,
			Price:        price,
			TakerIsBuyer: t.Side == order.Buy,
		})
		if err != nil {
			return trades, err
		}

		if err := e.book.ApplyFill(maker, qty, now); err != nil {
			return trades, err
		}
		if t.Type == order.Limit {
			if err := e.book.ApplyFill(t, qty, now); err != nil {
				return trades, err
			}
		} else {
			t.Fill(qty, now)
		}
		if budget != nil {
			*budget = budget.Sub(qty.Mul(price))
		}
		if t.Type == order.Limit && t.Side == order.Buy {
			// A buy filling below its limit frees the difference
			// between the frozen notional and the traded notional.
			if excess := qty.Mul(t.Price.Sub(price)); excess.IsPositive() {
				if err := e.ledger.Unfreeze(t.UserID, e.pair.Symbol.Quote, excess); err != nil {
					return trades, err
				}
			}
		}

		tr := order.Trade{
			ID:          e.trades.next(),
			Symbol:      e.pair.Symbol,
			BuyOrderID:  buyOrderID,
			SellOrderID: sellOrderID,
			BuyerID:     buyerID,
			SellerID:    sellerID,
			Price:       price,
			Qty:         qty,
			TakerSide:   t.Side,
			ExecutedAt:  now,
		}
		trades = append(trades, tr)
		metrics.TradesExecuted.WithLabelValues(e.symbol).Inc()
		evt := tr
		e.publish(dispatch.TradeExecuted, &evt)
		if maker.IsTerminal() {
			e.rememberTerminal(maker)
			e.publishOrder(dispatch.OrderFilled, maker)
		}
	}
	return trades, nil
}

// cancelResting removes a maker from the book, refunds its remaining
// freeze and emits OrderCanceled.
func (e *Engine) cancelResting(o *order.Order, reason order.CancelReason) error {
	if err := e.book.Remove(o); err != nil {
		return err
	}
	code, refund := e.pair.Symbol.Base, o.Unfilled()
	if o.Side == order.Buy {
		code, refund = e.pair.Symbol.Quote, o.Unfilled().Mul(o.Price)
	}
	if err := e.ledger.Unfreeze(o.UserID, code, refund); err != nil {
		return err
	}
	o.Status = order.Canceled
	o.Reason = reason
	o.UpdatedAt = time.Now().UTC()
	e.rememberTerminal(o)
	metrics.OrdersCanceled.WithLabelValues(e.symbol, string(reason)).Inc()
	e.publishOrder(dispatch.OrderCanceled, o)
	return nil
}

func (e *Engine) handleCancel(userID, orderID int64) response {
	if e.Halted() {
		return response{err: e.haltedErr()}
	}
	o, ok := e.book.Get(orderID)
	if !ok || o.UserID != userID {
		if t, done := e.terminal[orderID]; done && t.UserID == userID {
			return response{order: t, err: fmt.Errorf("order %d %w", orderID, ErrAlreadyTerminal)}
		}
		return response{err: fmt.Errorf("order %d %w", orderID, ErrOrderNotFound)}
	}
	if err := e.cancelResting(o, order.ReasonUserRequested); err != nil {
		e.halt(err)
		return response{err: e.haltedErr()}
	}
	if e.verifyBook {
		if err := e.book.Validate(); err != nil {
			e.halt(err)
			return response{order: o.Copy(), err: e.haltedErr()}
		}
	}
	e.publishBookChanged(time.Now().UTC())
	return response{order: o.Copy()}
}

func (e *Engine) handleStatus(orderID int64) response {
	if o, ok := e.book.Get(orderID); ok {
		return response{order: o.Copy()}
	}
	if t, ok := e.terminal[orderID]; ok {
		return response{order: t}
	}
	return response{err: fmt.Errorf("order %d %w", orderID, ErrOrderNotFound)}
}
