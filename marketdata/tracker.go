package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	statsWindow     = 24 * time.Hour
	maxTradePoints  = 4096
	maxRecentTrades = 200
)

// Tracker maintains per-symbol rolling 24h statistics from venue
// trades and top-of-book updates. Upstream tickers fill fields the
// local flow has not produced.
type Tracker struct {
	m       sync.RWMutex
	symbols map[string]*symbolStats
}

type tradePoint struct {
	at    time.Time
	price decimal.Decimal
	qty   decimal.Decimal
}

type symbolStats struct {
	points  []tradePoint
	volume  decimal.Decimal
	last    decimal.Decimal
	lastAt  time.Time
	bestBid decimal.Decimal
	bestAsk decimal.Decimal

	// upstream-sourced fallbacks for fields the venue flow lacks
	upHigh   decimal.Decimal
	upLow    decimal.Decimal
	upVolume decimal.Decimal
	upChange decimal.Decimal

	recent []*PublicTrade
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{symbols: make(map[string]*symbolStats)}
}

func (t *Tracker) stats(symbol string) *symbolStats {
	s, ok := t.symbols[symbol]
	if !ok {
		s = &symbolStats{}
		t.symbols[symbol] = s
	}
	return s
}

// prune drops trade points outside the rolling window and keeps the
// running volume in step.
func (s *symbolStats) prune(now time.Time) {
	cutoff := now.Add(-statsWindow)
	i := 0
	for i < len(s.points) && s.points[i].at.Before(cutoff) {
		s.volume = s.volume.Sub(s.points[i].qty)
		i++
	}
	if i > 0 {
		s.points = append(s.points[:0], s.points[i:]...)
	}
}

// ApplyTrade folds one public trade into the symbol's statistics and
// its recent-trade ring.
func (t *Tracker) ApplyTrade(tr *PublicTrade) {
	t.m.Lock()
	defer t.m.Unlock()

	s := t.stats(tr.Symbol)
	s.prune(tr.At)
	s.points = append(s.points, tradePoint{at: tr.At, price: tr.Price, qty: tr.Qty})
	if len(s.points) > maxTradePoints {
		drop := s.points[0]
		s.volume = s.volume.Sub(drop.qty)
		s.points = s.points[1:]
	}
	s.volume = s.volume.Add(tr.Qty)
	s.last = tr.Price
	s.lastAt = tr.At

	s.recent = append(s.recent, tr)
	if len(s.recent) > maxRecentTrades {
		s.recent = s.recent[1:]
	}
}

// SetTopOfBook records the current best bid and ask. Zero values mean
// the side is empty.
func (t *Tracker) SetTopOfBook(symbol string, bestBid, bestAsk decimal.Decimal) {
	t.m.Lock()
	defer t.m.Unlock()

	s := t.stats(symbol)
	s.bestBid = bestBid
	s.bestAsk = bestAsk
}

// MergeUpstream stores upstream ticker statistics used as fallbacks
// where the venue's own flow has produced nothing.
func (t *Tracker) MergeUpstream(up *Ticker) {
	t.m.Lock()
	defer t.m.Unlock()

	s := t.stats(up.Symbol)
	s.upHigh = up.High24h
	s.upLow = up.Low24h
	s.upVolume = up.Volume24h
	s.upChange = up.ChangePercent
	if s.last.IsZero() {
		s.last = up.LastPrice
		s.lastAt = up.At
	}
	if s.bestBid.IsZero() {
		s.bestBid = up.BestBid
	}
	if s.bestAsk.IsZero() {
		s.bestAsk = up.BestAsk
	}
}

// Snapshot assembles the current ticker for a symbol.
func (t *Tracker) Snapshot(symbol string, now time.Time) *Ticker {
	t.m.Lock()
	defer t.m.Unlock()

	s := t.stats(symbol)
	s.prune(now)

	tk := &Ticker{
		Symbol:    symbol,
		LastPrice: s.last,
		BestBid:   s.bestBid,
		BestAsk:   s.bestAsk,
		At:        now,
	}
	if !s.bestBid.IsZero() && !s.bestAsk.IsZero() {
		tk.Mid = s.bestBid.Add(s.bestAsk).Div(decimal.NewFromInt(2))
	}

	if len(s.points) > 0 {
		high, low := s.points[0].price, s.points[0].price
		for i := 1; i < len(s.points); i++ {
			if s.points[i].price.GreaterThan(high) {
				high = s.points[i].price
			}
			if s.points[i].price.LessThan(low) {
				low = s.points[i].price
			}
		}
		tk.High24h = high
		tk.Low24h = low
		tk.Volume24h = s.volume
		open := s.points[0].price
		if open.IsPositive() {
			tk.ChangePercent = s.last.Sub(open).Div(open).Mul(decimal.NewFromInt(100))
		}
	} else {
		tk.High24h = s.upHigh
		tk.Low24h = s.upLow
		tk.Volume24h = s.upVolume
		tk.ChangePercent = s.upChange
	}
	return tk
}

// Recent returns up to limit most recent public trades, newest first.
func (t *Tracker) Recent(symbol string, limit int) []*PublicTrade {
	t.m.RLock()
	defer t.m.RUnlock()

	s, ok := t.symbols[symbol]
	if !ok || limit <= 0 {
		return nil
	}
	n := len(s.recent)
	if limit > n {
		limit = n
	}
	out := make([]*PublicTrade, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.recent[n-1-i]
	}
	return out
}
