package upstream

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"

	"github.com/openclob/venue/marketdata"
)

// priceAsc orders skiplist keys by ascending price (asks).
type priceAsc struct{}

func (priceAsc) Compare(lhs, rhs interface{}) int {
	return lhs.(decimal.Decimal).Cmp(rhs.(decimal.Decimal))
}

func (priceAsc) CalcScore(key interface{}) float64 {
	return key.(decimal.Decimal).InexactFloat64()
}

// priceDesc orders skiplist keys by descending price (bids).
type priceDesc struct{}

func (priceDesc) Compare(lhs, rhs interface{}) int {
	return rhs.(decimal.Decimal).Cmp(lhs.(decimal.Decimal))
}

func (priceDesc) CalcScore(key interface{}) float64 {
	return -key.(decimal.Decimal).InexactFloat64()
}

// depthMirror tracks the upstream book for one symbol. It is owned by
// the relay's read goroutine and needs no locking.
type depthMirror struct {
	bids *skiplist.SkipList
	asks *skiplist.SkipList
}

func newDepthMirror() *depthMirror {
	return &depthMirror{
		bids: skiplist.New(priceDesc{}),
		asks: skiplist.New(priceAsc{}),
	}
}

// rebuild replaces the mirror with snapshot contents.
func (m *depthMirror) rebuild(bids, asks []marketdata.Level) {
	m.bids = skiplist.New(priceDesc{})
	m.asks = skiplist.New(priceAsc{})
	m.apply(bids, asks)
}

// apply folds incremental rows in; zero quantity deletes the level.
func (m *depthMirror) apply(bids, asks []marketdata.Level) {
	for i := range bids {
		if bids[i].Qty.IsZero() {
			m.bids.Remove(bids[i].Price)
		} else {
			m.bids.Set(bids[i].Price, bids[i].Qty)
		}
	}
	for i := range asks {
		if asks[i].Qty.IsZero() {
			m.asks.Remove(asks[i].Price)
		} else {
			m.asks.Set(asks[i].Price, asks[i].Qty)
		}
	}
}

// top returns up to n levels per side, best first.
func (m *depthMirror) top(n int) (bids, asks []marketdata.Level) {
	for e := m.bids.Front(); e != nil && len(bids) < n; e = e.Next() {
		bids = append(bids, marketdata.Level{
			Price: e.Key().(decimal.Decimal),
			Qty:   e.Value.(decimal.Decimal),
		})
	}
	for e := m.asks.Front(); e != nil && len(asks) < n; e = e.Next() {
		asks = append(asks, marketdata.Level{
			Price: e.Key().(decimal.Decimal),
			Qty:   e.Value.(decimal.Decimal),
		})
	}
	return bids, asks
}
