// Package dispatch is the in-process event bus. Matching engines and
// the market-data relay publish typed events; the publisher, durability
// writer and realtime fabric consume them over bounded pipes.
package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
)

// NewDispatcher returns a running dispatcher whose subscriber queues
// hold queueSize events each.
func NewDispatcher(queueSize int) (*Dispatcher, error) {
	if queueSize <= 0 {
		return nil, fmt.Errorf("%w: %d", errQueueSizeInvalid, queueSize)
	}
	return &Dispatcher{
		routes:    make(map[Kind][]*subscriber),
		streams:   make(map[string]*stream),
		queueSize: queueSize,
		running:   1,
	}, nil
}

// Stop rejects further publishes and closes every subscriber channel.
// Safe to call once; subsequent calls return ErrNotRunning.
func (d *Dispatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return ErrNotRunning
	}
	d.m.Lock()
	defer d.m.Unlock()
	closed := make(map[uuid.UUID]struct{})
	for _, subs := range d.routes {
		for _, s := range subs {
			if _, done := closed[s.id]; done {
				continue
			}
			close(s.c)
			closed[s.id] = struct{}{}
		}
	}
	d.routes = make(map[Kind][]*subscriber)
	return nil
}

// isRunning reports whether the dispatcher accepts traffic.
func (d *Dispatcher) isRunning() bool {
	return atomic.LoadInt32(&d.running) == 1
}

// subscribe registers a new bounded queue for the given kinds.
func (d *Dispatcher) subscribe(kinds []Kind) (*subscriber, error) {
	if !d.isRunning() {
		return nil, ErrNotRunning
	}
	if len(kinds) == 0 {
		return nil, errNoKinds
	}
	for _, k := range kinds {
		if !k.valid() {
			return nil, fmt.Errorf("%w: %d", errKindInvalid, k)
		}
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	sub := &subscriber{
		id:    id,
		kinds: append([]Kind(nil), kinds...),
		c:     make(chan Event, d.queueSize),
	}
	d.m.Lock()
	for _, k := range kinds {
		d.routes[k] = append(d.routes[k], sub)
	}
	d.m.Unlock()
	return sub, nil
}

// unsubscribe removes the subscriber from every route and closes its
// channel so range loops over the pipe terminate.
func (d *Dispatcher) unsubscribe(id uuid.UUID) error {
	d.m.Lock()
	defer d.m.Unlock()
	var found bool
	var target *subscriber
	for _, k := range d.routes {
		for i := range k {
			if k[i].id == id {
				target = k[i]
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrSubscriberGone, id)
	}
	for _, k := range target.kinds {
		subs := d.routes[k]
		for i := range subs {
			if subs[i].id == id {
				d.routes[k] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	close(target.c)
	return nil
}

// stream returns the sequencing state for symbol, creating it lazily.
func (d *Dispatcher) stream(symbol string) *stream {
	d.m.RLock()
	st, ok := d.streams[symbol]
	d.m.RUnlock()
	if ok {
		return st
	}
	d.m.Lock()
	defer d.m.Unlock()
	if st, ok = d.streams[symbol]; ok {
		return st
	}
	st = &stream{}
	d.streams[symbol] = st
	return st
}

// publish stamps the event with the symbol's next sequence number and
// fans it out. Full queues never block the publisher: the event is
// dropped for that subscriber, the drop counted and the subscriber
// marked lagged so it can force a fresh snapshot on its next cycle.
func (d *Dispatcher) publish(e Event) error {
	if !d.isRunning() {
		return ErrNotRunning
	}
	if !e.Kind.valid() {
		return fmt.Errorf("%w: %d", errKindInvalid, e.Kind)
	}
	if e.Symbol == "" {
		return errSymbolEmpty
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	st := d.stream(e.Symbol)
	st.m.Lock()
	defer st.m.Unlock()
	st.seq++
	e.Seq = st.seq

	d.m.RLock()
	subs := d.routes[e.Kind]
	for _, s := range subs {
		select {
		case s.c <- e:
		default:
			atomic.StoreInt32(&s.lagged, 1)
			atomic.AddInt64(&s.drops, 1)
		}
	}
	d.m.RUnlock()
	return nil
}

// seqFor returns the last sequence number issued for symbol.
func (d *Dispatcher) seqFor(symbol string) int64 {
	st := d.stream(symbol)
	st.m.Lock()
	defer st.m.Unlock()
	return st.seq
}
