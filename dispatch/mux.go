package dispatch

import (
	"sync/atomic"

	"github.com/gofrs/uuid"
)

// GetNewMux returns a new multiplexer over a running dispatcher to
// track venue event flow between subsystems.
func GetNewMux(d *Dispatcher) *Mux {
	return &Mux{d: d}
}

// Subscribe registers interest in the given event kinds and returns the
// associated pipe.
func (m *Mux) Subscribe(kinds ...Kind) (Pipe, error) {
	if m == nil {
		return Pipe{}, errMuxIsNil
	}
	sub, err := m.d.subscribe(kinds)
	if err != nil {
		return Pipe{}, err
	}
	return Pipe{C: sub.c, id: sub.id, m: m, sub: sub}, nil
}

// Unsubscribe removes the subscriber with the given id and closes its
// channel.
func (m *Mux) Unsubscribe(id uuid.UUID) error {
	if m == nil {
		return errMuxIsNil
	}
	return m.d.unsubscribe(id)
}

// Publish stamps the event with its per-symbol sequence number and
// dispatches it to every subscriber of the event's kind without
// blocking.
func (m *Mux) Publish(e Event) error {
	if m == nil {
		return errMuxIsNil
	}
	return m.d.publish(e)
}

// Sequence returns the last sequence number issued for symbol, zero
// when nothing has been published yet.
func (m *Mux) Sequence(symbol string) int64 {
	if m == nil {
		return 0
	}
	return m.d.seqFor(symbol)
}

// ID returns the pipe's subscriber id.
func (p *Pipe) ID() uuid.UUID { return p.id }

// Release returns the pipe to the dispatcher and closes its channel.
func (p *Pipe) Release() error {
	return p.m.Unsubscribe(p.id)
}

// TakeLagged reports whether deliveries were dropped since the last
// call and clears the flag. Consumers serving realtime clients react by
// forcing a fresh snapshot.
func (p *Pipe) TakeLagged() bool {
	if p.sub == nil {
		return false
	}
	return atomic.SwapInt32(&p.sub.lagged, 0) == 1
}

// Drops returns the total events dropped for this subscriber.
func (p *Pipe) Drops() int64 {
	if p.sub == nil {
		return 0
	}
	return atomic.LoadInt64(&p.sub.drops)
}
