// stream.go
//
// Per-stream state shared by the Requester and Responder halves of a
// Connection. Per the design note in the protocol ("Reactive streams without
// inheritance"), there is one map keyed by stream id holding a sum-type
// entry, rather than parallel requester/responder maps with their own
// lifetimes — this mirrors the teacher's single connLookup slice of *Conn
// (muxer.go) that every read/write path addresses through one lookup.
//
// A stream entry holds no reference to the Connection or to the outbound
// queue, so there is no ownership cycle between Connection and its
// streams: the Connection exclusively owns the map, and every frame is
// written by a Connection method, never by an entry.

package rsocket

import (
	"context"
	"sync"
)

// streamKind distinguishes the three shapes a stream entry can take.
type streamKind int

const (
	streamKindReceiver streamKind = iota // Requester: expects inbound NEXT/COMPLETE/ERROR
	streamKindSender                     // Responder: emits NEXT bounded by inbound credit
	streamKindChannel                    // both halves share one stream id
)

// PayloadProducer is a pull-based, demand-driven sequence of Payload
// values, expressed without a reactive-streams class hierarchy. Next
// blocks until a value, completion, or an error is available.
// ok is false exactly at end-of-sequence; a non-nil err implies ok is
// false.
type PayloadProducer interface {
	Next(ctx context.Context) (p Payload, ok bool, err error)
}

// sliceProducer adapts a pre-built slice of Payload to PayloadProducer, the
// common case for handlers that already have their output in hand.
type sliceProducer struct {
	items []Payload
	i     int
}

// SliceProducer returns a PayloadProducer that yields items in order.
func SliceProducer(items []Payload) PayloadProducer { return &sliceProducer{items: items} }

func (s *sliceProducer) Next(ctx context.Context) (Payload, bool, error) {
	if s.i >= len(s.items) {
		return Payload{}, false, nil
	}
	p := s.items[s.i]
	s.i++
	return p, true, nil
}

// chanProducer adapts a channel of frame-shaped events to PayloadProducer;
// used for the Responder's channel inbound half (the Requester's receiver
// half uses requesterProducer).
type chanProducer struct {
	events <-chan streamEvent
	ctx    context.Context
}

type streamEvent struct {
	payload  Payload
	complete bool
	err      error
}

func (c *chanProducer) Next(ctx context.Context) (Payload, bool, error) {
	select {
	case ev, open := <-c.events:
		if !open {
			return Payload{}, false, ErrClosedChannel
		}
		if ev.err != nil {
			return Payload{}, false, ev.err
		}
		if ev.complete {
			return Payload{}, false, nil
		}
		return ev.payload, true, nil
	case <-ctx.Done():
		return Payload{}, false, ctx.Err()
	}
}

// demandCounter accumulates downstream REQUEST_N-shaped demand under a
// mutex and reports whether the accumulated amount has crossed the flush
// threshold: a quarter of the last amount granted on the wire, a common
// choice for bounding REQUEST_N chatter without stalling demand.
type demandCounter struct {
	mu            sync.Mutex
	lastGranted   uint32
	pendingExtra  uint32
}

func (d *demandCounter) noteInitial(n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastGranted = n
}

// add folds in more downstream demand and returns the amount to flush as a
// REQUEST_N frame, or 0 if below threshold.
func (d *demandCounter) add(n uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingExtra = saturatingAdd(d.pendingExtra, n)
	threshold := d.lastGranted / 4
	if threshold == 0 {
		threshold = 1
	}
	if d.pendingExtra < threshold {
		return 0
	}
	flushed := d.pendingExtra
	d.pendingExtra = 0
	d.lastGranted = flushed
	return flushed
}

func saturatingAdd(a, b uint32) uint32 {
	sum := a + b
	if sum < a {
		return ^uint32(0)
	}
	return sum
}

// creditGate is the Responder-side outbound credit counter: the responder
// must not emit more NEXT frames than the currently granted credit. Blocks
// emission when exhausted until REQUEST_N arrives.
type creditGate struct {
	mu        sync.Mutex
	available uint32
	signal    chan struct{}
}

func newCreditGate(initial uint32) *creditGate {
	return &creditGate{available: initial, signal: make(chan struct{}, 1)}
}

// grant adds n to the available credit and wakes a blocked acquire.
func (g *creditGate) grant(n uint32) {
	g.mu.Lock()
	g.available = saturatingAdd(g.available, n)
	g.mu.Unlock()
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

// acquire blocks until at least one credit is available, then consumes
// one, or returns false if ctx is done first.
func (g *creditGate) acquire(ctx context.Context) bool {
	for {
		g.mu.Lock()
		if g.available > 0 {
			g.available--
			g.mu.Unlock()
			return true
		}
		g.mu.Unlock()
		select {
		case <-g.signal:
		case <-ctx.Done():
			return false
		}
	}
}
