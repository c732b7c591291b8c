// streamid.go
//
// Allocates the 31-bit stream ids a Requester issues for new interactions.
// The fast path is the same lock-free compare-and-swap
// increment the teacher's Muxer.NewConn uses for its ConnID counter
// (muxer.go); unlike the teacher's fixed-size ConnID space, RSocket ids
// range over 31 bits (up to MaxStreamID) and only wrap once exhausted, so the
// wrap path falls back to scanning the active-stream set for a hole of the
// right parity.

package rsocket

import (
	"sync"
	"sync/atomic"
)

// streamIDSupplier allocates ids of a fixed parity: odd for the peer that
// sent SETUP, even for the other side.
type streamIDSupplier struct {
	odd  bool
	last uint32 // atomic; last id issued, 0 before first allocation

	wrapMu sync.Mutex // guards the rare wrap-around rescan
}

func newStreamIDSupplier(odd bool) *streamIDSupplier {
	return &streamIDSupplier{odd: odd}
}

func (s *streamIDSupplier) firstID() uint32 {
	if s.odd {
		return 1
	}
	return 2
}

// next returns the next id to issue, given a predicate reporting whether a
// candidate id is already active. It does not itself register the id;
// callers must insert it into their stream map before releasing the id to
// application code, closing the same race the teacher's connLookup/CAS
// pair closes for ConnID.
func (s *streamIDSupplier) next(isActive func(StreamID) bool) StreamID {
	for {
		last := atomic.LoadUint32(&s.last)
		var candidate uint32
		if last == 0 {
			candidate = s.firstID()
		} else {
			candidate = last + 2
		}
		if candidate > uint32(MaxStreamID) || candidate == 0 {
			return s.wrapAndFindHole(isActive)
		}
		if atomic.CompareAndSwapUint32(&s.last, last, candidate) {
			id := StreamID(candidate)
			if !isActive(id) {
				return id
			}
			// Another allocator (post-wrap rescan) beat us to this id;
			// loop and try the next one.
		}
	}
}

// wrapAndFindHole scans from the first id of this supplier's parity for the
// smallest id not currently active, prescribed policy.
func (s *streamIDSupplier) wrapAndFindHole(isActive func(StreamID) bool) StreamID {
	s.wrapMu.Lock()
	defer s.wrapMu.Unlock()
	for candidate := s.firstID(); candidate <= uint32(MaxStreamID); candidate += 2 {
		id := StreamID(candidate)
		if !isActive(id) {
			atomic.StoreUint32(&s.last, candidate)
			return id
		}
	}
	panic("rsocket: stream id space exhausted")
}

// isBeforeOrCurrent reports whether id could have already been legitimately
// issued by this supplier, distinguishing a late frame for a since-closed
// stream (silently dropped) from a frame addressed to an id that could
// never have existed (a protocol-fatal framing error).
func (s *streamIDSupplier) isBeforeOrCurrent(id StreamID) bool {
	if uint32(id)%2 != s.parityBit() {
		return false
	}
	return uint32(id) <= atomic.LoadUint32(&s.last)
}

func (s *streamIDSupplier) parityBit() uint32 {
	if s.odd {
		return 1
	}
	return 0
}
