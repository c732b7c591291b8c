package rsocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func noneActive(StreamID) bool { return false }

func Test_StreamIDSupplier_OddParity(t *testing.T) {
	s := newStreamIDSupplier(true)
	assert.Equal(t, StreamID(1), s.next(noneActive))
	assert.Equal(t, StreamID(3), s.next(noneActive))
	assert.Equal(t, StreamID(5), s.next(noneActive))
}

func Test_StreamIDSupplier_EvenParity(t *testing.T) {
	s := newStreamIDSupplier(false)
	assert.Equal(t, StreamID(2), s.next(noneActive))
	assert.Equal(t, StreamID(4), s.next(noneActive))
}

func Test_StreamIDSupplier_SkipsActive(t *testing.T) {
	s := newStreamIDSupplier(true)
	active := map[StreamID]bool{1: true}
	isActive := func(id StreamID) bool { return active[id] }
	got := s.next(isActive)
	assert.Equal(t, StreamID(3), got)
}

func Test_StreamIDSupplier_IsBeforeOrCurrent(t *testing.T) {
	s := newStreamIDSupplier(true)
	s.next(noneActive) // 1
	s.next(noneActive) // 3

	assert.True(t, s.isBeforeOrCurrent(1))
	assert.True(t, s.isBeforeOrCurrent(3))
	assert.False(t, s.isBeforeOrCurrent(5))
	assert.False(t, s.isBeforeOrCurrent(2)) // wrong parity
}

func Test_StreamIDSupplier_WrapFindsHole(t *testing.T) {
	s := newStreamIDSupplier(true)
	s.last = uint32(MaxStreamID) - 1 // next natural increment would overflow

	active := map[StreamID]bool{1: true, 3: true}
	isActive := func(id StreamID) bool { return active[id] }

	got := s.next(isActive)
	assert.Equal(t, StreamID(5), got)
}
