// framepool.go
//
// A channel-backed free list of Data buffers, the same scheme as the
// teacher's frameDataPool: a bounded channel acts as a pool without needing
// a sync.Pool's GC-driven eviction, which matters here because frames are
// recycled at very high rates on a busy Connection.

package rsocket

var dataPool chan Data

func init() {
	dataPool = make(chan Data, 0x10000)
}

// DataAlloc returns a Data buffer with a zeroed Header and no body, either
// recycled from the pool or freshly allocated.
func DataAlloc() Data {
	select {
	case d := <-dataPool:
		d.Reset()
		return d
	default:
		return NewData()
	}
}

// DataAllocStream returns a Data buffer with its Header's stream id already
// set, saving a separate SetStreamID call at every call site that knows the
// id up front.
func DataAllocStream(id StreamID) Data {
	d := DataAlloc()
	d.Header().SetStreamID(id)
	return d
}

// DataFree releases d back to the pool. It is a no-op if the pool is full,
// letting the buffer be garbage collected instead of blocking the caller.
func DataFree(d Data) {
	if d != nil {
		select {
		case dataPool <- d:
		default:
		}
	}
}
