// transport.go
//
// The duplex connection adapter: the contract between
// the core and a concrete byte transport, plus the prioritized outbound
// queue every Connection drains through exactly one writer goroutine,
// mirroring the teacher's Muxer.writeCh / Muxer.ReadFrom-Muxer.WriteTo
// split (muxer.go) of one read loop and one write loop per multiplexed
// connection.

package rsocket

import (
	"io"

	"github.com/pkg/errors"
)

// DuplexConnection is the transport contract the protocol describes:
// a lazy, backpressured frame source and sink. Concrete transports
// (transport_tcp.go, transport_websocket.go, transport_local.go) implement
// it; the core never sees anything more concrete than this interface.
type DuplexConnection interface {
	// ReceiveFrame blocks until the next inbound frame is available, the
	// transport closes, or ctx-equivalent cancellation via Close occurs; on
	// close it returns an error (io.EOF from a TCP stream the peer ended,
	// ErrClosedChannel from the in-process pair).
	ReceiveFrame() (Data, error)
	// SendFrame writes one frame. Implementations may buffer internally but
	// must preserve submission order relative to other SendFrame calls.
	SendFrame(Data) error
	// Close closes the underlying transport in both directions.
	Close() error
	// OnClose returns a channel closed when the transport has closed, for
	// any reason.
	OnClose() <-chan struct{}
	// Availability reports a value in [0.0, 1.0]; 0 means definitely
	// unavailable. Transports with no better signal return 1.0.
	Availability() float64
}

// outboundQueue is the single prioritized producer/consumer staging queue
// of the protocol: control frames (KEEPALIVE, LEASE, ERROR, CANCEL,
// REQUEST_N, METADATA_PUSH) jump
// ahead of data frames still buffered, but never ahead of a frame already
// handed to the transport. Two channels stand in for one priority queue,
// the simplest structure that gives control frames absolute priority
// without an explicit heap.
type outboundQueue struct {
	control chan Data
	data    chan Data
	closed  chan struct{}
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{
		control: make(chan Data, 256),
		data:    make(chan Data, 4096),
		closed:  make(chan struct{}),
	}
}

// isControlFrame reports whether t's frames are prioritized ahead of data
// traffic, "Ordering guarantees".
func isControlFrame(t FrameType) bool {
	switch t {
	case FrameTypeKeepalive, FrameTypeLease, FrameTypeError, FrameTypeCancel,
		FrameTypeRequestN, FrameTypeMetadataPush:
		return true
	default:
		return false
	}
}

// enqueue submits d for transmission, routing it to the control or data
// lane by its frame type.
func (q *outboundQueue) enqueue(d Data) error {
	lane := q.data
	if isControlFrame(d.Header().Type()) {
		lane = q.control
	}
	select {
	case lane <- d:
		return nil
	case <-q.closed:
		return errors.WithStack(ErrClosedChannel)
	}
}

// dequeue blocks until a frame is available, preferring the control lane,
// or reports that the queue has closed.
func (q *outboundQueue) dequeue() (Data, bool) {
	select {
	case d := <-q.control:
		return d, true
	default:
	}
	select {
	case d := <-q.control:
		return d, true
	case d := <-q.data:
		return d, true
	case <-q.closed:
		return nil, false
	}
}

func (q *outboundQueue) close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}

// writerLoop drains q and hands each frame to conn in order, until the
// queue closes or a write fails — the single writer goroutine every
// Connection relies on for output ordering.
func writerLoop(conn DuplexConnection, q *outboundQueue, onErr func(error)) {
	for {
		d, ok := q.dequeue()
		if !ok {
			return
		}
		if err := conn.SendFrame(d); err != nil {
			if onErr != nil && !errors.Is(errors.Cause(err), io.EOF) {
				onErr(err)
			}
			return
		}
		DataFree(d)
	}
}
