// requester.go
//
// Originates interactions and owns the receiving half of each
// stream's state machine. The application-facing shape is the RSocket
// surface from the protocol; this file implements that surface against a
// Connection.

package rsocket

import (
	"context"
)

// FireAndForget sends p and returns once the frame has been handed to the
// outbound queue; there is no response to await.
func (c *Connection) FireAndForget(ctx context.Context, p Payload) error {
	id := c.allocateStreamID()
	return c.sendFrame(Frame{StreamID: id, Type: FrameTypeRequestFNF, Payload: p})
}

// RequestResponse sends p and blocks until the single response payload, or
// an error, arrives.
func (c *Connection) RequestResponse(ctx context.Context, p Payload) (Payload, error) {
	if !c.lease.admitOutbound() {
		return Payload{}, NewRSocketError(ErrorCodeRejected, "no lease")
	}
	id := c.allocateStreamID()
	events := make(chan streamEvent, 2)
	h := &streamHandle{id: id, kind: streamKindReceiver, recvEvents: events}
	c.registerStream(id, h)

	if err := c.sendFrame(Frame{StreamID: id, Type: FrameTypeRequestResponse, Payload: p}); err != nil {
		c.dropStream(id)
		return Payload{}, err
	}
	return c.awaitSingle(ctx, h)
}

func (c *Connection) awaitSingle(ctx context.Context, h *streamHandle) (Payload, error) {
	select {
	case ev := <-h.recvEvents:
		if ev.err != nil {
			return Payload{}, ev.err
		}
		return ev.payload, nil
	case <-ctx.Done():
		c.cancelStream(h.id)
		return Payload{}, ctx.Err()
	case <-c.closeCh:
		return Payload{}, ErrClosedChannel
	}
}

// RequestStream sends p with an initial demand of n and returns a
// PayloadProducer the caller drains at its own pace, issuing REQUEST_N as
// it asks for more.
func (c *Connection) RequestStream(ctx context.Context, p Payload, initialN uint32) (PayloadProducer, error) {
	if !c.lease.admitOutbound() {
		return nil, NewRSocketError(ErrorCodeRejected, "no lease")
	}
	if initialN == 0 {
		initialN = 1
	}
	id := c.allocateStreamID()
	events := make(chan streamEvent, 64)
	demand := &demandCounter{}
	demand.noteInitial(initialN)
	h := &streamHandle{id: id, kind: streamKindReceiver, recvEvents: events, demand: demand}
	c.registerStream(id, h)

	if err := c.sendFrame(Frame{StreamID: id, Type: FrameTypeRequestStream, InitialRequestN: initialN, Payload: p}); err != nil {
		c.dropStream(id)
		return nil, err
	}
	return &requesterProducer{conn: c, handle: h}, nil
}

// RequestChannel sends the first element of upstream as the initial
// REQUEST_CHANNEL frame (carrying initialN as demand for the responder's
// output), forwards subsequent upstream elements as they arrive, and
// returns a PayloadProducer for the responder's output half.
func (c *Connection) RequestChannel(ctx context.Context, upstream PayloadProducer, initialN uint32) (PayloadProducer, error) {
	if !c.lease.admitOutbound() {
		return nil, NewRSocketError(ErrorCodeRejected, "no lease")
	}
	if initialN == 0 {
		initialN = 1
	}
	first, ok, err := upstream.Next(ctx)
	if err != nil {
		return nil, err
	}

	id := c.allocateStreamID()
	events := make(chan streamEvent, 64)
	demand := &demandCounter{}
	demand.noteInitial(initialN)
	h := &streamHandle{id: id, kind: streamKindChannel, recvEvents: events, demand: demand}
	c.registerStream(id, h)

	initFlags := Flags(0)
	if !ok {
		initFlags = FlagComplete
	}
	if err := c.sendFrame(Frame{StreamID: id, Type: FrameTypeRequestChannel, InitialRequestN: initialN, Flags: initFlags, Payload: first}); err != nil {
		c.dropStream(id)
		return nil, err
	}
	if ok {
		go c.pumpChannelUpstream(id, upstream)
	}
	return &requesterProducer{conn: c, handle: h}, nil
}

func (c *Connection) pumpChannelUpstream(id StreamID, upstream PayloadProducer) {
	ctx := context.Background()
	for {
		p, ok, err := upstream.Next(ctx)
		if err != nil {
			c.sendApplicationError(id, err)
			return
		}
		if !ok {
			_ = c.sendFrame(Frame{StreamID: id, Type: FrameTypePayload, Flags: FlagComplete})
			return
		}
		if c.lookupStream(id) == nil {
			return // peer cancelled or connection tore down
		}
		_ = c.sendFrame(Frame{StreamID: id, Type: FrameTypePayload, Flags: FlagNext, Payload: p})
	}
}

// MetadataPush sends metadata (no data, no stream allocated) on stream 0.
func (c *Connection) MetadataPush(ctx context.Context, metadata []byte) error {
	return c.sendFrame(Frame{Type: FrameTypeMetadataPush, Payload: Payload{Metadata: metadata}})
}

// cancelStream sends CANCEL for id and drops the local entry.
func (c *Connection) cancelStream(id StreamID) {
	if c.lookupStream(id) == nil {
		return
	}
	c.dropStream(id)
	_ = c.sendFrame(Frame{StreamID: id, Type: FrameTypeCancel})
}

func (c *Connection) allocateStreamID() StreamID {
	return c.supplier.next(func(id StreamID) bool {
		return c.lookupStream(id) != nil
	})
}

// requesterProducer adapts a Requester-owned streamHandle to
// PayloadProducer, flushing REQUEST_N frames as the caller asks for more
// via Next.
type requesterProducer struct {
	conn   *Connection
	handle *streamHandle
}

func (r *requesterProducer) Next(ctx context.Context) (Payload, bool, error) {
	select {
	case ev, open := <-r.handle.recvEvents:
		if !open {
			return Payload{}, false, ErrClosedChannel
		}
		if ev.err != nil {
			return Payload{}, false, ev.err
		}
		if ev.complete {
			return Payload{}, false, nil
		}
		if r.handle.demand != nil {
			if n := r.handle.demand.add(1); n > 0 {
				_ = r.conn.sendFrame(Frame{StreamID: r.handle.id, Type: FrameTypeRequestN, RequestN: n})
			}
		}
		return ev.payload, true, nil
	case <-ctx.Done():
		r.conn.cancelStream(r.handle.id)
		return Payload{}, false, ctx.Err()
	case <-r.conn.closeCh:
		return Payload{}, false, ErrClosedChannel
	}
}

// Cancel sends CANCEL for this stream, releasing it before the producer
// would otherwise reach completion.
func (r *requesterProducer) Cancel() {
	r.conn.cancelStream(r.handle.id)
}
