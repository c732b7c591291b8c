// responder.go
//
// Accepts the peer's interactions and owns the sending half of each
// stream's state, bounded by requester-granted credit. Handler shape
// grounded on the request/response, request/stream, request/channel,
// fire-and-forget, and metadata-push methods named in
// _examples/other_examples/flier-rsocket-go__responder.go's Responder
// interface.

package rsocket

import (
	"context"
)

// Responder is the application-supplied handler for a Connection's peer-
// initiated interactions.
type Responder interface {
	HandleFireAndForget(ctx context.Context, p Payload)
	HandleRequestResponse(ctx context.Context, p Payload) (Payload, error)
	HandleRequestStream(ctx context.Context, p Payload) (PayloadProducer, error)
	HandleRequestChannel(ctx context.Context, inbound PayloadProducer, first Payload) (PayloadProducer, error)
	HandleMetadataPush(ctx context.Context, p Payload)
}

// UnimplementedResponder answers every interaction with REJECTED, a
// convenient embed for handlers that only implement a subset of the four
// models.
type UnimplementedResponder struct{}

func (UnimplementedResponder) HandleFireAndForget(context.Context, Payload) {}

func (UnimplementedResponder) HandleRequestResponse(context.Context, Payload) (Payload, error) {
	return Payload{}, NewRSocketError(ErrorCodeRejected, "not implemented")
}

func (UnimplementedResponder) HandleRequestStream(context.Context, Payload) (PayloadProducer, error) {
	return nil, NewRSocketError(ErrorCodeRejected, "not implemented")
}

func (UnimplementedResponder) HandleRequestChannel(context.Context, PayloadProducer, Payload) (PayloadProducer, error) {
	return nil, NewRSocketError(ErrorCodeRejected, "not implemented")
}

func (UnimplementedResponder) HandleMetadataPush(context.Context, Payload) {}

func (c *Connection) acceptFireAndForget(f Frame) {
	if !c.checkNewResponderStream(f.StreamID) {
		return
	}
	if !c.lease.admitInbound() {
		return // no response is ever sent for FNF regardless
	}
	if c.handler == nil {
		return
	}
	go c.handler.HandleFireAndForget(context.Background(), f.Payload)
}

func (c *Connection) acceptRequestResponse(f Frame) {
	if !c.checkNewResponderStream(f.StreamID) {
		return
	}
	if !c.lease.admitInbound() {
		_ = c.sendFrame(Frame{StreamID: f.StreamID, Type: FrameTypeError, ErrorCode: ErrorCodeRejected,
			Payload: Payload{Data: []byte("no lease")}})
		return
	}
	id := f.StreamID
	go func() {
		var resp Payload
		var err error
		if c.handler != nil {
			resp, err = c.handler.HandleRequestResponse(context.Background(), f.Payload)
		} else {
			err = NewRSocketError(ErrorCodeRejected, "no handler")
		}
		if err != nil {
			c.sendApplicationError(id, err)
			return
		}
		_ = c.sendFrame(Frame{StreamID: id, Type: FrameTypePayload, Flags: FlagNext | FlagComplete, Payload: resp})
	}()
}

func (c *Connection) acceptRequestStream(f Frame) {
	if !c.checkNewResponderStream(f.StreamID) {
		return
	}
	if !c.lease.admitInbound() {
		_ = c.sendFrame(Frame{StreamID: f.StreamID, Type: FrameTypeError, ErrorCode: ErrorCodeRejected,
			Payload: Payload{Data: []byte("no lease")}})
		return
	}
	id := f.StreamID
	h := &streamHandle{id: id, kind: streamKindSender, credit: newCreditGate(f.InitialRequestN)}
	c.registerStream(id, h)

	go func() {
		producer, err := c.invokeRequestStream(f.Payload)
		if err != nil {
			c.dropStream(id)
			c.sendApplicationError(id, err)
			return
		}
		c.drainProducer(id, h, producer)
	}()
}

func (c *Connection) invokeRequestStream(p Payload) (producer PayloadProducer, err error) {
	if c.handler == nil {
		return nil, NewRSocketError(ErrorCodeRejected, "no handler")
	}
	return c.handler.HandleRequestStream(context.Background(), p)
}

func (c *Connection) acceptRequestChannel(f Frame) {
	if !c.checkNewResponderStream(f.StreamID) {
		return
	}
	if !c.lease.admitInbound() {
		_ = c.sendFrame(Frame{StreamID: f.StreamID, Type: FrameTypeError, ErrorCode: ErrorCodeRejected,
			Payload: Payload{Data: []byte("no lease")}})
		return
	}
	id := f.StreamID
	inboundEvents := make(chan streamEvent, 64)
	h := &streamHandle{id: id, kind: streamKindChannel, credit: newCreditGate(f.InitialRequestN), inboundEvents: inboundEvents}
	c.registerStream(id, h)

	inbound := &chanProducer{events: inboundEvents}
	go func() {
		var producer PayloadProducer
		var err error
		if c.handler != nil {
			producer, err = c.handler.HandleRequestChannel(context.Background(), inbound, f.Payload)
		} else {
			err = NewRSocketError(ErrorCodeRejected, "no handler")
		}
		if err != nil {
			c.dropStream(id)
			c.sendApplicationError(id, err)
			return
		}
		c.drainProducer(id, h, producer)
	}()
}

// drainProducer is the credit-gated emission loop shared by
// REQUEST_STREAM and the output half of REQUEST_CHANNEL: the responder
// must not emit more NEXT frames than the currently granted credit.
func (c *Connection) drainProducer(id StreamID, h *streamHandle, producer PayloadProducer) {
	ctx := context.Background()
	for {
		if !h.credit.acquire(ctx) {
			return
		}
		p, ok, err := producer.Next(ctx)
		if err != nil {
			c.dropStream(id)
			c.sendApplicationError(id, err)
			return
		}
		if !ok {
			c.dropStream(id)
			_ = c.sendFrame(Frame{StreamID: id, Type: FrameTypePayload, Flags: FlagComplete})
			return
		}
		_ = c.sendFrame(Frame{StreamID: id, Type: FrameTypePayload, Flags: FlagNext, Payload: p})
	}
}

func (c *Connection) sendApplicationError(id StreamID, err error) {
	code := ErrorCodeApplicationError
	msg := err.Error()
	if re, ok := err.(*RSocketError); ok {
		code = re.Code
		msg = re.Message
	}
	_ = c.sendFrame(Frame{StreamID: id, Type: FrameTypeError, ErrorCode: code, Payload: Payload{Data: []byte(msg)}})
}
