// connection.go
//
// Connection combines the transport adapter, stream-id routing, and
// stream-0 handling into the one object applications see (via
// RSocket, rsocket.go). This mirrors the teacher's Muxer, which likewise
// owns the transport, the read/write loops, and the per-connection control
// protocol (PING/PONG) in one type (muxer.go) rather than splitting them
// across objects that would need to reach back into each other.

package rsocket

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type connState int32

const (
	connAwaitingSetup connState = iota
	connActive
	connClosed
)

// streamHandle is the sum-type per-stream dispatcher entry the protocol
// describes: one map entry shape regardless of interaction model, tagged
// by kind.
type streamHandle struct {
	id   StreamID
	kind streamKind

	// Requester side (streamKindReceiver, streamKindChannel): inbound
	// NEXT/COMPLETE/ERROR delivered here.
	recvEvents chan streamEvent
	demand     *demandCounter
	recvDone   int32 // atomic bool: terminal event already delivered

	// Responder side (streamKindSender, streamKindChannel): outbound NEXT
	// bounded by peer-granted credit.
	credit *creditGate

	// Channel inbound half, Responder side only: the peer's uploaded
	// payloads land here for the handler's input PayloadProducer.
	inboundEvents chan streamEvent
}

// Connection is one logical RSocket connection multiplexed over a single
// DuplexConnection.
type Connection struct {
	transport DuplexConnection
	out       *outboundQueue

	isClient bool // true if this side sent SETUP and thus owns the odd ids
	supplier *streamIDSupplier

	mu            sync.Mutex
	streams       map[StreamID]*streamHandle
	peerMaxSeenID uint32 // highest peer-initiated stream id ever accepted

	lease *leaseManager

	handler       Responder
	errorConsumer func(error)
	netLog        bool

	state   int32 // atomic connState
	closeCh chan struct{}
	closeMu sync.Mutex

	setupLocal      SetupConfig
	setupPeer       SetupConfig
	onSetupComplete func()
	keepaliveKA     *keepaliveState
}

func newConnection(transport DuplexConnection, isClient bool, handler Responder, honorLease bool, netLog bool, errorConsumer func(error)) *Connection {
	return &Connection{
		transport:     transport,
		out:           newOutboundQueue(),
		isClient:      isClient,
		supplier:      newStreamIDSupplier(isClient),
		streams:       make(map[StreamID]*streamHandle),
		lease:         newLeaseManager(honorLease),
		handler:       handler,
		errorConsumer: errorConsumer,
		netLog:        netLog,
		closeCh:       make(chan struct{}),
	}
}

func (c *Connection) reportError(err error) {
	if err == nil {
		return
	}
	if c.netLog {
		log.Print("rsocket: ", err)
	}
	if c.errorConsumer != nil {
		c.errorConsumer(err)
	}
}

func (c *Connection) getState() connState { return connState(atomic.LoadInt32(&c.state)) }
func (c *Connection) setState(s connState) { atomic.StoreInt32(&c.state, int32(s)) }

// start launches the write loop and begins reading. Connect calls it before
// sending SETUP and Accept calls it before SETUP arrives, so the read loop
// is the one that receives the peer's SETUP.
func (c *Connection) start() {
	go writerLoop(c.transport, c.out, c.reportError)
	go c.readLoop()
	go c.watchTransportClose()
}

func (c *Connection) watchTransportClose() {
	<-c.transport.OnClose()
	c.teardown(errors.WithStack(ErrClosedChannel))
}

func (c *Connection) readLoop() {
	for {
		d, err := c.transport.ReceiveFrame()
		if err != nil {
			if !errors.Is(errors.Cause(err), io.EOF) {
				c.reportError(err)
			}
			c.teardown(errors.WithStack(ErrClosedChannel))
			return
		}
		f, err := DecodeFrame(d)
		if err != nil {
			c.fatal(errConnectionError("%s", err))
			return
		}
		if c.netLog {
			log.Print("READ ", f.StreamID, " ", f.Type)
		}
		c.dispatch(f)
	}
}

func (c *Connection) dispatch(f Frame) {
	if c.getState() == connAwaitingSetup && f.Type != FrameTypeSetup {
		c.fatal(NewRSocketError(ErrorCodeInvalidSetup, "first frame must be SETUP"))
		return
	}
	if f.StreamID == 0 {
		c.handleStreamZero(f)
		return
	}
	selfOdd := c.isClient
	idOdd := uint32(f.StreamID)%2 == 1
	if idOdd == selfOdd {
		c.handleRequesterInbound(f)
	} else {
		c.handleResponderInbound(f)
	}
}

func (c *Connection) lookupStream(id StreamID) *streamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Connection) registerStream(id StreamID, h *streamHandle) {
	c.mu.Lock()
	c.streams[id] = h
	c.mu.Unlock()
}

func (c *Connection) dropStream(id StreamID) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// sendFrame enqueues f for transmission, logging if NetLog is enabled.
func (c *Connection) sendFrame(f Frame) error {
	if c.netLog {
		log.Print("WRITE ", f.StreamID, " ", f.Type)
	}
	return c.out.enqueue(EncodeFrame(f))
}

// --- stream-0 handling ---

func (c *Connection) handleStreamZero(f Frame) {
	switch f.Type {
	case FrameTypeSetup:
		c.handleSetup(f)
	case FrameTypeKeepalive:
		if f.Flags.has(FlagRespond) {
			// Echo even when this side's own ticking has not been started.
			_ = c.sendFrame(Frame{Type: FrameTypeKeepalive, Payload: f.Payload})
		} else if c.keepaliveKA != nil {
			c.keepaliveKA.onReceived(f)
		}
	case FrameTypeLease:
		c.lease.grant(time.Duration(f.LeaseTTL)*time.Millisecond, f.LeasePermits, f.Payload.Metadata)
	case FrameTypeError:
		c.fatalReceived(mapErrorFrame(f))
	case FrameTypeMetadataPush:
		if c.handler != nil {
			go c.handler.HandleMetadataPush(context.Background(), f.Payload)
		}
	default:
		c.fatal(errConnectionError("unexpected frame type %s on stream 0", f.Type))
	}
}

func (c *Connection) handleSetup(f Frame) {
	if c.getState() != connAwaitingSetup {
		c.fatal(errConnectionError("SETUP received outside AWAITING_SETUP"))
		return
	}
	c.setupPeer = SetupConfig{
		KeepalivePeriod:  time.Duration(f.KeepaliveInterval) * time.Millisecond,
		MaxLifetime:      time.Duration(f.MaxLifetime) * time.Millisecond,
		HonorLease:       f.HonorLease,
		MetadataMimeType: f.MetadataMimeType,
		DataMimeType:     f.DataMimeType,
		ResumeToken:      len(f.ResumeToken) > 0,
		SetupPayload:     f.Payload,
	}
	c.setState(connActive)
	if c.onSetupComplete != nil {
		c.onSetupComplete()
	}
}

func (c *Connection) sendLease(ttl time.Duration, permits uint32, metadata []byte) {
	c.lease.grantToPeer(ttl, permits, metadata)
	_ = c.sendFrame(Frame{
		Type:         FrameTypeLease,
		LeaseTTL:     uint32(ttl / time.Millisecond),
		LeasePermits: permits,
		Payload:      Payload{Metadata: metadata},
	})
}

// --- requester-inbound dispatch: frames about streams we originated ---

func (c *Connection) handleRequesterInbound(f Frame) {
	h := c.lookupStream(f.StreamID)
	if h == nil {
		if !c.supplier.isBeforeOrCurrent(f.StreamID) {
			c.fatal(errConnectionError("frame for never-allocated stream %v", f.StreamID))
		}
		// Late frame for an id we once owned and have since dropped: drop
		// silently.
		return
	}
	switch f.Type {
	case FrameTypePayload:
		c.deliverPayload(h, f)
	case FrameTypeError:
		c.deliverTerminal(h, mapErrorFrame(f))
	case FrameTypeRequestN:
		if h.credit != nil {
			h.credit.grant(f.RequestN)
		}
	case FrameTypeCancel:
		// Peer cancelling our channel upload: terminate the inbound half.
		c.deliverTerminal(h, ErrClosedChannel)
	default:
		c.fatal(errConnectionError("unexpected frame type %s for requester stream", f.Type))
	}
}

// deliverPayload hands f to the stream's subscriber, blocking the read
// loop when recvEvents is full rather than dropping the frame: the
// responder can be granted far more credit than the channel's buffer
// holds, and a dropped NEXT (or a dropped COMPLETE in deliverTerminal)
// would break ordering and the at-most-one-terminal guarantee. Blocking
// here stalls the read loop, and with it delivery on every stream, until
// the subscriber drains or closeCh closes at the end of teardown.
func (c *Connection) deliverPayload(h *streamHandle, f Frame) {
	if atomic.LoadInt32(&h.recvDone) == 1 {
		return
	}
	if f.Flags.has(FlagNext) {
		select {
		case h.recvEvents <- streamEvent{payload: f.Payload}:
		case <-c.closeCh:
			return
		}
	}
	if f.Flags.has(FlagComplete) {
		c.deliverTerminal(h, nil)
	}
}

func (c *Connection) deliverTerminal(h *streamHandle, err error) {
	if !atomic.CompareAndSwapInt32(&h.recvDone, 0, 1) {
		return
	}
	select {
	case h.recvEvents <- streamEvent{complete: err == nil, err: err}:
	case <-c.closeCh:
	}
	c.dropStream(h.id)
}

// --- responder-inbound dispatch: frames about streams the peer originated ---

func (c *Connection) handleResponderInbound(f Frame) {
	switch f.Type {
	case FrameTypeRequestFNF:
		c.acceptFireAndForget(f)
	case FrameTypeRequestResponse:
		c.acceptRequestResponse(f)
	case FrameTypeRequestStream:
		c.acceptRequestStream(f)
	case FrameTypeRequestChannel:
		c.acceptRequestChannel(f)
	default:
		h := c.lookupStream(f.StreamID)
		if h == nil {
			if uint32(f.StreamID) <= atomic.LoadUint32(&c.peerMaxSeenID) {
				return // late frame for a closed responder stream
			}
			c.fatal(errConnectionError("frame for never-allocated stream %v", f.StreamID))
			return
		}
		c.handleResponderContinuation(h, f)
	}
}

func (c *Connection) handleResponderContinuation(h *streamHandle, f Frame) {
	switch f.Type {
	case FrameTypeRequestN:
		if h.credit != nil {
			h.credit.grant(f.RequestN)
		}
	case FrameTypeCancel:
		c.dropStream(h.id)
		if h.inboundEvents != nil {
			close(h.inboundEvents)
		}
	case FrameTypePayload:
		// Channel upload continuation from the peer.
		if h.inboundEvents == nil {
			return
		}
		if f.Flags.has(FlagNext) {
			select {
			case h.inboundEvents <- streamEvent{payload: f.Payload}:
			case <-c.closeCh:
				return
			}
		}
		if f.Flags.has(FlagComplete) {
			select {
			case h.inboundEvents <- streamEvent{complete: true}:
			case <-c.closeCh:
				return
			}
			close(h.inboundEvents)
		}
	case FrameTypeError:
		if h.inboundEvents != nil {
			select {
			case h.inboundEvents <- streamEvent{err: mapErrorFrame(f)}:
			case <-c.closeCh:
				return
			}
			close(h.inboundEvents)
		}
		c.dropStream(h.id)
	}
}

func (c *Connection) checkNewResponderStream(id StreamID) bool {
	c.mu.Lock()
	_, exists := c.streams[id]
	if !exists && uint32(id) > atomic.LoadUint32(&c.peerMaxSeenID) {
		atomic.StoreUint32(&c.peerMaxSeenID, uint32(id))
	}
	c.mu.Unlock()

	if exists {
		c.fatal(errConnectionError("duplicate active stream %v", id))
		return false
	}
	return true
}

// --- teardown ---

// fatal sends e as ERROR(stream 0) and closes the connection.
func (c *Connection) fatal(e *RSocketError) {
	_ = c.sendFrame(Frame{Type: FrameTypeError, ErrorCode: e.Code, Payload: Payload{Data: []byte(e.Message)}})
	c.teardown(e)
}

// fatalReceived handles a fatal ERROR received from the peer: no reply is
// sent, the connection just tears down.
func (c *Connection) fatalReceived(e error) {
	c.teardown(e)
}

// teardown terminates every active stream with err and closes the
// transport, exactly once.
func (c *Connection) teardown(err error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.getState() == connClosed {
		return
	}
	c.setState(connClosed)

	c.mu.Lock()
	handles := make([]*streamHandle, 0, len(c.streams))
	for _, h := range c.streams {
		handles = append(handles, h)
	}
	c.streams = make(map[StreamID]*streamHandle)
	c.mu.Unlock()

	for _, h := range handles {
		// Never block here: closeCh is only closed below, and a subscriber
		// whose buffer is full still sees closeCh close.
		if h.recvEvents != nil && atomic.CompareAndSwapInt32(&h.recvDone, 0, 1) {
			select {
			case h.recvEvents <- streamEvent{err: err}:
			default:
			}
		}
		if h.inboundEvents != nil {
			select {
			case <-h.inboundEvents:
			default:
				close(h.inboundEvents)
			}
		}
	}

	if c.keepaliveKA != nil {
		c.keepaliveKA.stop()
	}
	c.out.close()
	_ = c.transport.Close()
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
}

// Close gracefully tears down the connection.
func (c *Connection) Close() error {
	c.teardown(errors.WithStack(ErrClosedChannel))
	return nil
}

// OnClose returns a channel closed once the connection has fully torn down.
func (c *Connection) OnClose() <-chan struct{} { return c.closeCh }

// Availability reports the underlying transport's availability, or 0 once
// closed.
func (c *Connection) Availability() float64 {
	if c.getState() == connClosed {
		return 0
	}
	return c.transport.Availability()
}

// NetLog toggles logging of every frame read or written, matching the teacher's
// Muxer.NetLog (muxer.go).
func (c *Connection) NetLog(enabled bool) { c.netLog = enabled }

// startKeepalive begins this side's liveness ticking, using its own
// configured period and missed-ack threshold.
func (c *Connection) startKeepalive(period time.Duration, missedThreshold uint32) {
	c.keepaliveKA = newKeepaliveState(c, period, missedThreshold)
	c.keepaliveKA.start()
}
