// rsocket.go
//
// The public entry points: Connect (initiator) and Accept (acceptor),
// matching the protocol's `connect(transport) -> RSocket` /
// `accept(transport, handler) -> Server` surface. Grounded on the
// teacher's Client.Dial / Server.Serve split (client.go, server.go): one
// side dials and performs the handshake inline, the other runs an accept
// loop per listener.

package rsocket

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// RSocket is the application-facing handle to one established Connection,
// the surface the protocol names.
type RSocket struct {
	conn *Connection
}

func (r *RSocket) FireAndForget(ctx context.Context, p Payload) error {
	return r.conn.FireAndForget(ctx, p)
}

func (r *RSocket) RequestResponse(ctx context.Context, p Payload) (Payload, error) {
	return r.conn.RequestResponse(ctx, p)
}

func (r *RSocket) RequestStream(ctx context.Context, p Payload, initialN uint32) (PayloadProducer, error) {
	return r.conn.RequestStream(ctx, p, initialN)
}

func (r *RSocket) RequestChannel(ctx context.Context, upstream PayloadProducer, initialN uint32) (PayloadProducer, error) {
	return r.conn.RequestChannel(ctx, upstream, initialN)
}

func (r *RSocket) MetadataPush(ctx context.Context, metadata []byte) error {
	return r.conn.MetadataPush(ctx, metadata)
}

func (r *RSocket) Close() error                   { return r.conn.Close() }
func (r *RSocket) OnClose() <-chan struct{}        { return r.conn.OnClose() }
func (r *RSocket) Availability() float64           { return r.conn.Availability() }
func (r *RSocket) NetLog(enabled bool)             { r.conn.NetLog(enabled) }

// Connect performs the client side of the handshake over transport and
// returns an RSocket once SETUP has been sent.
func Connect(transport DuplexConnection, cfg ClientConfig) (*RSocket, error) {
	setup := cfg.Setup.withDefaults()
	if setup.KeepalivePeriod <= 0 || setup.MaxLifetime <= 0 {
		return nil, errors.New("rsocket: KeepalivePeriod and MaxLifetime are required")
	}

	conn := newConnection(transport, true, setup.Handler, setup.HonorLease, cfg.NetLog, cfg.ErrorConsumer)
	conn.setupLocal = setup
	conn.setState(connActive) // initiator: no SETUP to await inbound

	var resumeToken []byte
	if setup.ResumeToken {
		resumeToken = newResumeToken()
	}

	f := Frame{
		Type:              FrameTypeSetup,
		SetupMajorVersion: 1,
		SetupMinorVersion: 0,
		KeepaliveInterval: uint32(setup.KeepalivePeriod / time.Millisecond),
		MaxLifetime:       uint32(setup.MaxLifetime / time.Millisecond),
		HonorLease:        setup.HonorLease,
		MetadataMimeType:  setup.MetadataMimeType,
		DataMimeType:      setup.DataMimeType,
		ResumeToken:       resumeToken,
		Payload:           setup.SetupPayload,
	}

	conn.start()
	if err := conn.sendFrame(f); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.startKeepalive(setup.KeepalivePeriod, setup.MissedKeepaliveThreshold)
	return &RSocket{conn: conn}, nil
}

// Accept performs the server side of the handshake over transport: the
// first inbound frame must be SETUP. It blocks until SETUP
// arrives (or the transport closes) and then returns an RSocket the caller
// can use to interact with the peer, with cfg.Handler answering the peer's
// requests.
func Accept(transport DuplexConnection, cfg ServerConfig) (*RSocket, error) {
	conn := newConnection(transport, false, cfg.Handler, false, cfg.NetLog, cfg.ErrorConsumer)
	conn.setState(connAwaitingSetup)

	setupCh := make(chan struct{})
	conn.onSetupComplete = func() { close(setupCh) }

	conn.start()

	select {
	case <-setupCh:
	case <-conn.OnClose():
		return nil, errors.WithStack(ErrClosedChannel)
	}

	if cfg.AcceptSetup != nil {
		if err := cfg.AcceptSetup(conn.setupPeer); err != nil {
			conn.fatal(NewRSocketError(ErrorCodeRejectedSetup, err.Error()))
			return nil, err
		}
	}
	conn.lease = newLeaseManager(conn.setupPeer.HonorLease)
	conn.startKeepalive(conn.setupPeer.KeepalivePeriod, defaultMissedKeepaliveThresh)
	return &RSocket{conn: conn}, nil
}
