// transport_tcp.go
//
// A DuplexConnection over a raw net.Conn, framed with the 3-byte
// big-endian length prefix the protocol prescribes for TCP ("a 3-byte
// big-endian length prefix precedes each RSocket frame"). The listener
// setup is grounded on the teacher's tcpKeepAliveListener and
// Server.Listen (server.go); the dial side on client.go's
// net.DialTimeout use.

package rsocket

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// tcpKeepAliveListener enables TCP keepalives on every accepted
// connection, the same wrapper the teacher's server.go uses so dead peers
// eventually get noticed by the OS even before this package's own
// KEEPALIVE liveness check fires.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

// ListenTCP listens on address and wraps the listener with TCP keepalives.
func ListenTCP(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return tcpKeepAliveListener{ln.(*net.TCPListener)}, nil
}

// DialTCP dials address and wraps the resulting net.Conn as a
// DuplexConnection.
func DialTCP(address string, timeout time.Duration) (DuplexConnection, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewTCPDuplexConnection(conn), nil
}

// TCPDuplexConnection adapts a net.Conn to DuplexConnection.
type TCPDuplexConnection struct {
	conn net.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewTCPDuplexConnection wraps an already-established net.Conn.
func NewTCPDuplexConnection(conn net.Conn) *TCPDuplexConnection {
	return &TCPDuplexConnection{conn: conn, closeCh: make(chan struct{})}
}

func (t *TCPDuplexConnection) ReceiveFrame() (Data, error) {
	var d Data
	if _, err := d.ReadFrom(t.conn); err != nil {
		return nil, err
	}
	return d, nil
}

func (t *TCPDuplexConnection) SendFrame(d Data) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := d.WriteTo(t.conn)
	return err
}

func (t *TCPDuplexConnection) Close() error {
	t.closeOnce.Do(func() { close(t.closeCh) })
	return t.conn.Close()
}

func (t *TCPDuplexConnection) OnClose() <-chan struct{} { return t.closeCh }

func (t *TCPDuplexConnection) Availability() float64 {
	select {
	case <-t.closeCh:
		return 0
	default:
		return 1
	}
}
