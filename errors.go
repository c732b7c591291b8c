// errors.go
//
// The error taxonomy of the protocol: transport-fatal, protocol-fatal,
// keepalive-fatal, per-stream application errors, and lease rejection.
// RSocketError carries the wire ErrorCode so a CONNECTION_ERROR/ERROR frame
// can be reconstructed from a Go error value, mirroring the way the
// teacher's ProtocolError/PanicError/serverClosedError sentinel types
// (muxer.go, conn.go) each identify one fatal condition.

package rsocket

import (
	"fmt"

	"github.com/pkg/errors"
)

// RSocketError is the error type surfaced to application code for both
// locally-detected protocol violations and ERROR frames received from the
// peer.
type RSocketError struct {
	Code    ErrorCode
	Message string
}

func (e *RSocketError) Error() string {
	return fmt.Sprintf("rsocket: %s: %s", e.Code, e.Message)
}

// NewRSocketError builds an RSocketError, the form handlers return when
// they want to send a specific wire error code back to the peer.
func NewRSocketError(code ErrorCode, message string) *RSocketError {
	return &RSocketError{Code: code, Message: message}
}

// ErrClosedChannel is returned to every outstanding subscriber when a
// Connection tears down, whether from a transport drop, a fatal protocol
// error, or an explicit Close.
var ErrClosedChannel = errors.New("rsocket: closed channel")

// errConnectionError builds the fatal protocol error sent as
// ERROR(stream_id=0, CONNECTION_ERROR) before a Connection closes itself.
func errConnectionError(format string, args ...interface{}) *RSocketError {
	return NewRSocketError(ErrorCodeConnectionError, fmt.Sprintf(format, args...))
}

// errKeepaliveTimeout is the fatal error raised when the missed-ack
// threshold is exceeded.
func errKeepaliveTimeout() *RSocketError {
	return NewRSocketError(ErrorCodeConnectionError, "keepalive timeout")
}

// mapErrorFrame converts an inbound ERROR frame into the Go error value
// delivered to a stream's subscriber.
func mapErrorFrame(f Frame) error {
	return NewRSocketError(f.ErrorCode, string(f.Payload.Data))
}
