// framedata.go
//
// Data is a reusable byte buffer holding one wire frame: the six-byte
// Header followed by whatever body bytes frame_codec.go has written. It is
// allocated from a pool (framepool.go) and returned there on release,
// following the teacher's FrameData scheme for amortizing per-frame
// allocation under sustained traffic.

package rsocket

import (
	"io"

	"github.com/pkg/errors"
)

// MaxFrameSize is the largest frame, header included, this implementation
// will send or accept. It bounds a single Data buffer.
const MaxFrameSize = 1 << 24 // 16 MiB, matches the wire's 24-bit length prefix

// Data is a growable buffer for a single frame, header plus body.
type Data []byte

// NewData returns a Data buffer with a zeroed Header and no body.
func NewData() Data {
	d := make(Data, HeaderSize, 256)
	return d
}

// Header returns the frame's header, backed by the buffer's first six bytes.
func (d Data) Header() Header { return Header(d[:HeaderSize]) }

// Body returns the bytes following the header.
func (d Data) Body() []byte { return d[HeaderSize:] }

// Reset truncates the buffer back to a zeroed header, keeping the
// underlying array for reuse.
func (d *Data) Reset() {
	b := (*d)[:HeaderSize]
	for i := range b {
		b[i] = 0
	}
	*d = b
}

// Append appends p to the body and returns the (possibly reallocated)
// buffer; callers must assign back the result, mirroring append().
func (d Data) Append(p []byte) Data { return append(d, p...) }

// AppendUint24 appends a 24-bit big-endian length prefix, as used for the
// metadata length in frame bodies.
func (d Data) AppendUint24(n int) Data {
	return append(d, byte(n>>16), byte(n>>8), byte(n))
}

// AppendUint32 appends a 32-bit big-endian value.
func (d Data) AppendUint32(n uint32) Data {
	return append(d, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// AppendUint16 appends a 16-bit big-endian value.
func (d Data) AppendUint16(n uint16) Data {
	return append(d, byte(n>>8), byte(n))
}

// ReadFrom reads exactly one length-prefixed frame from r: a 24-bit
// big-endian byte count followed by that many bytes, the wire framing used
// by transport_tcp.go. The returned Data is freshly sized to fit.
func (d *Data) ReadFrom(r io.Reader) (int64, error) {
	var lenbuf [3]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return 0, errors.WithStack(err)
	}
	n := int(lenbuf[0])<<16 | int(lenbuf[1])<<8 | int(lenbuf[2])
	if n < HeaderSize {
		return 3, errors.Errorf("rsocket: frame length %d smaller than header size", n)
	}
	if n > MaxFrameSize {
		return 3, errors.Errorf("rsocket: frame length %d exceeds MaxFrameSize", n)
	}
	if cap(*d) < n {
		*d = make(Data, n)
	} else {
		*d = (*d)[:n]
	}
	read, err := io.ReadFull(r, *d)
	return int64(3 + read), errors.WithStack(err)
}

// WriteTo writes the frame to w with its 24-bit length prefix.
func (d Data) WriteTo(w io.Writer) (int64, error) {
	n := len(d)
	lenbuf := [3]byte{byte(n >> 16), byte(n >> 8), byte(n)}
	if _, err := w.Write(lenbuf[:]); err != nil {
		return 0, errors.WithStack(err)
	}
	written, err := w.Write(d)
	return int64(3 + written), errors.WithStack(err)
}
