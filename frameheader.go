// frameheader.go
//
// A Frame header is six bytes: a 31-bit stream id in a 32-bit big-endian
// field (the high bit is reserved and must be zero), followed by a 16-bit
// big-endian field packing a 6-bit FrameType in the high bits and a 10-bit
// Flags value in the low bits. Stream id 0 is reserved for connection-level
// frames.
//
// Everything type-specific (initial-request-n, metadata length prefix,
// error code, and so on) lives after the header and is handled by
// frame_codec.go; Header only knows about the six fixed bytes every frame
// has.

package rsocket

import "fmt"

// HeaderSize is the number of bytes in a Frame header.
const HeaderSize = 6

// StreamID identifies a single interaction on a Connection. Stream id 0 is
// reserved for connection-level frames.
type StreamID uint32

func (id StreamID) String() string { return fmt.Sprintf("[stream %d]", uint32(id)) }

// MaxStreamID is the highest legal stream id (31 bits).
const MaxStreamID = StreamID(0x7FFFFFFF)

// Header is a frame's fixed six-byte prefix, addressed in place.
type Header []byte

func (h Header) streamIDRaw() uint32 {
	return uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
}

func (h Header) setStreamIDRaw(v uint32) {
	h[0] = byte(v >> 24)
	h[1] = byte(v >> 16)
	h[2] = byte(v >> 8)
	h[3] = byte(v)
}

// StreamID returns the frame's stream id.
func (h Header) StreamID() StreamID { return StreamID(h.streamIDRaw() &^ (1 << 31)) }

// SetStreamID sets the frame's stream id. Panics if id exceeds MaxStreamID.
func (h Header) SetStreamID(id StreamID) {
	if id > MaxStreamID {
		panic("rsocket: SetStreamID: id exceeds MaxStreamID")
	}
	h.setStreamIDRaw(uint32(id))
}

func (h Header) typeAndFlags() uint16 {
	return uint16(h[4])<<8 | uint16(h[5])
}

func (h Header) setTypeAndFlags(v uint16) {
	h[4] = byte(v >> 8)
	h[5] = byte(v)
}

// Type returns the frame's FrameType.
func (h Header) Type() FrameType {
	return FrameType(h.typeAndFlags() >> 10)
}

// Flags returns the frame's Flags bitfield.
func (h Header) Flags() Flags {
	return Flags(h.typeAndFlags()) & flagsMask
}

// SetTypeAndFlags initializes both the type and flags at once, as they are
// always written together when a frame is composed.
func (h Header) SetTypeAndFlags(t FrameType, f Flags) {
	h.setTypeAndFlags(uint16(t)<<10 | uint16(f&flagsMask))
}

// HasMetadata reports whether the METADATA flag is set.
func (h Header) HasMetadata() bool { return h.Flags().has(FlagMetadata) }

// HasFollows reports whether the FOLLOWS (fragmentation) flag is set.
func (h Header) HasFollows() bool { return h.Flags().has(FlagFollows) }

// HasComplete reports whether the COMPLETE flag is set.
func (h Header) HasComplete() bool { return h.Flags().has(FlagComplete) }

// HasNext reports whether the NEXT flag is set.
func (h Header) HasNext() bool { return h.Flags().has(FlagNext) }

// HasRespond reports whether the RESPOND flag is set (KEEPALIVE only).
func (h Header) HasRespond() bool { return h.Flags().has(FlagRespond) }

// IsStreamZero reports whether this frame targets connection stream 0.
func (h Header) IsStreamZero() bool { return h.StreamID() == 0 }

func (h Header) String() string {
	return fmt.Sprintf("[Header %v %v flags=%03x]", h.StreamID(), h.Type(), uint16(h.Flags()))
}
