// frame_codec.go
//
// Translates between the wire Data buffer and the in-memory Frame value,
// matching the protocol's per-type layout. Encode always produces a buffer
// whose length equals header + type-specific fields + metadata-length-
// prefix-if-present + metadata + data, so empty-metadata (METADATA flag
// set, zero-length metadata) and no-metadata (flag unset) round-trip
// distinctly, the property the protocol calls out explicitly.

package rsocket

import (
	"github.com/pkg/errors"
)

// Frame is the decoded, type-specific view of one wire frame. Only the
// fields relevant to Type are meaningful; the others are zero.
type Frame struct {
	StreamID StreamID
	Type     FrameType
	Flags    Flags

	Payload Payload // NEXT/COMPLETE payload, METADATA_PUSH metadata, SETUP setup-payload

	InitialRequestN uint32 // REQUEST_STREAM, REQUEST_CHANNEL
	RequestN        uint32 // REQUEST_N

	ErrorCode ErrorCode // ERROR
	// ErrorMessage is carried in Payload.Data for ERROR frames.

	LeaseTTL     uint32 // LEASE
	LeasePermits uint32 // LEASE

	KeepaliveLastPosition uint64 // KEEPALIVE

	SetupMajorVersion uint16 // SETUP
	SetupMinorVersion uint16
	KeepaliveInterval uint32
	MaxLifetime       uint32
	ResumeToken       []byte
	MetadataMimeType  string
	DataMimeType      string
	HonorLease        bool
}

// ErrMalformedFrame reports a frame shorter than its type's minimum length.
var ErrMalformedFrame = errors.New("rsocket: malformed frame")

// ErrInvalidRequestN reports a REQUEST_N-shaped value of 0 or with its
// reserved high bit set.
var ErrInvalidRequestN = errors.New("rsocket: invalid request-n")

// ErrUnknownFrameType reports a frame type outside the defined enum.
var ErrUnknownFrameType = errors.New("rsocket: unknown frame type")

func readU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func readU24(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

func readU16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func readU64(b []byte) uint64 {
	return uint64(readU32(b))<<32 | uint64(readU32(b[4:]))
}

func validateRequestN(n uint32) error {
	if n == 0 || n&0x80000000 != 0 {
		return errors.WithStack(ErrInvalidRequestN)
	}
	return nil
}

// DecodeFrame parses a full wire buffer (header plus body, as produced by
// Data.ReadFrom's length-prefix strip) into a Frame.
func DecodeFrame(d Data) (Frame, error) {
	if len(d) < HeaderSize {
		return Frame{}, errors.WithStack(ErrMalformedFrame)
	}
	h := d.Header()
	f := Frame{StreamID: h.StreamID(), Type: h.Type(), Flags: h.Flags()}
	if !f.Type.isKnown() {
		return Frame{}, errors.WithStack(ErrUnknownFrameType)
	}
	body := d.Body()

	switch f.Type {
	case FrameTypeSetup:
		return decodeSetup(f, body)
	case FrameTypeLease:
		return decodeLease(f, body)
	case FrameTypeKeepalive:
		return decodeKeepalive(f, body)
	case FrameTypeRequestResponse, FrameTypeRequestFNF:
		return decodePayloadBearing(f, body, false)
	case FrameTypeRequestStream, FrameTypeRequestChannel:
		return decodePayloadBearing(f, body, true)
	case FrameTypeRequestN:
		if len(body) < 4 {
			return Frame{}, errors.WithStack(ErrMalformedFrame)
		}
		n := readU32(body)
		if err := validateRequestN(n); err != nil {
			return Frame{}, err
		}
		f.RequestN = n
		return f, nil
	case FrameTypeCancel:
		return f, nil
	case FrameTypePayload:
		return decodePayloadBearing(f, body, false)
	case FrameTypeError:
		if len(body) < 4 {
			return Frame{}, errors.WithStack(ErrMalformedFrame)
		}
		f.ErrorCode = ErrorCode(readU32(body))
		f.Payload = Payload{Data: append([]byte(nil), body[4:]...)}
		return f, nil
	case FrameTypeMetadataPush:
		f.Payload = Payload{Metadata: append([]byte(nil), body...)}
		return f, nil
	case FrameTypeResume, FrameTypeResumeOK:
		f.Payload = Payload{Data: append([]byte(nil), body...)}
		return f, nil
	default:
		return Frame{}, errors.WithStack(ErrUnknownFrameType)
	}
}

// decodeMetadataData splits the trailing metadata/data region of a frame
// body, given that METADATA, if flagged, is preceded by a 3-byte length.
func decodeMetadataData(body []byte, hasMetadata bool) (Payload, error) {
	if !hasMetadata {
		return Payload{Data: append([]byte(nil), body...)}, nil
	}
	if len(body) < 3 {
		return Payload{}, errors.WithStack(ErrMalformedFrame)
	}
	mlen := readU24(body)
	body = body[3:]
	if len(body) < mlen {
		return Payload{}, errors.WithStack(ErrMalformedFrame)
	}
	metadata := make([]byte, mlen)
	copy(metadata, body[:mlen])
	data := append([]byte(nil), body[mlen:]...)
	return Payload{Metadata: metadata, Data: data}, nil
}

func decodePayloadBearing(f Frame, body []byte, hasInitialN bool) (Frame, error) {
	if hasInitialN {
		if len(body) < 4 {
			return Frame{}, errors.WithStack(ErrMalformedFrame)
		}
		n := readU32(body)
		if err := validateRequestN(n); err != nil {
			return Frame{}, err
		}
		f.InitialRequestN = n
		body = body[4:]
	}
	p, err := decodeMetadataData(body, f.Flags.has(FlagMetadata))
	if err != nil {
		return Frame{}, err
	}
	f.Payload = p
	return f, nil
}

func decodeLease(f Frame, body []byte) (Frame, error) {
	if len(body) < 8 {
		return Frame{}, errors.WithStack(ErrMalformedFrame)
	}
	f.LeaseTTL = readU32(body)
	f.LeasePermits = readU32(body[4:])
	body = body[8:]
	if f.Flags.has(FlagMetadata) {
		f.Payload = Payload{Metadata: append([]byte{}, body...)}
	}
	return f, nil
}

func decodeKeepalive(f Frame, body []byte) (Frame, error) {
	if len(body) < 8 {
		return Frame{}, errors.WithStack(ErrMalformedFrame)
	}
	f.KeepaliveLastPosition = readU64(body)
	f.Payload = Payload{Data: append([]byte(nil), body[8:]...)}
	return f, nil
}

func decodeSetup(f Frame, body []byte) (Frame, error) {
	const minSetup = 2 + 2 + 4 + 4 + 1 + 1
	if len(body) < minSetup {
		return Frame{}, errors.WithStack(ErrMalformedFrame)
	}
	f.SetupMajorVersion = readU16(body)
	f.SetupMinorVersion = readU16(body[2:])
	f.KeepaliveInterval = readU32(body[4:])
	f.MaxLifetime = readU32(body[8:])
	body = body[12:]
	f.HonorLease = f.Flags.has(FlagLease)

	if f.Flags.has(FlagResume) {
		if len(body) < 2 {
			return Frame{}, errors.WithStack(ErrMalformedFrame)
		}
		tlen := int(readU16(body))
		body = body[2:]
		if len(body) < tlen {
			return Frame{}, errors.WithStack(ErrMalformedFrame)
		}
		f.ResumeToken = append([]byte(nil), body[:tlen]...)
		body = body[tlen:]
	}

	if len(body) < 1 {
		return Frame{}, errors.WithStack(ErrMalformedFrame)
	}
	mmlen := int(body[0])
	body = body[1:]
	if len(body) < mmlen {
		return Frame{}, errors.WithStack(ErrMalformedFrame)
	}
	f.MetadataMimeType = string(body[:mmlen])
	body = body[mmlen:]

	if len(body) < 1 {
		return Frame{}, errors.WithStack(ErrMalformedFrame)
	}
	dmlen := int(body[0])
	body = body[1:]
	if len(body) < dmlen {
		return Frame{}, errors.WithStack(ErrMalformedFrame)
	}
	f.DataMimeType = string(body[:dmlen])
	body = body[dmlen:]

	p, err := decodeMetadataData(body, f.Flags.has(FlagMetadata))
	if err != nil {
		return Frame{}, err
	}
	f.Payload = p
	return f, nil
}

// EncodeFrame renders f into a freshly pooled Data buffer.
func EncodeFrame(f Frame) Data {
	d := DataAllocStream(f.StreamID)
	flags := f.Flags
	if f.Payload.HasMetadata() {
		flags |= FlagMetadata
	}

	switch f.Type {
	case FrameTypeSetup:
		d.Header().SetTypeAndFlags(f.Type, flags|setupFlags(f))
		d = d.AppendUint16(f.SetupMajorVersion)
		d = d.AppendUint16(f.SetupMinorVersion)
		d = d.AppendUint32(f.KeepaliveInterval)
		d = d.AppendUint32(f.MaxLifetime)
		if f.Flags.has(FlagResume) || len(f.ResumeToken) > 0 {
			d = d.AppendUint16(uint16(len(f.ResumeToken)))
			d = append(d, f.ResumeToken...)
		}
		d = append(d, byte(len(f.MetadataMimeType)))
		d = append(d, []byte(f.MetadataMimeType)...)
		d = append(d, byte(len(f.DataMimeType)))
		d = append(d, []byte(f.DataMimeType)...)
		d = appendMetadataData(d, f.Payload)
		return d

	case FrameTypeLease:
		d.Header().SetTypeAndFlags(f.Type, flags)
		d = d.AppendUint32(f.LeaseTTL)
		d = d.AppendUint32(f.LeasePermits)
		if f.Payload.HasMetadata() {
			d = append(d, f.Payload.Metadata...)
		}
		return d

	case FrameTypeKeepalive:
		d.Header().SetTypeAndFlags(f.Type, flags)
		d = d.AppendUint32(uint32(f.KeepaliveLastPosition >> 32))
		d = d.AppendUint32(uint32(f.KeepaliveLastPosition))
		d = append(d, f.Payload.Data...)
		return d

	case FrameTypeRequestStream, FrameTypeRequestChannel:
		d.Header().SetTypeAndFlags(f.Type, flags)
		d = d.AppendUint32(f.InitialRequestN)
		d = appendMetadataData(d, f.Payload)
		return d

	case FrameTypeRequestN:
		d.Header().SetTypeAndFlags(f.Type, flags)
		d = d.AppendUint32(f.RequestN)
		return d

	case FrameTypeCancel:
		d.Header().SetTypeAndFlags(f.Type, flags)
		return d

	case FrameTypeError:
		d.Header().SetTypeAndFlags(f.Type, flags&^FlagMetadata)
		d = d.AppendUint32(uint32(f.ErrorCode))
		d = append(d, f.Payload.Data...)
		return d

	case FrameTypeMetadataPush:
		d.Header().SetTypeAndFlags(f.Type, FlagMetadata)
		d = append(d, f.Payload.Metadata...)
		return d

	case FrameTypeResume, FrameTypeResumeOK:
		d.Header().SetTypeAndFlags(f.Type, flags)
		d = append(d, f.Payload.Data...)
		return d

	default: // REQUEST_RESPONSE, REQUEST_FNF, PAYLOAD
		d.Header().SetTypeAndFlags(f.Type, flags)
		d = appendMetadataData(d, f.Payload)
		return d
	}
}

func setupFlags(f Frame) Flags {
	var flags Flags
	if f.HonorLease {
		flags |= FlagLease
	}
	if len(f.ResumeToken) > 0 {
		flags |= FlagResume
	}
	return flags
}

func appendMetadataData(d Data, p Payload) Data {
	if p.HasMetadata() {
		d = d.AppendUint24(len(p.Metadata))
		d = append(d, p.Metadata...)
	}
	return append(d, p.Data...)
}
