package rsocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	d := EncodeFrame(f)
	got, err := DecodeFrame(d)
	require.NoError(t, err)
	return got
}

func Test_FrameCodec_RequestResponse_RoundTrip(t *testing.T) {
	f := Frame{
		StreamID: 7,
		Type:     FrameTypeRequestResponse,
		Payload:  NewPayloadMetadata([]byte("meta"), []byte("data")),
	}
	got := roundTrip(t, f)
	assert.Equal(t, f.StreamID, got.StreamID)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.Payload, got.Payload)
}

func Test_FrameCodec_Payload_NoMetadata_Vs_EmptyMetadata(t *testing.T) {
	noMeta := roundTrip(t, Frame{StreamID: 1, Type: FrameTypePayload, Payload: NewPayload([]byte("x"))})
	assert.False(t, noMeta.Payload.HasMetadata())

	emptyMeta := roundTrip(t, Frame{StreamID: 1, Type: FrameTypePayload, Payload: NewPayloadMetadata([]byte{}, []byte("x"))})
	assert.True(t, emptyMeta.Payload.HasMetadata())
	assert.Equal(t, 0, len(emptyMeta.Payload.Metadata))
}

func Test_FrameCodec_RequestStream_InitialN(t *testing.T) {
	f := Frame{StreamID: 3, Type: FrameTypeRequestStream, InitialRequestN: 42, Payload: NewPayloadString("hello")}
	got := roundTrip(t, f)
	assert.Equal(t, uint32(42), got.InitialRequestN)
	assert.Equal(t, "hello", got.Payload.DataString())
}

func Test_FrameCodec_RequestN(t *testing.T) {
	f := Frame{StreamID: 3, Type: FrameTypeRequestN, RequestN: 5}
	got := roundTrip(t, f)
	assert.Equal(t, uint32(5), got.RequestN)
}

func Test_FrameCodec_RequestN_Invalid(t *testing.T) {
	_, err := DecodeFrame(EncodeFrame(Frame{StreamID: 1, Type: FrameTypeRequestN, RequestN: 0}))
	assert.Error(t, err)
}

func Test_FrameCodec_Error_RoundTrip(t *testing.T) {
	f := Frame{StreamID: 9, Type: FrameTypeError, ErrorCode: ErrorCodeApplicationError, Payload: Payload{Data: []byte("boom")}}
	got := roundTrip(t, f)
	assert.Equal(t, ErrorCodeApplicationError, got.ErrorCode)
	assert.Equal(t, "boom", string(got.Payload.Data))
}

func Test_FrameCodec_Lease_RoundTrip(t *testing.T) {
	f := Frame{Type: FrameTypeLease, LeaseTTL: 10000, LeasePermits: 5, Payload: Payload{Metadata: []byte("m")}}
	got := roundTrip(t, f)
	assert.Equal(t, uint32(10000), got.LeaseTTL)
	assert.Equal(t, uint32(5), got.LeasePermits)
	assert.Equal(t, "m", string(got.Payload.Metadata))
}

func Test_FrameCodec_Keepalive_RoundTrip(t *testing.T) {
	f := Frame{Type: FrameTypeKeepalive, Flags: FlagRespond, KeepaliveLastPosition: 123456789, Payload: Payload{Data: []byte("ping")}}
	got := roundTrip(t, f)
	assert.True(t, got.Flags.has(FlagRespond))
	assert.Equal(t, uint64(123456789), got.KeepaliveLastPosition)
	assert.Equal(t, "ping", string(got.Payload.Data))
}

func Test_FrameCodec_Setup_RoundTrip(t *testing.T) {
	f := Frame{
		Type:              FrameTypeSetup,
		SetupMajorVersion: 1,
		SetupMinorVersion: 0,
		KeepaliveInterval: 20000,
		MaxLifetime:       90000,
		HonorLease:        true,
		MetadataMimeType:  "application/json",
		DataMimeType:      "application/binary",
		Payload:           NewPayloadMetadata([]byte("sm"), []byte("sd")),
	}
	got := roundTrip(t, f)
	assert.Equal(t, uint16(1), got.SetupMajorVersion)
	assert.Equal(t, uint32(20000), got.KeepaliveInterval)
	assert.Equal(t, uint32(90000), got.MaxLifetime)
	assert.True(t, got.HonorLease)
	assert.Equal(t, "application/json", got.MetadataMimeType)
	assert.Equal(t, "application/binary", got.DataMimeType)
	assert.Equal(t, "sm", string(got.Payload.Metadata))
	assert.Equal(t, "sd", string(got.Payload.Data))
}

func Test_FrameCodec_Setup_ResumeToken_RoundTrip(t *testing.T) {
	token := newResumeToken()
	f := Frame{
		Type:              FrameTypeSetup,
		KeepaliveInterval: 1000,
		MaxLifetime:       1000,
		MetadataMimeType:  "m",
		DataMimeType:      "d",
		ResumeToken:       token,
	}
	got := roundTrip(t, f)
	assert.Equal(t, token, got.ResumeToken)
}

func Test_FrameCodec_UnknownFrameType(t *testing.T) {
	d := DataAllocStream(1)
	d.Header().SetTypeAndFlags(FrameType(0x20), 0)
	_, err := DecodeFrame(d)
	assert.ErrorIs(t, err, ErrUnknownFrameType)
}

func Test_FrameCodec_MalformedFrame_TooShort(t *testing.T) {
	d := Data(make([]byte, 2))
	_, err := DecodeFrame(d)
	assert.Error(t, err)
}
