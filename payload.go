// payload.go

package rsocket

// Payload is the application-visible unit carried by NEXT, REQUEST_*, and
// METADATA_PUSH frames: an optional metadata byte sequence and a data byte
// sequence. A nil Metadata is distinct from an empty non-nil one — only the
// former omits the METADATA flag and its length prefix on the wire.
type Payload struct {
	Metadata []byte
	Data     []byte
}

// HasMetadata reports whether p carries a metadata section.
func (p Payload) HasMetadata() bool { return p.Metadata != nil }

// DataString returns the data section decoded as a string, a convenience
// for handlers that treat payloads as text.
func (p Payload) DataString() string { return string(p.Data) }

// NewPayload builds a Payload from data with no metadata.
func NewPayload(data []byte) Payload { return Payload{Data: data} }

// NewPayloadString builds a Payload from a string with no metadata.
func NewPayloadString(data string) Payload { return Payload{Data: []byte(data)} }

// NewPayloadMetadata builds a Payload carrying both metadata and data.
func NewPayloadMetadata(metadata, data []byte) Payload {
	if metadata == nil {
		metadata = []byte{}
	}
	return Payload{Metadata: metadata, Data: data}
}
