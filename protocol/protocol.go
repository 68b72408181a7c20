// Package protocol implements the common wire envelope shared by the four
// Constellation protocols (CSCP, CHP, CMDP, CDTP): a protocol tag, a sender
// name, a UTC nanosecond timestamp, and a map of typed metadata, serialised
// with CBOR so the envelope is self-describing on the wire.
package protocol

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Tag identifies which of the four Constellation protocols an envelope
// belongs to.
type Tag string

const (
	TagCSCP Tag = "CSCP"
	TagCHP  Tag = "CHP"
	TagCMDP Tag = "CMDP"
	TagCDTP Tag = "CDTP"
)

// Error is raised whenever a received envelope cannot be decoded: wrong
// protocol tag, truncated frame, or malformed CBOR. The connection that
// produced it is never closed because of a ProtocolError; the caller is
// expected to log it and keep reading.
type Error struct {
	Tag    Tag
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Tag, e.Reason)
}

// Header is the common envelope every Constellation message carries.
type Header struct {
	Tag       Tag            `cbor:"1,keyasint"`
	Sender    string         `cbor:"2,keyasint"`
	Timestamp time.Time      `cbor:"3,keyasint"`
	Meta      map[string]any `cbor:"4,keyasint"`
}

// NewHeader builds a header for the given protocol tag and sender, stamped
// with the current time.
func NewHeader(tag Tag, sender string, meta map[string]any) Header {
	if meta == nil {
		meta = map[string]any{}
	}
	return Header{
		Tag:       tag,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Meta:      meta,
	}
}

// Encode serialises the header to its CBOR wire form.
func (h Header) Encode() ([]byte, error) {
	b, err := cbor.Marshal(h)
	if err != nil {
		return nil, &Error{Tag: h.Tag, Reason: err.Error()}
	}
	return b, nil
}

// DecodeHeader decodes a wire frame into a Header, expecting the given tag.
// A tag mismatch or malformed payload is reported as a *Error.
func DecodeHeader(frame []byte, want Tag) (Header, error) {
	var h Header
	if err := cbor.Unmarshal(frame, &h); err != nil {
		return Header{}, &Error{Tag: want, Reason: "malformed envelope: " + err.Error()}
	}
	if h.Tag != want {
		return Header{}, &Error{Tag: want, Reason: fmt.Sprintf("unexpected protocol tag %q", h.Tag)}
	}
	return h, nil
}

// Marshal packs an arbitrary payload value (typically a slice or map) into
// its CBOR encoding, suitable as the data frame following a header frame in
// a multi-frame message.
func Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// Unmarshal decodes a CBOR payload frame into v.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
