package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(TagCSCP, "sat_a", map[string]any{"run": uint64(42)})

	raw, err := h.Encode()
	require.NoError(t, err)

	decoded, err := DecodeHeader(raw, TagCSCP)
	require.NoError(t, err)
	require.Equal(t, h.Sender, decoded.Sender)
	require.Equal(t, h.Tag, decoded.Tag)
	require.Equal(t, uint64(42), decoded.Meta["run"])
}

func TestDecodeHeaderWrongTag(t *testing.T) {
	h := NewHeader(TagCHP, "sat_a", nil)
	raw, err := h.Encode()
	require.NoError(t, err)

	_, err = DecodeHeader(raw, TagCSCP)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
}

func TestDecodeHeaderMalformed(t *testing.T) {
	_, err := DecodeHeader([]byte{0xff, 0x00, 0x01}, TagCMDP)
	require.Error(t, err)
}

func TestMarshalUnmarshalPayload(t *testing.T) {
	payload := []any{uint64(7), "RATE", "Hz"}
	raw, err := Marshal(payload)
	require.NoError(t, err)

	var out []any
	require.NoError(t, Unmarshal(raw, &out))
	require.Len(t, out, 3)
}
