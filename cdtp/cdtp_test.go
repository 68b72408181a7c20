package cdtp

import (
	"testing"

	"github.com/desy-constellation/constellation-go/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestReceiver(t *testing.T, write WriteFunc) *Receiver {
	t.Helper()
	return &Receiver{
		write: write,
		log:   zaptest.NewLogger(t),
		runs:  make(map[string]*runState),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func frameFor(sender string, typ MsgType, seq uint64) Frame {
	return Frame{Header: protocol.NewHeader(protocol.TagCDTP, sender, nil), Type: typ, Seq: seq}
}

func TestNormalRunSequence(t *testing.T) {
	var written []MsgType
	r := newTestReceiver(t, func(f Frame) error {
		written = append(written, f.Type)
		return nil
	})

	r.ingest(frameFor("prod-a", MsgBOR, 0))
	r.ingest(frameFor("prod-a", MsgDAT, 1))
	r.ingest(frameFor("prod-a", MsgDAT, 2))
	r.ingest(frameFor("prod-a", MsgEOR, 3))

	require.Equal(t, []MsgType{MsgBOR, MsgDAT, MsgDAT, MsgEOR}, written)
	assert.NotContains(t, r.runs, "prod-a") // EOR clears run state
}

// TestLateJoinerSynthesisesBOR is scenario S7: a DAT arriving before any
// BOR is seen must synthesise an empty BOR and still deliver the DAT.
func TestLateJoinerSynthesisesBOR(t *testing.T) {
	var written []MsgType
	r := newTestReceiver(t, func(f Frame) error {
		written = append(written, f.Type)
		return nil
	})

	r.ingest(frameFor("prod-b", MsgDAT, 5))

	require.Equal(t, []MsgType{MsgBOR, MsgDAT}, written)
	r.mu.Lock()
	state := r.runs["prod-b"]
	r.mu.Unlock()
	require.NotNil(t, state)
	assert.True(t, state.lateJoiner)
	assert.True(t, state.started)
}

func TestSeqGapDoesNotStopDelivery(t *testing.T) {
	var written []uint64
	r := newTestReceiver(t, func(f Frame) error {
		written = append(written, f.Seq)
		return nil
	})

	r.ingest(frameFor("prod-c", MsgBOR, 0))
	r.ingest(frameFor("prod-c", MsgDAT, 1))
	r.ingest(frameFor("prod-c", MsgDAT, 5)) // gap: expected 2, got 5

	require.Equal(t, []uint64{0, 1, 5}, written)
	r.mu.Lock()
	next := r.runs["prod-c"].nextSeq
	r.mu.Unlock()
	assert.Equal(t, uint64(6), next)
}

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	header := protocol.NewHeader(protocol.TagCDTP, "prod-d", map[string]any{"run": 1})
	frames, err := encodeFrame(header, MsgDAT, 7, [][]byte{[]byte("a"), []byte("bb")})
	require.NoError(t, err)

	got, err := decodeFrame(frames)
	require.NoError(t, err)
	assert.Equal(t, MsgDAT, got.Type)
	assert.Equal(t, uint64(7), got.Seq)
	require.Len(t, got.Payload, 2)
	assert.Equal(t, []byte("a"), got.Payload[0])
	assert.Equal(t, []byte("bb"), got.Payload[1])
}
