// Package cdtp implements the CDTP data transport (spec.md §4.7): a
// PUSH/PULL producer-to-consumer stream with BOR/DAT/EOR framing, per-run
// contiguous sequence numbers, and late-joiner synthesis on the receiver
// side.
package cdtp

import "github.com/desy-constellation/constellation-go/protocol"

// MsgType distinguishes the three frame kinds of a CDTP run.
type MsgType int

const (
	MsgBOR MsgType = iota
	MsgDAT
	MsgEOR
)

func (m MsgType) String() string {
	switch m {
	case MsgBOR:
		return "BOR"
	case MsgDAT:
		return "DAT"
	case MsgEOR:
		return "EOR"
	default:
		return "UNKNOWN"
	}
}

// dataHeader is the CDTP-specific body following the common header frame:
// message kind and sequence number. BOR/EOR carry their run_config_snapshot/
// run_stats in the common header's Meta map (spec.md §4.7).
type dataHeader struct {
	MsgType int    `cbor:"1,keyasint"`
	Seq     uint64 `cbor:"2,keyasint"`
}

// Frame is one decoded CDTP message as handed to a receiver's write
// callback: the common envelope, the CDTP kind/seq, and zero or more
// payload frames (DAT permits multiple; BOR/EOR at most one).
type Frame struct {
	Header  protocol.Header
	Type    MsgType
	Seq     uint64
	Payload [][]byte
}

func encodeFrame(header protocol.Header, msgType MsgType, seq uint64, payload [][]byte) ([][]byte, error) {
	headerBytes, err := header.Encode()
	if err != nil {
		return nil, err
	}
	dhBytes, err := protocol.Marshal(dataHeader{MsgType: int(msgType), Seq: seq})
	if err != nil {
		return nil, err
	}
	// Wire layout: [envelope, cdtp-header, payload...]. decodeFrame mirrors
	// this exactly.
	frames := make([][]byte, 0, 2+len(payload))
	frames = append(frames, headerBytes, dhBytes)
	frames = append(frames, payload...)
	return frames, nil
}

func decodeFrame(parts [][]byte) (Frame, error) {
	if len(parts) < 2 {
		return Frame{}, &protocol.Error{Tag: protocol.TagCDTP, Reason: "truncated CDTP message"}
	}
	header, err := protocol.DecodeHeader(parts[0], protocol.TagCDTP)
	if err != nil {
		return Frame{}, err
	}
	var dh dataHeader
	if err := protocol.Unmarshal(parts[1], &dh); err != nil {
		return Frame{}, &protocol.Error{Tag: protocol.TagCDTP, Reason: "malformed CDTP header: " + err.Error()}
	}
	return Frame{
		Header:  header,
		Type:    MsgType(dh.MsgType),
		Seq:     dh.Seq,
		Payload: parts[2:],
	}, nil
}
