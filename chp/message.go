// Package chp implements the CHP heartbeat fabric (spec.md §4.5): a
// publish/subscribe broadcast of the sender's lifecycle state plus a
// promised next-interval, and a receiver-side liveness tracker that derives
// "missed"/"failed" from that promise.
package chp

import (
	"time"

	"github.com/desy-constellation/constellation-go/protocol"
)

// DefaultPeriod is the sender's default publish interval.
const DefaultPeriod = time.Second

// PromiseFactor inflates the configured period into the promised interval
// carried on the wire, giving receivers slack against jitter (spec.md §4.5:
// "a promised interval equal to 1.1x the configured period").
const PromiseFactor = 1.1

// MissFactor and FailThreshold implement the receiver-side liveness rule of
// spec.md §4.5 and invariant 6 of §8: a peer is "missed" once
// now-last_seen exceeds MissFactor*promised_interval, and "failed" after
// FailThreshold consecutive misses.
const (
	MissFactor    = 1.5
	FailThreshold = 3
)

// beat is the CHP-specific body following the common header frame.
type beat struct {
	State            string `cbor:"1,keyasint"`
	PromisedInterval int64  `cbor:"2,keyasint"` // milliseconds
}

// Beat is a decoded heartbeat: the common header plus the CHP body.
type Beat struct {
	Header           protocol.Header
	State            string
	PromisedInterval time.Duration
}

func encodeBeat(header protocol.Header, state string, promised time.Duration) ([][]byte, error) {
	headerBytes, err := header.Encode()
	if err != nil {
		return nil, err
	}
	bodyBytes, err := protocol.Marshal(beat{State: state, PromisedInterval: promised.Milliseconds()})
	if err != nil {
		return nil, err
	}
	return [][]byte{headerBytes, bodyBytes}, nil
}

func decodeBeat(parts [][]byte) (Beat, error) {
	if len(parts) < 2 {
		return Beat{}, &protocol.Error{Tag: protocol.TagCHP, Reason: "truncated heartbeat"}
	}
	header, err := protocol.DecodeHeader(parts[0], protocol.TagCHP)
	if err != nil {
		return Beat{}, err
	}
	var b beat
	if err := protocol.Unmarshal(parts[1], &b); err != nil {
		return Beat{}, &protocol.Error{Tag: protocol.TagCHP, Reason: "malformed heartbeat body: " + err.Error()}
	}
	return Beat{
		Header:           header,
		State:            b.State,
		PromisedInterval: time.Duration(b.PromisedInterval) * time.Millisecond,
	}, nil
}
