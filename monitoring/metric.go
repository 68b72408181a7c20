// Package monitoring implements the CMDP log + metric pipeline (spec.md
// §4.6): a Publisher that fans local log records and scheduled metrics out
// over a PUB socket, and a Listener that subscribes to a set of peers and
// routes their LOG/STATS frames to local handlers or a CSV sink.
package monitoring

import "github.com/desy-constellation/constellation-go/protocol"

// Handling is the aggregation hint a metric carries for its subscribers,
// matching the original's MetricsType enum values on the wire.
type Handling int

const (
	LastValue  Handling = 0x1
	Accumulate Handling = 0x2
	Average    Handling = 0x3
	Rate       Handling = 0x4
)

func (h Handling) String() string {
	switch h {
	case LastValue:
		return "LAST_VALUE"
	case Accumulate:
		return "ACCUMULATE"
	case Average:
		return "AVERAGE"
	case Rate:
		return "RATE"
	default:
		return "UNKNOWN"
	}
}

// Metric is one sample of a named, unit-carrying measurement (spec.md §3:
// "{name, unit, handling, value, sender, timestamp, meta}").
type Metric struct {
	Name     string
	Unit     string
	Handling Handling
	Value    any
}

// metricWire is the packed_value body of spec.md §4.6: "[value,
// handling_code, unit_string]".
type metricWire struct {
	_        struct{} `cbor:",toarray"`
	Value    any
	Handling int
	Unit     string
}

func encodeMetric(header protocol.Header, topic string, m Metric) ([][]byte, error) {
	headerBytes, err := header.Encode()
	if err != nil {
		return nil, err
	}
	bodyBytes, err := protocol.Marshal(metricWire{Value: m.Value, Handling: int(m.Handling), Unit: m.Unit})
	if err != nil {
		return nil, err
	}
	return [][]byte{[]byte(topic), headerBytes, bodyBytes}, nil
}

func decodeMetric(topic string, parts [][]byte) (Metric, protocol.Header, error) {
	header, err := protocol.DecodeHeader(parts[1], protocol.TagCMDP)
	if err != nil {
		return Metric{}, protocol.Header{}, err
	}
	var w metricWire
	if err := protocol.Unmarshal(parts[2], &w); err != nil {
		return Metric{}, protocol.Header{}, &protocol.Error{Tag: protocol.TagCMDP, Reason: "malformed metric body: " + err.Error()}
	}
	name := topic
	if len(topic) > len("STATS/") {
		name = topic[len("STATS/"):]
	}
	return Metric{Name: name, Unit: w.Unit, Handling: Handling(w.Handling), Value: w.Value}, header, nil
}
