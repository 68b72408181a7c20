package monitoring

import (
	"strings"
	"time"

	"github.com/desy-constellation/constellation-go/protocol"
)

// LogRecord is a log entry received from a peer's LOG/ frame, reconstructed
// from the header meta the sender attached (spec.md §4.6: "All attributes
// needed to reconstruct the record at the subscriber ... are carried in the
// header meta map").
type LogRecord struct {
	Sender  string
	Level   string
	Message string
	Meta    map[string]any
	Time    time.Time
}

// LogHandler routes a received LogRecord into the listening process's own
// log handlers (spec.md §4.6: "decodes LOG frames back into local log
// records and routes them through the local log handlers").
type LogHandler func(LogRecord)

func decodeLog(topic string, parts [][]byte) (LogRecord, error) {
	if len(parts) < 3 {
		return LogRecord{}, &protocol.Error{Tag: protocol.TagCMDP, Reason: "truncated log frame"}
	}
	header, err := protocol.DecodeHeader(parts[1], protocol.TagCMDP)
	if err != nil {
		return LogRecord{}, err
	}
	level := ""
	if segs := strings.SplitN(topic, "/", 3); len(segs) >= 2 {
		level = segs[1]
	}
	return LogRecord{
		Sender:  header.Sender,
		Level:   level,
		Message: string(parts[2]),
		Meta:    header.Meta,
		Time:    header.Timestamp,
	}, nil
}
