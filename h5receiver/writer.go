// Package h5receiver implements the generic file-sink write contract of
// spec.md §6 and scenario S4 (file-name placeholders, refuse-to-overwrite,
// group-per-sender, attribute attachment) against a storage-agnostic
// FrameWriter, decoupling the contract from the HDF5 on-disk schema that
// spec.md §1 explicitly places out of scope.
package h5receiver

import (
	"fmt"
	"strings"
	"time"

	"github.com/desy-constellation/constellation-go/cdtp"
)

// FrameWriter is the storage backend contract a receiver file writes
// through: one call per decoded CDTP frame, keyed by sender name, carrying
// whatever meta/payload the frame has. A real HDF5 backend would implement
// this against h5py-equivalent group/dataset/attribute calls; the
// JSONLinesWriter in this package is the backend actually wired in.
type FrameWriter interface {
	// WriteBOR opens (or confirms) the sender's group and records
	// run_config_snapshot as its attributes.
	WriteBOR(sender string, meta map[string]any) error
	// WriteDAT appends one dataset to the sender's group, named after seq.
	WriteDAT(sender string, seq uint64, payload [][]byte) error
	// WriteEOR records run_stats as attributes on the sender's group and
	// marks the run closed.
	WriteEOR(sender string, meta map[string]any) error
	// Close flushes and releases the underlying file.
	Close() error
}

// ResolvePlaceholders expands {run_number} and {date} in pattern (spec.md
// §6: "file_name_pattern supporting {run_number} and {date} placeholders").
func ResolvePlaceholders(pattern string, runNumber int, at time.Time) string {
	replacer := strings.NewReplacer(
		"{run_number}", fmt.Sprintf("%d", runNumber),
		"{date}", at.UTC().Format("2006-01-02"),
	)
	return replacer.Replace(pattern)
}

// Sink adapts a FrameWriter to cdtp.WriteFunc, the shape cdtp.Receiver
// expects.
func Sink(w FrameWriter) cdtp.WriteFunc {
	return func(f cdtp.Frame) error {
		switch f.Type {
		case cdtp.MsgBOR:
			return w.WriteBOR(f.Header.Sender, f.Header.Meta)
		case cdtp.MsgDAT:
			return w.WriteDAT(f.Header.Sender, f.Seq, f.Payload)
		case cdtp.MsgEOR:
			return w.WriteEOR(f.Header.Sender, f.Header.Meta)
		default:
			return fmt.Errorf("h5receiver: unknown frame type %v", f.Type)
		}
	}
}
