package h5receiver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// record is one line of the JSON-lines file: a group (sender), a kind
// (BOR/DAT/EOR), its attributes, and (for DAT) the raw payload frames
// base64-encoded by encoding/json's native []byte handling.
type record struct {
	Group   string         `json:"group"`
	Kind    string         `json:"kind"`
	Seq     uint64         `json:"seq,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Payload [][]byte       `json:"payload,omitempty"`
}

// JSONLinesWriter is the FrameWriter actually wired into h5receiver
// (spec.md §2.10): one append-only JSON-lines file per run, refusing to
// overwrite an existing path (spec.md §6: "refuses to overwrite an
// existing file (fails fast)").
type JSONLinesWriter struct {
	mu    sync.Mutex
	file  *os.File
	enc   *json.Encoder
	known map[string]bool
}

// Create opens path for exclusive creation; it returns an error if path
// already exists.
func Create(path string) (*JSONLinesWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("h5receiver: refusing to overwrite %s: %w", path, err)
	}
	return &JSONLinesWriter{file: f, enc: json.NewEncoder(f), known: make(map[string]bool)}, nil
}

func (w *JSONLinesWriter) WriteBOR(sender string, meta map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[sender] = true
	return w.enc.Encode(record{Group: sender, Kind: "BOR", Attrs: meta})
}

func (w *JSONLinesWriter) WriteDAT(sender string, seq uint64, payload [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(record{Group: sender, Kind: "DAT", Seq: seq, Payload: payload})
}

func (w *JSONLinesWriter) WriteEOR(sender string, meta map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.known, sender)
	return w.enc.Encode(record{Group: sender, Kind: "EOR", Attrs: meta})
}

func (w *JSONLinesWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
