package monitoring

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// Core wraps a base zapcore.Core and additionally forwards every entry it
// sees to a Publisher as a CMDP LOG/ frame, giving every zap.Logger call in
// the process a side channel onto the monitoring bus without changing how
// callers log (spec.md §4.6 log path; grounded on zapcore.NewTee's pattern
// of composing cores, generalised here to one that publishes instead of
// only writing).
type Core struct {
	zapcore.Core
	name string
	pub  *Publisher
}

// NewCore wraps base so that every logged entry is also published through
// pub under logger name.
func NewCore(base zapcore.Core, name string, pub *Publisher) *Core {
	return &Core{Core: base, name: name, pub: pub}
}

// With preserves the tap across With-derived child loggers.
func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	return &Core{Core: c.Core.With(fields), name: c.name, pub: c.pub}
}

// Check lets the base core decide whether to log, but arranges for Write on
// this Core so publication happens alongside the base write.
func (c *Core) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

// Write publishes entry/fields onto the monitoring bus and forwards to the
// base core.
func (c *Core) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	c.publish(entry, fields)
	return c.Core.Write(entry, fields)
}

func (c *Core) publish(entry zapcore.Entry, fields []zapcore.Field) {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	meta := map[string]any{
		"levelname": entry.Level.CapitalString(),
		"levelno":   int(entry.Level),
		"pathname":  entry.Caller.File,
		"lineno":    entry.Caller.Line,
		"funcName":  entry.Caller.Function,
		"created":   entry.Time.UTC().Format(time.RFC3339Nano),
		"fields":    enc.Fields,
	}
	c.pub.PublishLog(entry.Level.CapitalString(), c.name, meta, entry.Message)
}
