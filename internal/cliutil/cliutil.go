// Package cliutil collects the command-line flag set and logger
// construction shared by cmd/satellite, cmd/controller, and cmd/h5receiver
// (spec.md §6: "Common flags" across every executable).
package cliutil

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CommonFlags holds the §6 flags shared by every executable.
type CommonFlags struct {
	Name      string
	Group     string
	Interface string
	CmdPort   int
	HBPort    int
	MonPort   int
	DataPort  int
	LogLevel  string
}

// Register adds the common flag set to cmd, with role-appropriate defaults.
// role is used only to default Name when the caller leaves it empty.
func Register(cmd *cobra.Command, f *CommonFlags, role string) {
	cmd.Flags().StringVar(&f.Name, "name", role, "canonical name")
	cmd.Flags().StringVar(&f.Group, "group", "constellation", "constellation group")
	cmd.Flags().StringVar(&f.Interface, "interface", "*", "bind interface, * for all")
	cmd.Flags().IntVar(&f.CmdPort, "cmd-port", 0, "command (CSCP) port, 0 for ephemeral")
	cmd.Flags().IntVar(&f.HBPort, "hb-port", 0, "heartbeat (CHP) port, 0 for ephemeral")
	cmd.Flags().IntVar(&f.MonPort, "mon-port", 0, "monitoring (CMDP) port, 0 for ephemeral")
	cmd.Flags().IntVar(&f.DataPort, "data-port", 0, "data (CDTP) port, 0 for ephemeral")
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "info", "trace|debug|info|warning|error|critical")
}

// NewLogger builds a zap.Logger at the level named by spec.md §6's
// vocabulary, which doesn't line up one-to-one with zapcore's levels:
// trace has no zap equivalent (mapped to Debug) and critical maps to
// zap's DPanic rather than the process-ending Fatal/Panic.
func NewLogger(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	switch strings.ToLower(level) {
	case "trace", "debug":
		zl = zapcore.DebugLevel
	case "info":
		zl = zapcore.InfoLevel
	case "warning", "warn":
		zl = zapcore.WarnLevel
	case "error":
		zl = zapcore.ErrorLevel
	case "critical":
		zl = zapcore.DPanicLevel
	default:
		return nil, fmt.Errorf("cliutil: unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
