// Command satellite runs one Constellation satellite process (spec.md §6):
// a beacon listener, command responder, heartbeat sender, and monitoring
// publisher, plus whichever Capability --capability selects.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/desy-constellation/constellation-go/internal/cliutil"
	"github.com/desy-constellation/constellation-go/satellite"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	flags := &cliutil.CommonFlags{}
	var class, capabilityName string
	var enableData bool
	var heartbeatPeriod time.Duration

	cmd := &cobra.Command{
		Use:   "satellite",
		Short: "Run one Constellation satellite process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, class, capabilityName, enableData, heartbeatPeriod)
		},
	}
	cliutil.Register(cmd, flags, "satellite")
	cmd.Flags().StringVar(&class, "class", "GenericSatellite", "satellite class name")
	cmd.Flags().StringVar(&capabilityName, "capability", "example", "registered capability to run (only \"example\" is built in)")
	cmd.Flags().BoolVar(&enableData, "enable-data", false, "bind an optional CDTP data producer")
	cmd.Flags().DurationVar(&heartbeatPeriod, "heartbeat-period", 0, "heartbeat period, 0 for the protocol default")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *cliutil.CommonFlags, class, capabilityName string, enableData bool, heartbeatPeriod time.Duration) error {
	log, err := cliutil.NewLogger(flags.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	if capabilityName != "example" {
		return fmt.Errorf("satellite: unknown capability %q (only \"example\" is built in)", capabilityName)
	}

	ref := &satelliteRef{}
	opts := satellite.Options{
		Name:            flags.Name,
		Class:           class,
		Group:           flags.Group,
		Interface:       flags.Interface,
		CmdPort:         flags.CmdPort,
		HBPort:          flags.HBPort,
		MonPort:         flags.MonPort,
		EnableData:      enableData,
		DataPort:        flags.DataPort,
		HeartbeatPeriod: heartbeatPeriod,
		Log:             log,
	}

	sat, err := satellite.New(opts, exampleCapability(ref, log))
	if err != nil {
		return fmt.Errorf("satellite: %w", err)
	}
	ref.sat = sat
	defer sat.Close()

	sat.Log().Info("satellite bound",
		zap.Int("cmd_port", sat.CmdPort()),
		zap.Int("hb_port", sat.HBPort()),
		zap.Int("mon_port", sat.MonPort()),
		zap.Int("metrics_port", sat.MetricsPort()),
	)
	sat.Run()
	return nil
}
