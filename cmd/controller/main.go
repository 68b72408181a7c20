// Command controller runs a Constellation controller process (spec.md §4.8,
// §6): a CONTROL-filtered beacon listener that discovers satellites and
// drives them through a minimal line-oriented command surface on stdin.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/desy-constellation/constellation-go/chirp"
	"github.com/desy-constellation/constellation-go/controller"
	"github.com/desy-constellation/constellation-go/internal/cliutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	flags := &cliutil.CommonFlags{}
	var dialTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Discover satellites and drive them through a line-oriented command shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, dialTimeout)
		},
	}
	cliutil.Register(cmd, flags, "controller")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 5*time.Second, "per-command reply timeout")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *cliutil.CommonFlags, dialTimeout time.Duration) error {
	log, err := cliutil.NewLogger(flags.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	broadcasts, err := chirp.GetBroadcastAddresses(flags.Interface)
	if err != nil {
		return fmt.Errorf("controller: broadcast addresses: %w", err)
	}
	beacon, err := chirp.NewTransmitter(flags.Name, flags.Group, broadcasts, log)
	if err != nil {
		return fmt.Errorf("controller: beacon: %w", err)
	}
	defer beacon.Close() //nolint:errcheck

	ctrl := controller.New(flags.Name, controller.DialTimeout(dialTimeout), log)
	beacon.Table().OnService(chirp.ServiceControl, ctrl.OnOffer)
	defer ctrl.Close()

	go beacon.Run()
	stopRefresh := make(chan struct{})
	go beacon.RequestRefresh(5*time.Second, stopRefresh)
	defer close(stopRefresh)
	beacon.Broadcast(chirp.ServiceNone, chirp.MessageRequest, 0)

	log.Info("controller listening for satellites", zap.String("group", flags.Group))
	repl(ctrl)
	return nil
}

// repl implements the minimal interactive surface of spec.md §6: one command
// per line, blocking on stdin until "quit"/EOF. It is deliberately text-only
// (spec.md §4: "No GUI"), the Go analogue of
// controller/minimalist_gui_controller.py's command entry box.
func repl(ctrl *controller.Controller) {
	fmt.Println("constellation controller ready. commands: peers | state | status | cmd <verb> [target] [json-payload] | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			return
		case "peers":
			fmt.Println(strings.Join(ctrl.Peers(), ", "))
		case "state":
			state, err := ctrl.State()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			fmt.Println(state)
		case "status":
			fmt.Println(ctrl.Status())
		case "cmd":
			runCommand(ctrl, fields[1:])
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", fields[0])
		}
	}
}

// runCommand parses `cmd <verb> [target] [json-payload]` and prints one
// reply line per targeted satellite.
func runCommand(ctrl *controller.Controller, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cmd <verb> [target] [json-payload]")
		return
	}
	verb := args[0]
	var target string
	var payload any
	if len(args) > 1 {
		target = args[1]
	}
	if len(args) > 2 {
		raw := strings.Join(args[2:], " ")
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			fmt.Fprintf(os.Stderr, "invalid json payload: %v\n", err)
			return
		}
	}

	replies, err := ctrl.Command(verb, target, payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	for name, reply := range replies {
		fmt.Printf("%s: %s %s\n", name, reply.Result, reply.Message)
	}
}
