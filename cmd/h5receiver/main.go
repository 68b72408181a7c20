// Command h5receiver runs a standalone Constellation data receiver
// (spec.md §4.7, §6): it discovers the first DATA producer announced over
// the beacon, drains its CDTP frames into a file sink, and refuses to
// overwrite an existing output file.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/desy-constellation/constellation-go/cdtp"
	"github.com/desy-constellation/constellation-go/chirp"
	"github.com/desy-constellation/constellation-go/h5receiver"
	"github.com/desy-constellation/constellation-go/internal/cliutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	flags := &cliutil.CommonFlags{}
	var outputDir, fileNamePattern string
	var runNumber int
	var gracePeriod time.Duration

	cmd := &cobra.Command{
		Use:   "h5receiver",
		Short: "Discover a DATA producer and drain its CDTP frames into a file sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, outputDir, fileNamePattern, runNumber, gracePeriod)
		},
	}
	cliutil.Register(cmd, flags, "h5receiver")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "directory the output file is written into")
	cmd.Flags().StringVar(&fileNamePattern, "file-name-pattern", "run{run_number}_{date}.jsonl",
		"output file name, supporting {run_number} and {date} placeholders")
	cmd.Flags().IntVar(&runNumber, "run-number", 0, "run number substituted into --file-name-pattern")
	cmd.Flags().DurationVar(&gracePeriod, "grace-period", 3*time.Second,
		"how long to keep draining after SIGINT/SIGTERM before closing")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *cliutil.CommonFlags, outputDir, fileNamePattern string, runNumber int, gracePeriod time.Duration) error {
	log, err := cliutil.NewLogger(flags.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	broadcasts, err := chirp.GetBroadcastAddresses(flags.Interface)
	if err != nil {
		return fmt.Errorf("h5receiver: broadcast addresses: %w", err)
	}
	beacon, err := chirp.NewTransmitter(flags.Name, flags.Group, broadcasts, log)
	if err != nil {
		return fmt.Errorf("h5receiver: beacon: %w", err)
	}
	defer beacon.Close() //nolint:errcheck
	go beacon.Run()
	beacon.Broadcast(chirp.ServiceNone, chirp.MessageRequest, 0)

	log.Info("h5receiver waiting for a DATA producer")
	addr, err := awaitDataOffer(beacon)
	if err != nil {
		return err
	}
	log.Info("h5receiver connecting", zap.String("addr", addr))

	path := filepath.Join(outputDir, h5receiver.ResolvePlaceholders(fileNamePattern, runNumber, time.Now()))
	writer, err := h5receiver.Create(path)
	if err != nil {
		return fmt.Errorf("h5receiver: %w", err)
	}
	defer writer.Close() //nolint:errcheck

	receiver, err := cdtp.NewReceiver(addr, h5receiver.Sink(writer), log)
	if err != nil {
		return fmt.Errorf("h5receiver: connect: %w", err)
	}

	leftRun := make(chan struct{})
	done := make(chan struct{})
	go func() {
		receiver.Run(leftRun, gracePeriod)
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("h5receiver shutting down, draining", zap.Duration("grace_period", gracePeriod))
		close(leftRun)
	case <-done:
		return nil
	}

	select {
	case <-done:
	case <-sig:
		log.Warn("h5receiver forced shutdown before drain completed")
		receiver.Close()
	}
	return nil
}

// awaitDataOffer blocks until the beacon reports the first DATA offer and
// returns its "host:port" address. Only the first producer is served, per
// spec.md's run-number ownership open question, which leaves multi-producer
// file-naming policy to the receiver (see DESIGN.md).
func awaitDataOffer(beacon *chirp.Transmitter) (string, error) {
	found := make(chan string, 1)
	beacon.Table().OnService(chirp.ServiceData, func(offer chirp.ServiceOffer, alive bool) {
		if !alive {
			return
		}
		select {
		case found <- fmt.Sprintf("%s:%d", offer.Address, offer.Port):
		default:
		}
	})

	select {
	case addr := <-found:
		return addr, nil
	case <-time.After(30 * time.Second):
		return "", fmt.Errorf("h5receiver: no DATA producer discovered within 30s")
	}
}
