package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/desy-constellation/constellation-go/satellite"
	"go.uber.org/zap"
)

// exampleCapability is the stand-in "user code" satellite.Capability named
// by SPEC_FULL.md §2.11: concrete instrument drivers are out of scope, so
// this demonstrates the transition interface with a counter-driven RUN
// handler instead of talking to real hardware. ref is filled in once the
// Satellite it belongs to exists, since a Capability is built before
// satellite.New returns the *Satellite that owns it.
type satelliteRef struct {
	sat *satellite.Satellite
}

func exampleCapability(ref *satelliteRef, log *zap.Logger) satellite.Capability {
	var runCount, sampleCount int64

	return satellite.Capability{
		Initialize: func(_ context.Context, payload any) (string, error) {
			log.Info("example: initializing", zap.Any("config", payload))
			return "configured", nil
		},
		Launch: func(_ context.Context, _ any) (string, error) {
			log.Info("example: launching")
			return "in orbit", nil
		},
		Land: func(_ context.Context, _ any) (string, error) {
			log.Info("example: landing")
			return "landed", nil
		},
		Start: func(_ context.Context, payload any) (string, error) {
			n := atomic.AddInt64(&runCount, 1)
			atomic.StoreInt64(&sampleCount, 0)
			if ref.sat != nil && ref.sat.Data() != nil {
				if err := ref.sat.Data().BeginRun(map[string]any{"run_number": n}); err != nil {
					return "", fmt.Errorf("begin run: %w", err)
				}
			}
			return "run prepared", nil
		},
		Stop: func(_ context.Context, _ any) (string, error) {
			if ref.sat != nil && ref.sat.Data() != nil {
				if err := ref.sat.Data().EndRun(map[string]any{"samples": atomic.LoadInt64(&sampleCount)}); err != nil {
					return "", fmt.Errorf("end run: %w", err)
				}
			}
			return "stopped", nil
		},
		Interrupt: func(_ context.Context, _ any) (string, error) {
			log.Warn("example: interrupted")
			return "interrupted", nil
		},
		Reconfigure: func(_ context.Context, payload any) (string, error) {
			log.Info("example: reconfiguring", zap.Any("config", payload))
			return "reconfigured", nil
		},
		Recover: func(_ context.Context, _ any) (string, error) {
			log.Info("example: recovering")
			return "recovered", nil
		},
		Run: func(cancel <-chan struct{}, _ any) (string, error) {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-cancel:
					return "run complete", nil
				case <-ticker.C:
					sample := atomic.AddInt64(&sampleCount, 1)
					if ref.sat != nil && ref.sat.Data() != nil {
						payload := []byte(fmt.Sprintf("sample-%d", sample))
						if err := ref.sat.Data().SendData(payload); err != nil {
							log.Warn("example: send data failed", zap.Error(err))
						}
					}
				}
			}
		},
	}
}
