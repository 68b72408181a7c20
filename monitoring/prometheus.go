package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusExporter mirrors the Publisher's own dropped-frame counter onto
// a local prometheus.Registry, giving operators a second, CMDP-independent
// audience for the same RATE instrument: one counter, scraped over HTTP and
// carried on CMDP as a Metric with Handling Rate (spec.md §9's "one
// instrument, two audiences").
type PrometheusExporter struct {
	registry *prometheus.Registry
	server   *http.Server
	listener net.Listener
	log      *zap.Logger
}

// NewPrometheusExporter registers pub's dropped-frame count as a gauge and
// binds a loopback-only HTTP server serving it at /metrics. Binding to a
// loopback address deliberately keeps this local-operator surface off the
// network CMDP already covers.
func NewPrometheusExporter(pub *Publisher, port int, log *zap.Logger) (*PrometheusExporter, int, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "constellation_cmdp_dropped_frames_total",
			Help: "Number of CMDP log/metric frames dropped because the publisher outbox was full.",
		},
		func() float64 { return float64(pub.Dropped()) },
	))

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, 0, err
	}
	server := &http.Server{
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &PrometheusExporter{registry: registry, server: server, listener: listener, log: log}, listener.Addr().(*net.TCPAddr).Port, nil
}

// Run serves /metrics until Close is called. Launch with go.
func (e *PrometheusExporter) Run() {
	if err := e.server.Serve(e.listener); err != nil && err != http.ErrServerClosed {
		e.log.Error("prometheus exporter stopped unexpectedly", zap.Error(err))
	}
}

// Close shuts the HTTP server down.
func (e *PrometheusExporter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.server.Shutdown(ctx)
}
