// Package satellite composes the beacon, command responder, lifecycle
// machine, heartbeat, and monitoring subsystems into the single process
// described by spec.md §2 and §5: a satellite simultaneously runs a beacon
// listener, a command responder, a heartbeat publisher, a metric/log
// publisher, a transition worker, and optionally a data producer.
package satellite

import (
	"context"
	"fmt"
	"time"

	"github.com/desy-constellation/constellation-go/cdtp"
	"github.com/desy-constellation/constellation-go/chirp"
	"github.com/desy-constellation/constellation-go/chp"
	"github.com/desy-constellation/constellation-go/config"
	"github.com/desy-constellation/constellation-go/cscp"
	"github.com/desy-constellation/constellation-go/fsm"
	"github.com/desy-constellation/constellation-go/monitoring"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Capability is the "opaque user code behind the transition interface"
// spec.md §9 describes: one fsm.Handler per lifecycle transition, wired in
// wholesale by New. wireCapability replaces a nil transition field with
// noopHandler and a nil Run with a handler that waits for cancellation, so
// no transition fails for want of a registered handler.
type Capability struct {
	Initialize  fsm.Handler
	Launch      fsm.Handler
	Land        fsm.Handler
	Start       fsm.Handler
	Stop        fsm.Handler
	Interrupt   fsm.Handler
	Reconfigure fsm.Handler
	Recover     fsm.Handler
	Run         fsm.RunHandler
}

// noopHandler is the default for every transitional-state handler a
// Capability leaves nil, so an unset field behaves as a no-op rather than
// forcing ERROR for want of a registered handler.
func noopHandler(_ context.Context, _ any) (string, error) { return "ok", nil }

func wireCapability(m *fsm.Machine, cap Capability) {
	add := func(name string, h fsm.Handler) {
		if h == nil {
			h = noopHandler
		}
		m.AddHandler(name, h)
	}
	add("initialize", cap.Initialize)
	add("launch", cap.Launch)
	add("land", cap.Land)
	add("start", cap.Start)
	add("stop", cap.Stop)
	add("interrupt", cap.Interrupt)
	add("reconfigure", cap.Reconfigure)
	add("recover", cap.Recover)

	runHandler := cap.Run
	if runHandler == nil {
		runHandler = func(cancel <-chan struct{}, _ any) (string, error) {
			<-cancel
			return "ok", nil
		}
	}
	m.SetRunHandler(runHandler)
}

// Options configures one satellite process.
type Options struct {
	Name  string
	Class string
	Group string

	Interface string
	CmdPort   int
	HBPort    int
	MonPort   int

	HeartbeatPeriod time.Duration

	// EnableData binds an optional cdtp.Sender on DataPort (0 for
	// ephemeral), per spec.md §2.8's "optional data producer". Capability
	// code reaches it via Satellite.Data().
	EnableData bool
	DataPort   int

	// MetricsPort binds the loopback-only Prometheus /metrics exporter (0
	// for ephemeral).
	MetricsPort int

	Log *zap.Logger
}

// Satellite owns every worker goroutine of one process instance.
type Satellite struct {
	opts Options

	Machine    *fsm.Machine
	Config     *config.Config
	Registry   *cscp.Registry
	Dispatcher *cscp.Dispatcher

	beacon     *chirp.Transmitter
	responder  *cscp.Responder
	hbSender   *chp.Sender
	hbSub      *chp.Subscriber
	publisher  *monitoring.Publisher
	scheduler  *monitoring.Scheduler
	metrics    *monitoring.PrometheusExporter
	data       *cdtp.Sender
	baseLogger *zap.Logger

	cmdPort     int
	hbPort      int
	monPort     int
	dataPort    int
	metricsPort int
}

// New builds a Satellite's subsystems and binds every socket, but starts no
// worker goroutines yet; call Run for that. cap supplies the transitional
// handlers; an empty Capability is valid and yields a satellite whose
// handlers are all no-ops returning status "ok".
func New(opts Options, cap Capability) (*Satellite, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = chp.DefaultPeriod
	}

	s := &Satellite{opts: opts, Config: config.New(nil)}

	pub, monPort, err := monitoring.NewPublisher(opts.Name, opts.Interface, opts.MonPort, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("satellite: monitoring publisher: %w", err)
	}
	s.publisher = pub
	s.monPort = monPort
	s.scheduler = monitoring.NewScheduler(pub, opts.Log)

	metricsExporter, metricsPort, err := monitoring.NewPrometheusExporter(pub, opts.MetricsPort, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("satellite: prometheus exporter: %w", err)
	}
	s.metrics = metricsExporter
	s.metricsPort = metricsPort
	// The dropped-frame rate is sampled for both audiences at once: scraped
	// over /metrics by the exporter above, and published on CMDP here.
	s.scheduler.ScheduleMetric("cmdp_dropped_frames", "count", monitoring.Rate, 10, func() (any, error) {
		return pub.Dropped(), nil
	})

	// Tap the logger so every log line emitted anywhere in the process,
	// including the lifecycle machine's own transition logs, is also
	// distributed onto the monitoring bus (spec.md §4.6 log path, §9
	// "decouples logging latency from network"). Every subsystem below is
	// constructed with this tapped logger, not the raw one passed in.
	tapped := opts.Log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return monitoring.NewCore(core, opts.Name, pub)
	}))
	opts.Log = tapped
	s.baseLogger = tapped
	s.Log().Info("monitoring bus ready", zap.Int("port", monPort))

	s.Machine = fsm.New(opts.Name, opts.Log)
	wireCapability(s.Machine, cap)

	s.Registry = cscp.NewRegistry()
	s.Dispatcher = cscp.NewDispatcher(opts.Name, opts.Class, s.Machine, s.Registry)
	responder, cmdPort, err := cscp.NewResponder(opts.Name, opts.Interface, opts.CmdPort, s.Dispatcher, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("satellite: command responder: %w", err)
	}
	s.responder = responder
	s.cmdPort = cmdPort

	stateFunc := func() string { return string(s.Machine.State()) }
	sender, hbPort, err := chp.NewSender(opts.Name, opts.Interface, opts.HBPort, opts.HeartbeatPeriod, stateFunc, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("satellite: heartbeat sender: %w", err)
	}
	s.hbSender = sender
	s.hbPort = hbPort
	s.Machine.OnChange(func(fsm.State) { s.hbSender.Notify() })

	s.hbSub, err = chp.NewSubscriber(s.onPeerFailure, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("satellite: heartbeat subscriber: %w", err)
	}

	broadcasts, err := chirp.GetBroadcastAddresses(opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("satellite: broadcast addresses: %w", err)
	}
	beacon, err := chirp.NewTransmitter(opts.Name, opts.Group, broadcasts, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("satellite: beacon: %w", err)
	}
	s.beacon = beacon
	beacon.Publish(chirp.ServiceControl, uint16(cmdPort))
	beacon.Publish(chirp.ServiceHeartbeat, uint16(hbPort))
	beacon.Publish(chirp.ServiceMonitoring, uint16(monPort))
	beacon.Table().OnService(chirp.ServiceHeartbeat, s.onHeartbeatOffer)

	if opts.EnableData {
		data, dataPort, err := cdtp.NewSender(opts.Name, opts.Interface, opts.DataPort, opts.Log)
		if err != nil {
			return nil, fmt.Errorf("satellite: data sender: %w", err)
		}
		s.data = data
		s.dataPort = dataPort
		beacon.Publish(chirp.ServiceData, uint16(dataPort))
	}

	return s, nil
}

// Log returns the satellite's logger, named after it, so every component's
// log lines are attributable.
func (s *Satellite) Log() *zap.Logger { return s.baseLogger.Named(s.opts.Name) }

// CmdPort, HBPort, MonPort return the actually-bound ports (meaningful when
// the configured port was 0).
func (s *Satellite) CmdPort() int     { return s.cmdPort }
func (s *Satellite) HBPort() int      { return s.hbPort }
func (s *Satellite) MonPort() int     { return s.monPort }
func (s *Satellite) DataPort() int    { return s.dataPort }
func (s *Satellite) MetricsPort() int { return s.metricsPort }

// Data returns the satellite's data producer, or nil if Options.EnableData
// was false. Capability.Start/Run handlers use it to call BeginRun/SendData/
// EndRun at the appropriate lifecycle points (spec.md §4.7).
func (s *Satellite) Data() *cdtp.Sender { return s.data }

func (s *Satellite) onHeartbeatOffer(offer chirp.ServiceOffer, alive bool) {
	peer := offer.HostUUID.String()
	if !alive {
		s.hbSub.Disconnect(peer)
		return
	}
	addr := fmt.Sprintf("%s:%d", offer.Address, offer.Port)
	if err := s.hbSub.Connect(peer, addr); err != nil {
		s.Log().Warn("failed to connect heartbeat subscriber", zap.String("peer", peer), zap.Error(err))
	}
}

// onPeerFailure implements spec.md §4.5's PeerFailure rule: demote to SAFE
// if currently ORBIT/RUN.
func (s *Satellite) onPeerFailure(peer string) {
	state := s.Machine.State()
	if state == fsm.StateORBIT || state == fsm.StateRUN {
		if _, err := s.Machine.Request(fsm.VerbInterrupt, fmt.Sprintf("peer failure: %s", peer)); err != nil {
			s.Log().Warn("failed to act on peer failure", zap.Error(err))
		}
	}
}

// Run starts every worker goroutine and blocks until the lifecycle machine
// reaches DEAD (i.e. shutdown was requested).
func (s *Satellite) Run() {
	s.Machine.Start()
	go s.beacon.Run()
	go s.responder.Serve()
	go s.hbSender.Run()
	go s.hbSub.Run(0)
	go s.publisher.Run()
	go s.scheduler.Run()
	go s.metrics.Run()

	for s.Machine.State() != fsm.StateDEAD {
		time.Sleep(50 * time.Millisecond)
	}
}

// Close stops every worker and releases every socket, in roughly reverse
// dependency order.
func (s *Satellite) Close() {
	s.beacon.Depart()
	_ = s.beacon.Close()
	s.responder.Close()
	s.hbSender.Close()
	s.hbSub.Close()
	if s.data != nil {
		_ = s.data.Close()
	}
	s.scheduler.Close()
	_ = s.metrics.Close()
	s.publisher.Close()
	s.Machine.Stop()
}
