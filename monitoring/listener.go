package monitoring

import (
	"strings"
	"sync"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// Listener is the MonitoringListener of spec.md §4.6: a SUB socket
// connected to every discovered MONITORING peer, filtered to LOG/ and
// STATS/ topics, routing decoded frames to a LogHandler and/or a CSV sink.
type Listener struct {
	sock *zmq4.Socket
	log  *zap.Logger
	onLog LogHandler
	sink  *csvSink

	// shutdownMu serialises socket connect/disconnect/close against the
	// beacon-driven peer removal path (spec.md §4.6: "Socket shutdowns
	// must be serialised by a single lock").
	shutdownMu sync.Mutex
	sources    map[string]string

	stop chan struct{}
	done chan struct{}
}

// NewListener opens a SUB socket subscribed to LOG/ and STATS/ topics. If
// outputDir is non-empty, received metrics are appended to per-sender/
// per-metric CSV files under <outputDir>/stats; otherwise each metric is
// logged at Info on log. Log frames are handed to onLog either way.
func NewListener(outputDir string, onLog LogHandler, log *zap.Logger) (*Listener, error) {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, err
	}
	if err := sock.SetSubscribe("LOG/"); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.SetSubscribe("STATS/"); err != nil {
		sock.Close()
		return nil, err
	}
	_ = sock.SetRcvtimeo(250 * time.Millisecond)

	var sink *csvSink
	if outputDir != "" {
		sink = newCSVSink(outputDir)
	}

	return &Listener{
		sock:    sock,
		log:     log,
		onLog:   onLog,
		sink:    sink,
		sources: make(map[string]string),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Connect adds endpoint as a monitoring source for peer (normally driven by
// a beacon ServiceTable OnService callback for MONITORING offers).
func (l *Listener) Connect(peer, endpoint string) error {
	l.shutdownMu.Lock()
	defer l.shutdownMu.Unlock()
	if existing, ok := l.sources[peer]; ok {
		if existing == endpoint {
			return nil
		}
		_ = l.sock.Disconnect("tcp://" + existing)
	}
	if err := l.sock.Connect("tcp://" + endpoint); err != nil {
		return err
	}
	l.sources[peer] = endpoint
	return nil
}

// Disconnect drops peer as a monitoring source, used on CHIRP DEPART.
func (l *Listener) Disconnect(peer string) {
	l.shutdownMu.Lock()
	defer l.shutdownMu.Unlock()
	if endpoint, ok := l.sources[peer]; ok {
		_ = l.sock.Disconnect("tcp://" + endpoint)
		delete(l.sources, peer)
	}
}

// Run drains LOG/STATS frames until Close is called. Launch with go.
func (l *Listener) Run() {
	defer close(l.done)
	defer func() {
		l.shutdownMu.Lock()
		l.sock.Close()
		l.shutdownMu.Unlock()
	}()

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		parts, err := l.sock.RecvMessageBytes(0)
		if err != nil {
			continue // timeout or no peers connected yet
		}
		if len(parts) == 0 {
			continue
		}
		topic := string(parts[0])
		switch {
		case strings.HasPrefix(topic, "STATS/"):
			l.handleMetric(topic, parts)
		case strings.HasPrefix(topic, "LOG/"):
			l.handleLog(topic, parts)
		default:
			l.log.Warn("monitoring listener dropped unknown topic", zap.String("topic", topic))
		}
	}
}

func (l *Listener) handleMetric(topic string, parts [][]byte) {
	metric, header, err := decodeMetric(topic, parts)
	if err != nil {
		l.log.Warn("dropping malformed metric frame", zap.Error(err))
		return
	}
	if l.sink != nil {
		if err := l.sink.Append(header.Sender, metric.Name, header.Timestamp, metric.Value, metric.Unit); err != nil {
			l.log.Warn("metric CSV append failed", zap.Error(err))
		}
		return
	}
	l.log.Info("metric", zap.String("sender", header.Sender), zap.String("name", metric.Name),
		zap.Any("value", metric.Value), zap.String("unit", metric.Unit))
}

func (l *Listener) handleLog(topic string, parts [][]byte) {
	record, err := decodeLog(topic, parts)
	if err != nil {
		l.log.Warn("dropping malformed log frame", zap.Error(err))
		return
	}
	if l.onLog != nil {
		l.onLog(record)
	}
}

// Close stops Run and releases the socket.
func (l *Listener) Close() {
	close(l.stop)
	<-l.done
	if l.sink != nil {
		l.sink.Close()
	}
}
