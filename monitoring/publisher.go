package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/desy-constellation/constellation-go/internal/zmqio"
	"github.com/desy-constellation/constellation-go/protocol"
	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// logOutboxSize bounds the Publisher's internal log queue; once full, new
// log frames are dropped and counted rather than blocking the caller
// (spec.md §9: "decouples logging latency from network").
const logOutboxSize = 1024

// logFrame is a pending LOG/ publication.
type logFrame struct {
	topic string
	meta  map[string]any
	body  string
}

// Publisher owns the satellite's single outgoing PUB socket for CMDP,
// serving both the log queue and the metric scheduler through one send
// worker so the socket itself is only ever touched from one goroutine
// (spec.md §5: "log-queue serialization of the publisher socket").
type Publisher struct {
	name string
	sock *zmq4.Socket
	log  *zap.Logger

	outbox  chan logFrame
	metrics chan Metric
	dropped uint64

	stop chan struct{}
	done chan struct{}
}

// NewPublisher binds a PUB socket on iface:port and returns a Publisher
// ready for Run, along with the bound port.
func NewPublisher(name, iface string, port int, log *zap.Logger) (*Publisher, int, error) {
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, 0, err
	}
	if err := sock.Bind(zmqio.BindAddr(iface, port)); err != nil {
		sock.Close()
		return nil, 0, err
	}
	endpoint, err := sock.GetLastEndpoint()
	if err != nil {
		sock.Close()
		return nil, 0, err
	}

	return &Publisher{
		name:    name,
		sock:    sock,
		log:     log,
		outbox:  make(chan logFrame, logOutboxSize),
		metrics: make(chan Metric, logOutboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, zmqio.ParsePort(endpoint), nil
}

// PublishLog enqueues a log record for transmission as topic_string
// "LOG/<LEVEL>/<logger_name>" (spec.md §4.6). Non-blocking: a full queue
// drops the record and increments a counter rather than stalling the
// caller's logging path.
func (p *Publisher) PublishLog(level, logger string, meta map[string]any, body string) {
	frame := logFrame{topic: fmt.Sprintf("LOG/%s/%s", level, logger), meta: meta, body: body}
	select {
	case p.outbox <- frame:
	default:
		atomic.AddUint64(&p.dropped, 1)
	}
}

// PublishMetric enqueues a metric for transmission as topic_string
// "STATS/<metric_name>".
func (p *Publisher) PublishMetric(m Metric) {
	select {
	case p.metrics <- m:
	default:
		atomic.AddUint64(&p.dropped, 1)
	}
}

// Dropped returns the number of log/metric frames dropped because the
// outbox was full. PublishLog/PublishMetric are called concurrently from
// every logger and the metric scheduler, so this is an atomic counter.
func (p *Publisher) Dropped() uint64 { return atomic.LoadUint64(&p.dropped) }

// Run drains both queues onto the PUB socket until Close is called.
// Launch with go; this is the publisher's single socket-owning goroutine.
func (p *Publisher) Run() {
	defer close(p.done)
	defer p.sock.Close()

	for {
		select {
		case <-p.stop:
			return
		case frame := <-p.outbox:
			if err := p.sendLog(frame); err != nil {
				p.log.Warn("cmdp log publish failed", zap.Error(err))
			}
		case m := <-p.metrics:
			if err := p.sendMetric(m); err != nil {
				p.log.Warn("cmdp metric publish failed", zap.Error(err))
			}
		}
	}
}

func (p *Publisher) sendLog(frame logFrame) error {
	header := protocol.NewHeader(protocol.TagCMDP, p.name, frame.meta)
	headerBytes, err := header.Encode()
	if err != nil {
		return err
	}
	_, err = p.sock.SendMessage(frame.topic, headerBytes, frame.body)
	return err
}

func (p *Publisher) sendMetric(m Metric) error {
	header := protocol.NewHeader(protocol.TagCMDP, p.name, nil)
	frames, err := encodeMetric(header, "STATS/"+m.Name, m)
	if err != nil {
		return err
	}
	_, err = p.sock.SendMessage(frames[0], frames[1], frames[2])
	return err
}

// Close stops Run and releases the socket.
func (p *Publisher) Close() {
	close(p.stop)
	<-p.done
}

// interval is a small helper shared by the scheduler to avoid importing
// time in callers that only need to construct one.
func interval(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
