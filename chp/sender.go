package chp

import (
	"time"

	"github.com/desy-constellation/constellation-go/internal/zmqio"
	"github.com/desy-constellation/constellation-go/protocol"
	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// StateFunc returns the caller's current lifecycle state, read lock-free the
// way fsm.Machine.State does.
type StateFunc func() string

// Sender owns a PUB socket and publishes one heartbeat per Period, plus one
// immediately whenever Notify is called with a changed state (spec.md §4.5:
// "Publishes ... at a configured period ... AND immediately whenever the
// lifecycle state changes").
type Sender struct {
	name   string
	period time.Duration
	state  StateFunc
	sock   *zmq4.Socket
	log    *zap.Logger

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewSender binds a PUB socket on iface:port (0 for ephemeral) and returns a
// Sender ready for Run, along with the bound port.
func NewSender(name, iface string, port int, period time.Duration, state StateFunc, log *zap.Logger) (*Sender, int, error) {
	if period <= 0 {
		period = DefaultPeriod
	}
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

	return &Sender{
		name:   name,
		period: period,
		state:  state,
		sock:   sock,
		log:    log,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, zmqio.ParsePort(endpoint), nil
}

// Notify wakes the sender to publish immediately, used on every lifecycle
// state change.
func (s *Sender) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run publishes on Period and on every Notify until Close is called.
// Launch with go.
func (s *Sender) Run() {
	defer close(s.done)
	defer s.sock.Close()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	promised := time.Duration(float64(s.period) * PromiseFactor)

	for {
		if err := s.publish(promised); err != nil {
			s.log.Warn("chp publish failed", zap.Error(err))
		}

		select {
		case <-ticker.C:
		case <-s.notify:
		case <-s.stop:
			return
		}
	}
}

func (s *Sender) publish(promised time.Duration) error {
	header := protocol.NewHeader(protocol.TagCHP, s.name, nil)
	frames, err := encodeBeat(header, s.state(), promised)
	if err != nil {
		return err
	}
	_, err = s.sock.SendMessage(frames[0], frames[1])
	return err
}

// Close stops Run and releases the socket.
func (s *Sender) Close() {
	close(s.stop)
	<-s.done
}
