package chp

import (
	"sync"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// FailureHandler is invoked once per peer the instant Subscriber observes
// FailThreshold consecutive misses (spec.md §4.5 PeerFailure; §4.8 "Local
// state demoted to SAFE if currently ORBIT/RUN").
type FailureHandler func(peer string)

// Subscriber is a single SUB socket connected to every tracked peer's
// heartbeat endpoint, feeding a Tracker and invoking a FailureHandler on
// liveness failure. Peer connect/disconnect is driven externally (normally
// by a beacon ServiceTable listener) via Connect/Disconnect.
type Subscriber struct {
	sock *zmq4.Socket
	log  *zap.Logger

	tracker *Tracker
	onFail  FailureHandler

	mu      sync.Mutex
	sources map[string]string // peer name -> connected endpoint

	stop chan struct{}
	done chan struct{}
}

// NewSubscriber opens a SUB socket subscribed to every message (heartbeat
// frames are small and the fan-in is per-process, so server-side filtering
// offers no benefit here unlike monitoring's LOG/STATS topics).
func NewSubscriber(onFail FailureHandler, log *zap.Logger) (*Subscriber, error) {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, err
	}
	if err := sock.SetSubscribe(""); err != nil {
		sock.Close()
		return nil, err
	}
	_ = sock.SetRcvtimeo(250 * time.Millisecond)

	return &Subscriber{
		sock:    sock,
		log:     log,
		tracker: NewTracker(),
		onFail:  onFail,
		sources: make(map[string]string),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Tracker exposes the liveness tracker, chiefly for tests and status
// reporting.
func (s *Subscriber) Tracker() *Tracker { return s.tracker }

// Connect adds endpoint ("host:port") as a heartbeat source for peer. A
// peer already connected at a different endpoint is reconnected.
func (s *Subscriber) Connect(peer, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[peer]; ok {
		if existing == endpoint {
			return nil
		}
		_ = s.sock.Disconnect("tcp://" + existing)
	}
	if err := s.sock.Connect("tcp://" + endpoint); err != nil {
		return err
	}
	s.sources[peer] = endpoint
	return nil
}

// Disconnect drops peer as a heartbeat source, used on CHIRP DEPART.
func (s *Subscriber) Disconnect(peer string) {
	s.mu.Lock()
	endpoint, ok := s.sources[peer]
	if ok {
		delete(s.sources, peer)
	}
	s.mu.Unlock()
	if ok {
		_ = s.sock.Disconnect("tcp://" + endpoint)
	}
	s.tracker.Forget(peer)
}

// Run drains heartbeats and sweeps for failures until Close is called.
// Launch with go.
func (s *Subscriber) Run(sweepInterval time.Duration) {
	defer close(s.done)
	defer s.sock.Close()

	if sweepInterval <= 0 {
		sweepInterval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for _, peer := range s.tracker.Sweep(time.Now()) {
				s.log.Warn("heartbeat peer failure", zap.String("peer", peer))
				if s.onFail != nil {
					s.onFail(peer)
				}
			}
		default:
		}

		parts, err := s.sock.RecvMessageBytes(0)
		if err != nil {
			continue // timeout (zmqio.IsTimeout) or no peers connected yet
		}
		b, err := decodeBeat(parts)
		if err != nil {
			s.log.Warn("dropping malformed heartbeat", zap.Error(err))
			continue
		}
		s.tracker.Observe(b.Header.Sender, b.PromisedInterval, time.Now())
	}
}

// Close stops Run and releases the socket.
func (s *Subscriber) Close() {
	close(s.stop)
	<-s.done
}
