package cdtp

import (
	"sync/atomic"

	"github.com/desy-constellation/constellation-go/internal/zmqio"
	"github.com/desy-constellation/constellation-go/protocol"
	zmq4 "github.com/pebbe/zmq4"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Sender is the producer side of one CDTP run: a PUSH socket plus the
// per-run sequence counter of spec.md §4.7 ("contiguous seq numbers
// starting at 0").
type Sender struct {
	name string
	sock *zmq4.Socket
	log  *zap.Logger
	seq  uint64
}

// NewSender binds a PUSH socket on iface:port (0 for ephemeral) and returns
// a Sender, along with the bound port.
func NewSender(name, iface string, port int, log *zap.Logger) (*Sender, int, error) {
	sock, err := zmq4.NewSocket(zmq4.PUSH)
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
	return &Sender{name: name, sock: sock, log: log}, zmqio.ParsePort(endpoint), nil
}

// BeginRun sends the BOR frame and resets the sequence counter to 0. Called
// exactly once per run, at entry to RUN (spec.md §4.7). If runConfig has no
// "run_id" entry, a compact sortable xid is generated and inserted so every
// frame of the run, and the satellite's own logs for it, can be correlated
// (spec.md §4.3/§9: "start{run_id}").
func (s *Sender) BeginRun(runConfig map[string]any, payload ...[]byte) error {
	atomic.StoreUint64(&s.seq, 0)
	if _, ok := runConfig["run_id"]; !ok {
		meta := make(map[string]any, len(runConfig)+1)
		for k, v := range runConfig {
			meta[k] = v
		}
		meta["run_id"] = xid.New().String()
		runConfig = meta
	}
	header := protocol.NewHeader(protocol.TagCDTP, s.name, runConfig)
	return s.send(header, MsgBOR, 0, payload)
}

// SendData sends one DAT frame carrying one or more payload frames and
// advances the sequence counter.
func (s *Sender) SendData(payload ...[]byte) error {
	seq := atomic.AddUint64(&s.seq, 1) // DAT seq numbers start at 1 (0 is BOR)
	header := protocol.NewHeader(protocol.TagCDTP, s.name, nil)
	return s.send(header, MsgDAT, seq, payload)
}

// EndRun sends the EOR frame with seq = last+1 and run_stats in meta.
// Called exactly once per run, at exit from RUN.
func (s *Sender) EndRun(runStats map[string]any, payload ...[]byte) error {
	seq := atomic.AddUint64(&s.seq, 1)
	header := protocol.NewHeader(protocol.TagCDTP, s.name, runStats)
	return s.send(header, MsgEOR, seq, payload)
}

func (s *Sender) send(header protocol.Header, msgType MsgType, seq uint64, payload [][]byte) error {
	frames, err := encodeFrame(header, msgType, seq, payload)
	if err != nil {
		return err
	}
	// DONTWAIT surfaces a full high-water-marked queue as EAGAIN instead of
	// blocking silently, so the soft-warning backpressure rule of spec.md
	// §4.7 ("treat a full send queue as a soft warning ... and continue
	// blocking-send") can be applied explicitly before the real send.
	if _, err := s.sock.SendMessage(frames, zmq4.DONTWAIT); err != nil {
		if zmqio.IsTimeout(err) {
			s.log.Info("cdtp send queue full, blocking", zap.String("type", msgType.String()))
			_, err = s.sock.SendMessage(frames)
			return err
		}
		return err
	}
	return nil
}

// Close releases the socket.
func (s *Sender) Close() error {
	return s.sock.Close()
}
