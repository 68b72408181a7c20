package cdtp

import (
	"sync"
	"time"

	"github.com/desy-constellation/constellation-go/internal/zmqio"
	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// WriteFunc consumes one decoded Frame, typically forwarding it to a file
// sink (h5receiver.FrameWriter). Errors are logged by the Receiver and do
// not stop the poll loop.
type WriteFunc func(Frame) error

// runState is per-producer bookkeeping used to detect late joiners and seq
// gaps (spec.md §4.7 invariants).
type runState struct {
	started    bool // BOR seen (real or synthesised)
	lateJoiner bool
	nextSeq    uint64
}

// Receiver is the consumer side of CDTP: a PULL socket polled on a 250ms
// timeout, decoding frames and enforcing the per-(producer) sequencing
// invariants before handing each Frame to a WriteFunc.
type Receiver struct {
	sock  *zmq4.Socket
	write WriteFunc
	log   *zap.Logger

	mu   sync.Mutex
	runs map[string]*runState

	stop chan struct{}
	done chan struct{}
}

// NewReceiver connects a PULL socket to addr ("host:port") and returns a
// Receiver ready for Run.
func NewReceiver(addr string, write WriteFunc, log *zap.Logger) (*Receiver, error) {
	sock, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := sock.Connect("tcp://" + addr); err != nil {
		sock.Close()
		return nil, err
	}
	_ = sock.SetRcvtimeo(250 * time.Millisecond)

	return &Receiver{
		sock:  sock,
		write: write,
		log:   log,
		runs:  make(map[string]*runState),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Run polls the socket until draining stops, per spec.md §4.7: "Poll all
// subscribed sockets with a 250 ms timeout ... After the lifecycle leaves
// RUN, continue draining for a grace period ... then close." leftRun is
// closed by the caller the instant the lifecycle leaves RUN; Run then
// drains for grace before returning. Launch with go.
func (r *Receiver) Run(leftRun <-chan struct{}, grace time.Duration) {
	defer close(r.done)
	defer r.sock.Close()

	var drainDeadline <-chan time.Time

	for {
		select {
		case <-r.stop:
			return
		case <-leftRun:
			leftRun = nil // only arm the deadline once
			timer := time.NewTimer(grace)
			defer timer.Stop()
			drainDeadline = timer.C
		case <-drainDeadline:
			return
		default:
		}

		parts, err := r.sock.RecvMessageBytes(0)
		if err != nil {
			if !zmqio.IsTimeout(err) {
				r.log.Warn("cdtp recv error", zap.Error(err))
			}
			continue
		}

		frame, err := decodeFrame(parts)
		if err != nil {
			r.log.Warn("dropping malformed CDTP frame", zap.Error(err))
			continue
		}
		r.ingest(frame)
	}
}

func (r *Receiver) ingest(frame Frame) {
	r.mu.Lock()
	state, ok := r.runs[frame.Header.Sender]
	if !ok {
		state = &runState{}
		r.runs[frame.Header.Sender] = state
	}

	switch frame.Type {
	case MsgBOR:
		state.started = true
		state.nextSeq = 1
	case MsgDAT, MsgEOR:
		if !state.started {
			// Late joiner: spec.md §4.7 "MUST mark the sender 'late
			// joiner' and synthesise an empty BOR in its local record;
			// it MUST NOT discard the data."
			state.started = true
			state.lateJoiner = true
			state.nextSeq = frame.Seq
			r.mu.Unlock()
			r.log.Warn("cdtp late joiner", zap.String("sender", frame.Header.Sender), zap.Uint64("seq", frame.Seq))
			if err := r.write(Frame{Header: frame.Header, Type: MsgBOR, Seq: 0}); err != nil {
				r.log.Warn("cdtp synthetic BOR write failed", zap.Error(err))
			}
			r.mu.Lock()
		}
		if frame.Seq != state.nextSeq {
			r.log.Warn("cdtp seq gap", zap.String("sender", frame.Header.Sender),
				zap.Uint64("expected", state.nextSeq), zap.Uint64("got", frame.Seq))
		}
		state.nextSeq = frame.Seq + 1
		if frame.Type == MsgEOR {
			delete(r.runs, frame.Header.Sender)
		}
	}
	r.mu.Unlock()

	if err := r.write(frame); err != nil {
		r.log.Warn("cdtp write callback failed", zap.String("sender", frame.Header.Sender), zap.Error(err))
	}
}

// Close stops Run immediately, bypassing the grace-period drain (used for
// hard shutdown).
func (r *Receiver) Close() {
	close(r.stop)
	<-r.done
}
