package fsm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultGracePeriod is the bounded time the RUN handler is given to react
// to cancellation before the transition worker forces ERROR (spec.md §4.3,
// §5).
const DefaultGracePeriod = 4 * time.Second

// Handler implements one do_<name> transitional-state action. It receives
// the request payload (e.g. the CSCP request's decoded argument) and
// returns a human-readable status or an error.
type Handler func(ctx context.Context, payload any) (status string, err error)

// RunHandler implements the do_run action. Unlike other handlers it runs on
// its own goroutine for the whole lifetime of the RUN state, observing
// cancel for a stop/interrupt request.
type RunHandler func(cancel <-chan struct{}, payload any) (status string, err error)

// OnStateChange is invoked synchronously every time the machine's state
// changes, before any queued follow-up task runs. Satellite wires this to
// the heartbeat sender so a heartbeat fires immediately on every state
// change, per spec.md §4.5.
type OnStateChange func(next State)

// Machine is the per-satellite lifecycle state machine plus its single
// transition worker and task queue.
type Machine struct {
	name string
	log  *zap.Logger

	state atomic.Value // State

	queue       *taskQueue
	handlers    map[string]Handler
	runHandler  RunHandler
	gracePeriod time.Duration

	onChange OnStateChange

	runMu     sync.Mutex
	runCancel chan struct{}
	runDone   chan struct{}

	workerDone chan struct{}
}

// New creates a Machine starting in NEW, with no handlers registered yet.
// Register handlers with AddHandler/SetRunHandler before calling Start.
func New(name string, log *zap.Logger) *Machine {
	m := &Machine{
		name:        name,
		log:         log,
		queue:       newTaskQueue(),
		handlers:    map[string]Handler{},
		gracePeriod: DefaultGracePeriod,
		workerDone:  make(chan struct{}),
	}
	m.state.Store(StateNEW)
	return m
}

// AddHandler registers the do_<name> handler for a non-RUN transitional
// state (initialize, launch, land, reconfigure, stop, interrupt, recover).
func (m *Machine) AddHandler(name string, h Handler) {
	m.handlers[name] = h
}

// SetRunHandler registers the do_run handler, executed on its own goroutine
// for the duration of the RUN state.
func (m *Machine) SetRunHandler(h RunHandler) {
	m.runHandler = h
}

// SetGracePeriod overrides DefaultGracePeriod.
func (m *Machine) SetGracePeriod(d time.Duration) {
	m.gracePeriod = d
}

// OnChange registers the callback fired on every state change.
func (m *Machine) OnChange(cb OnStateChange) {
	m.onChange = cb
}

// State returns a lock-free snapshot of the current lifecycle state.
func (m *Machine) State() State {
	return m.state.Load().(State)
}

func (m *Machine) setState(s State) {
	m.state.Store(s)
	if m.onChange != nil {
		m.onChange(s)
	}
}

// Start launches the transition worker goroutine. Call once per process.
func (m *Machine) Start() {
	go m.worker()
}

// Stop closes the task queue, terminating the worker once it has run the
// in-flight handler and every task already queued. It does not itself
// change the lifecycle state.
func (m *Machine) Stop() {
	m.queue.Close()
	<-m.workerDone
}

// Request attempts to apply verb with payload from the current state. It
// returns the state the caller should report as "accepted" (the
// transitional state for queued verbs, or the immediate target for verbs
// with no transitional phase), or an *InvalidTransition error.
func (m *Machine) Request(verb Verb, payload any) (State, error) {
	// failure is always admissible, even mid-transition: it forces ERROR
	// without going through the queue, per the reentrancy rule of §4.3.
	if verb == VerbFailure {
		m.forceError(fmt.Errorf("failure requested"))
		return StateERROR, nil
	}

	current := m.State()
	if !current.Stable() {
		// Reentrant: only failure admissible mid-transition.
		return "", &InvalidTransition{State: current, Verb: verb}
	}

	t, ok := Lookup(current, verb)
	if !ok {
		return "", &InvalidTransition{State: current, Verb: verb}
	}

	if t.Transitional == "" {
		// shutdown: no handler, applies immediately.
		m.setState(t.Target)
		return t.Target, nil
	}

	m.queue.Push(&task{
		verb:         verb,
		handlerName:  t.Handler,
		transitional: t.Transitional,
		target:       t.Target,
		payload:      payload,
	})
	return t.Transitional, nil
}

// forceError drives the machine directly to ERROR, cancelling any active
// RUN handler first so it has a chance to exit cleanly.
func (m *Machine) forceError(cause error) {
	m.runMu.Lock()
	cancel := m.runCancel
	m.runMu.Unlock()
	if cancel != nil {
		select {
		case <-cancel:
		default:
			close(cancel)
		}
	}
	m.log.Error("satellite forced to ERROR", zap.String("satellite", m.name), zap.Error(cause))
	m.setState(StateERROR)
}

func (m *Machine) worker() {
	defer close(m.workerDone)
	for {
		t, ok := m.queue.Pop()
		if !ok {
			return
		}
		m.setState(t.transitional)
		m.runTask(t)
	}
}

func (m *Machine) runTask(t *task) {
	switch t.handlerName {
	case "start":
		m.runStart(t)
	case "stop", "interrupt", "recover":
		m.runStopLike(t)
	default:
		m.runPlain(t)
	}
}

// runPlain executes a simple (non-RUN-interacting) handler to completion on
// the worker goroutine, landing on the target stable state, or forcing
// ERROR on failure.
func (m *Machine) runPlain(t *task) {
	h, ok := m.handlers[t.handlerName]
	if !ok {
		m.log.Error("no handler registered", zap.String("handler", t.handlerName))
		m.forceError(fmt.Errorf("no handler registered for %q", t.handlerName))
		return
	}
	status, err := h(context.Background(), t.payload)
	if err != nil {
		m.forceError(&HandlerError{Handler: t.handlerName, Err: err})
		return
	}
	m.log.Info("transition complete", zap.String("satellite", m.name), zap.String("handler", t.handlerName), zap.String("status", status))
	m.setState(t.target)
}

// runStart executes do_start to set up the run, then spawns the RUN
// handler on its own goroutine before landing the machine in RUN.
func (m *Machine) runStart(t *task) {
	if h, ok := m.handlers["start"]; ok {
		if _, err := h(context.Background(), t.payload); err != nil {
			m.forceError(&HandlerError{Handler: "start", Err: err})
			return
		}
	}
	if m.runHandler == nil {
		m.forceError(fmt.Errorf("no RUN handler registered"))
		return
	}

	cancel := make(chan struct{})
	done := make(chan struct{})
	m.runMu.Lock()
	m.runCancel = cancel
	m.runDone = done
	m.runMu.Unlock()

	go func() {
		defer close(done)
		status, err := m.runHandler(cancel, t.payload)
		if err != nil {
			m.log.Error("RUN handler failed", zap.String("satellite", m.name), zap.Error(err))
			m.forceError(&HandlerError{Handler: "run", Err: err})
			return
		}
		m.log.Info("RUN handler exited", zap.String("satellite", m.name), zap.String("status", status))
	}()

	m.setState(t.target) // RUN
}

// runStopLike cancels the in-flight RUN handler (if any, for stop/interrupt)
// and waits up to the grace period for it to exit, then runs the
// stop/interrupt/recover handler's own wrap-up logic before landing on the
// target stable state. If the RUN handler fails to exit in time, the
// machine is forced to ERROR instead.
func (m *Machine) runStopLike(t *task) {
	m.runMu.Lock()
	cancel, done := m.runCancel, m.runDone
	m.runMu.Unlock()

	if cancel != nil {
		select {
		case <-cancel:
		default:
			close(cancel)
		}
		if done != nil {
			select {
			case <-done:
			case <-time.After(m.gracePeriod):
				m.forceError(fmt.Errorf("RUN handler did not exit within grace period %s", m.gracePeriod))
				return
			}
		}
		m.runMu.Lock()
		m.runCancel, m.runDone = nil, nil
		m.runMu.Unlock()
	}

	if h, ok := m.handlers[t.handlerName]; ok {
		status, err := h(context.Background(), t.payload)
		if err != nil {
			m.forceError(&HandlerError{Handler: t.handlerName, Err: err})
			return
		}
		m.log.Info("transition complete", zap.String("satellite", m.name), zap.String("handler", t.handlerName), zap.String("status", status))
	}
	m.setState(t.target)
}
