package controller

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/desy-constellation/constellation-go/chirp"
	"github.com/desy-constellation/constellation-go/cscp"
	"github.com/desy-constellation/constellation-go/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestPeer starts a real CSCP responder (own fsm.Machine, own registry)
// and returns its "127.0.0.1:port" address plus a stop func, mirroring
// cscp_test.go's TestResponderEchoesCorrelationID round-trip pattern.
func newTestPeer(t *testing.T, name string) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := fsm.New(name, log)
	m.Start()
	t.Cleanup(m.Stop)
	d := cscp.NewDispatcher(name, "Demo", m, cscp.NewRegistry())
	responder, port, err := cscp.NewResponder(name, "127.0.0.1", 0, d, log)
	require.NoError(t, err)
	go responder.Serve()
	t.Cleanup(responder.Close)
	return "127.0.0.1:" + strconv.Itoa(port)
}

func TestControllerCommandFanOutAggregatesReplies(t *testing.T) {
	ctrl := New("ctrl", DialTimeout(time.Second), zaptest.NewLogger(t))
	defer ctrl.Close()

	for _, name := range []string{"sat1", "sat2"} {
		addr := newTestPeer(t, name)
		ctrl.peers[name], _ = ctrl.dial(ctrl.name, addr)
	}

	replies, err := ctrl.Command("get_name", "", nil)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "sat1", replies["sat1"].Message)
	assert.Equal(t, "sat2", replies["sat2"].Message)
}

func TestControllerCommandAggregatesPerPeerErrors(t *testing.T) {
	ctrl := New("ctrl", DialTimeout(time.Second), zaptest.NewLogger(t))
	defer ctrl.Close()

	good := newTestPeer(t, "sat1")
	var err error
	ctrl.peers["sat1"], err = ctrl.dial(ctrl.name, good)
	require.NoError(t, err)
	// A peer with no live responder on the other end: dial succeeds (REQ
	// connect never blocks), but every Command call against it times out.
	ctrl.peers["bad"], err = ctrl.dial(ctrl.name, "127.0.0.1:1")

	replies, cmdErr := ctrl.Command("get_name", "", nil)
	assert.Error(t, cmdErr)
	require.Len(t, replies, 1)
	assert.Equal(t, "sat1", replies["sat1"].Message)
}

func TestControllerCommandTargetsOnePeer(t *testing.T) {
	ctrl := New("ctrl", DialTimeout(time.Second), zaptest.NewLogger(t))
	defer ctrl.Close()

	for _, name := range []string{"sat1", "sat2"} {
		addr := newTestPeer(t, name)
		ctrl.peers[name], _ = ctrl.dial(ctrl.name, addr)
	}

	replies, err := ctrl.Command("get_name", "sat2", nil)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "sat2", replies["sat2"].Message)
}

// newStuckTransitioningPeer starts a peer whose "initialize" handler blocks
// until the test unblocks it, so the peer stays in the transitional
// "initializing" state for the duration of the assertion instead of racing
// the worker goroutine to ERROR or INIT.
func newStuckTransitioningPeer(t *testing.T, name string) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := fsm.New(name, log)
	release := make(chan struct{})
	m.AddHandler("initialize", func(_ context.Context, _ any) (string, error) {
		<-release
		return "ok", nil
	})
	m.Start()
	t.Cleanup(m.Stop)
	t.Cleanup(func() { close(release) })
	d := cscp.NewDispatcher(name, "Demo", m, cscp.NewRegistry())
	responder, port, err := cscp.NewResponder(name, "127.0.0.1", 0, d, log)
	require.NoError(t, err)
	go responder.Serve()
	t.Cleanup(responder.Close)
	return "127.0.0.1:" + strconv.Itoa(port)
}

// TestControllerStateSeverityOrder drives one peer into ERROR (via the
// always-admissible "failure" verb) alongside a peer stuck mid-transition
// (NEW -initialize-> initializing) and asserts the aggregate State()
// reports ERROR, not TRANSITIONING, per spec.md §4.8's "ERROR >
// TRANSITIONING > RUN > ORBIT > INIT > NEW". This is the case the inverted
// severity table used to fail.
func TestControllerStateSeverityOrder(t *testing.T) {
	ctrl := New("ctrl", DialTimeout(time.Second), zaptest.NewLogger(t))
	defer ctrl.Close()

	errored := newTestPeer(t, "errored")
	var err error
	ctrl.peers["errored"], err = ctrl.dial(ctrl.name, errored)
	require.NoError(t, err)
	_, err = ctrl.peers["errored"].Command("failure", nil)
	require.NoError(t, err)

	transitioning := newStuckTransitioningPeer(t, "transitioning")
	ctrl.peers["transitioning"], err = ctrl.dial(ctrl.name, transitioning)
	require.NoError(t, err)
	_, err = ctrl.peers["transitioning"].Command("initialize", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		reply, err := ctrl.peers["transitioning"].Command("get_state", nil)
		return err == nil && reply.Message == "initializing"
	}, time.Second, 10*time.Millisecond)

	state, err := ctrl.State()
	require.NoError(t, err)
	assert.Equal(t, "ERROR", state)
}

func TestControllerStateSeverityOrderTransitioningBeatsRun(t *testing.T) {
	assert.Greater(t, transitioningSeverity, severity["RUN"])
	assert.Greater(t, severity["ERROR"], transitioningSeverity)
	assert.Greater(t, severity["RUN"], severity["ORBIT"])
	assert.Greater(t, severity["ORBIT"], severity["INIT"])
	assert.Greater(t, severity["INIT"], severity["NEW"])
}

func TestControllerOnOfferConnectsAndDisconnects(t *testing.T) {
	ctrl := New("ctrl", DialTimeout(time.Second), zaptest.NewLogger(t))
	defer ctrl.Close()

	addr := newTestPeer(t, "sat1")
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	offer := chirp.ServiceOffer{
		HostUUID: chirp.UUIDFor("sat1"),
		Service:  chirp.ServiceControl,
		Address:  host,
		Port:     uint16(port),
	}

	ctrl.OnOffer(offer, true)
	assert.Equal(t, []string{offer.HostUUID.String()}, ctrl.Peers())

	ctrl.OnOffer(offer, false)
	assert.Empty(t, ctrl.Peers())
}
