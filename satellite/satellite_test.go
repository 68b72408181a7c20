package satellite

import (
	"testing"
	"time"

	"github.com/desy-constellation/constellation-go/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitForState(t *testing.T, m *fsm.Machine, want fsm.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, want, m.State())
}

func TestWireCapabilityDefaultsToNoops(t *testing.T) {
	m := fsm.New("test", zap.NewNop())
	wireCapability(m, Capability{})
	m.Start()
	defer m.Stop()

	_, err := m.Request(fsm.VerbInitialize, nil)
	require.NoError(t, err)
	waitForState(t, m, fsm.StateINIT)
}

func TestWireCapabilityUsesProvidedRunHandler(t *testing.T) {
	m := fsm.New("test", zap.NewNop())
	started := make(chan struct{})
	cap := Capability{
		Run: func(cancel <-chan struct{}, _ any) (string, error) {
			close(started)
			<-cancel
			return "done", nil
		},
	}
	wireCapability(m, cap)
	m.Start()
	defer m.Stop()

	_, err := m.Request(fsm.VerbInitialize, nil)
	require.NoError(t, err)
	waitForState(t, m, fsm.StateINIT)
	_, err = m.Request(fsm.VerbLaunch, nil)
	require.NoError(t, err)
	waitForState(t, m, fsm.StateORBIT)
	_, err = m.Request(fsm.VerbStart, nil)
	require.NoError(t, err)
	waitForState(t, m, fsm.StateRUN)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run handler never started")
	}

	_, err = m.Request(fsm.VerbStop, nil)
	require.NoError(t, err)
	waitForState(t, m, fsm.StateORBIT)
}

func TestNoopHandlerReturnsOK(t *testing.T) {
	status, err := noopHandler(nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, "ok", status)
}
