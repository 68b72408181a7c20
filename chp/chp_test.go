package chp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerMissedBeforeDeadline(t *testing.T) {
	tr := NewTracker()
	start := time.Now()
	tr.Observe("sat-a", time.Second, start)

	require.False(t, tr.Missed("sat-a", start.Add(1400*time.Millisecond)))
}

func TestTrackerMissedAfterDeadline(t *testing.T) {
	tr := NewTracker()
	start := time.Now()
	tr.Observe("sat-a", time.Second, start)

	require.True(t, tr.Missed("sat-a", start.Add(1600*time.Millisecond)))
}

// TestSweepFailsAfterThreeMissedDeadlines is scenario S5 at the tracker
// level: a peer silent for 3*1.5*T_hb is reported exactly once as failed.
func TestSweepFailsAfterThreeMissedDeadlines(t *testing.T) {
	tr := NewTracker()
	start := time.Now()
	period := time.Second
	tr.Observe("sat-b", time.Duration(float64(period)*PromiseFactor), start)

	before := start.Add(4 * time.Second)
	assert.Empty(t, tr.Sweep(before))

	after := start.Add(4500 * time.Millisecond)
	failures := tr.Sweep(after)
	require.Equal(t, []string{"sat-b"}, failures)

	// already-failed peers are not reported twice
	assert.Empty(t, tr.Sweep(after.Add(time.Second)))
}

func TestObserveClearsFailedFlag(t *testing.T) {
	tr := NewTracker()
	start := time.Now()
	tr.Observe("sat-c", time.Second, start)
	require.NotEmpty(t, tr.Sweep(start.Add(10*time.Second)))

	tr.Observe("sat-c", time.Second, start.Add(10*time.Second))
	assert.Empty(t, tr.Sweep(start.Add(10*time.Second)))
}

func TestForgetRemovesPeer(t *testing.T) {
	tr := NewTracker()
	tr.Observe("sat-d", time.Second, time.Now())
	require.Len(t, tr.Peers(), 1)

	tr.Forget("sat-d")
	assert.Empty(t, tr.Peers())
}

func TestPromiseFactorScalesPeriod(t *testing.T) {
	period := 2 * time.Second
	promised := time.Duration(float64(period) * PromiseFactor)
	assert.Equal(t, 2200*time.Millisecond, promised)
}
