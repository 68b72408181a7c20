package monitoring

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/desy-constellation/constellation-go/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func mustEncodeHeaderForTest(t *testing.T) []byte {
	t.Helper()
	b, err := protocol.NewHeader(protocol.TagCMDP, "mysatellite", nil).Encode()
	require.NoError(t, err)
	return b
}

func TestHandlingString(t *testing.T) {
	assert.Equal(t, "LAST_VALUE", LastValue.String())
	assert.Equal(t, "RATE", Rate.String())
	assert.Equal(t, "UNKNOWN", Handling(0x99).String())
}

func TestPublisherDropsWhenOutboxFull(t *testing.T) {
	pub := &Publisher{outbox: make(chan logFrame, 1), metrics: make(chan Metric, 1)}
	pub.PublishLog("INFO", "x", nil, "a")
	pub.PublishLog("INFO", "x", nil, "b") // outbox full, dropped
	assert.Equal(t, uint64(1), pub.Dropped())
}

func TestSchedulerInvokesDueMetricsOnly(t *testing.T) {
	pub := &Publisher{outbox: make(chan logFrame, 4), metrics: make(chan Metric, 4)}
	sched := NewScheduler(pub, zaptest.NewLogger(t))

	calls := 0
	sched.ScheduleMetric("fast", "Hz", LastValue, 0.01, func() (any, error) {
		calls++
		return calls, nil
	})
	slowCalls := 0
	sched.ScheduleMetric("slow", "Hz", LastValue, 1000, func() (any, error) {
		slowCalls++
		return slowCalls, nil
	})

	start := time.Now()
	sched.sample(start)
	sched.sample(start.Add(20 * time.Millisecond))

	require.GreaterOrEqual(t, calls, 1)
	require.Equal(t, 1, slowCalls)
}

func TestSchedulerSkipsFailingMetricWithoutAffectingOthers(t *testing.T) {
	pub := &Publisher{outbox: make(chan logFrame, 4), metrics: make(chan Metric, 4)}
	sched := NewScheduler(pub, zaptest.NewLogger(t))

	sched.ScheduleMetric("broken", "", LastValue, 0, func() (any, error) {
		return nil, errors.New("boom")
	})
	ok := false
	sched.ScheduleMetric("fine", "", LastValue, 0, func() (any, error) {
		ok = true
		return 1, nil
	})

	sched.sample(time.Now())
	assert.True(t, ok)
	assert.Len(t, pub.metrics, 1)
}

func TestDecodeLogExtractsLevel(t *testing.T) {
	record, err := decodeLog("LOG/WARNING/mysatellite", [][]byte{
		[]byte("LOG/WARNING/mysatellite"),
		mustEncodeHeaderForTest(t),
		[]byte("disk nearly full"),
	})
	require.NoError(t, err)
	assert.Equal(t, "WARNING", record.Level)
	assert.Equal(t, "disk nearly full", record.Message)
}

func TestPrometheusExporterServesDroppedFrameCount(t *testing.T) {
	pub := &Publisher{outbox: make(chan logFrame), metrics: make(chan Metric, 1)}
	pub.PublishLog("INFO", "x", nil, "a") // outbox has no capacity, always drops

	exporter, port, err := NewPrometheusExporter(pub, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	go exporter.Run()
	defer exporter.Close()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	assert.Contains(t, string(body), "constellation_cmdp_dropped_frames_total 1")
}
