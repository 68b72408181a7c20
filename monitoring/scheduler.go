package monitoring

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// tick is the scheduling worker's wake period (spec.md §4.6: "wakes every
// 100 ms").
const tick = 100 * time.Millisecond

// MetricFunc produces the current value of one registered metric; a
// returned error is logged and the metric is simply skipped this round
// (spec.md §4.6: "Exceptions in a callback are logged and do not affect
// other metrics").
type MetricFunc func() (value any, err error)

type scheduledMetric struct {
	unit     string
	handling Handling
	interval time.Duration
	fn       MetricFunc
	last     time.Time
}

// Scheduler invokes registered metric callbacks on their own interval and
// forwards the results to a Publisher.
type Scheduler struct {
	pub *Publisher
	log *zap.Logger

	mu      sync.Mutex
	metrics map[string]*scheduledMetric

	stop chan struct{}
	done chan struct{}
}

// NewScheduler creates a Scheduler that publishes through pub.
func NewScheduler(pub *Publisher, log *zap.Logger) *Scheduler {
	return &Scheduler{
		pub:     pub,
		log:     log,
		metrics: make(map[string]*scheduledMetric),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ScheduleMetric registers name to be sampled every intervalSeconds and
// published with unit/handling (spec.md §4.6: "schedule_metric(name,
// callable, interval_seconds, handling)"). Registering a name already known
// replaces its callback.
func (s *Scheduler) ScheduleMetric(name, unit string, handling Handling, intervalSeconds float64, fn MetricFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[name] = &scheduledMetric{
		unit:     unit,
		handling: handling,
		interval: interval(intervalSeconds),
		fn:       fn,
	}
}

// Unschedule removes a previously registered metric.
func (s *Scheduler) Unschedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metrics, name)
}

// Run drives the 100ms scheduling tick until Close is called. Launch with
// go.
func (s *Scheduler) Run() {
	defer close(s.done)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.sample(now)
		}
	}
}

func (s *Scheduler) sample(now time.Time) {
	s.mu.Lock()
	due := make([]struct {
		name string
		m    *scheduledMetric
	}, 0)
	for name, m := range s.metrics {
		if now.Sub(m.last) >= m.interval {
			m.last = now
			due = append(due, struct {
				name string
				m    *scheduledMetric
			}{name, m})
		}
	}
	s.mu.Unlock()

	for _, d := range due {
		value, err := d.m.fn()
		if err != nil {
			s.log.Warn("metric callback failed", zap.String("metric", d.name), zap.Error(err))
			continue
		}
		s.pub.PublishMetric(Metric{Name: d.name, Unit: d.m.unit, Handling: d.m.handling, Value: value})
	}
}

// Close stops Run.
func (s *Scheduler) Close() {
	close(s.stop)
	<-s.done
}
