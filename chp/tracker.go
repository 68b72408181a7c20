package chp

import (
	"sync"
	"time"
)

// peerState is the receiver-side bookkeeping for one tracked sender
// (spec.md §4.5 receiver contract): last_seen and promised_interval.
type peerState struct {
	lastSeen         time.Time
	promisedInterval time.Duration
	failed           bool
}

// Tracker implements the receiver-side liveness rule of spec.md §4.5 and
// invariant 6 of §8, independent of any transport: callers feed it observed
// beats and ask it, on a timer, which peers have missed or failed.
//
// "Missed" and "failed" are both defined directly off elapsed time since
// last_seen rather than off the Sweep polling cadence, so the 4.5s bound of
// scenario S5 (FailThreshold consecutive misses of a MissFactor*promised
// deadline) holds regardless of how often Sweep is called.
type Tracker struct {
	mu    sync.Mutex
	peers map[string]*peerState
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{peers: make(map[string]*peerState)}
}

// Observe records a heartbeat from sender.
func (t *Tracker) Observe(sender string, promisedInterval time.Duration, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[sender]
	if !ok {
		p = &peerState{}
		t.peers[sender] = p
	}
	p.lastSeen = at
	p.promisedInterval = promisedInterval
	p.failed = false
}

// missDeadline is the elapsed-since-last_seen threshold beyond which a peer
// counts as one miss (spec.md §4.5: "now-last_seen > 1.5 * promised_interval").
func missDeadline(promised time.Duration) time.Duration {
	return time.Duration(float64(promised) * MissFactor)
}

// Missed reports whether sender's last heartbeat is overdue.
func (t *Tracker) Missed(sender string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[sender]
	if !ok || p.promisedInterval <= 0 {
		return false
	}
	return now.Sub(p.lastSeen) > missDeadline(p.promisedInterval)
}

// Sweep evaluates every tracked peer against now and returns the senders
// that just transitioned into "failed": FailThreshold consecutive missed
// deadlines elapsed, i.e. now-last_seen > FailThreshold*1.5*promised_interval.
// Peers already reported failed are not reported again until a fresh
// Observe clears the flag.
func (t *Tracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var failures []string
	for sender, p := range t.peers {
		if p.failed || p.promisedInterval <= 0 {
			continue
		}
		threshold := FailThreshold * missDeadline(p.promisedInterval)
		if now.Sub(p.lastSeen) <= threshold {
			continue
		}
		p.failed = true
		failures = append(failures, sender)
	}
	return failures
}

// Peers returns the canonical names of every tracked sender.
func (t *Tracker) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for sender := range t.peers {
		out = append(out, sender)
	}
	return out
}

// Forget drops a peer from tracking, used when it departs via CHIRP.
func (t *Tracker) Forget(sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, sender)
}
