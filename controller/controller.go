// Package controller implements the lightweight composition layer of
// spec.md §4.8: a CONTROL-filtered beacon listener, a map of connected
// satellites, concurrent command fan-out, and a severity-ordered aggregate
// view of the constellation.
package controller

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/desy-constellation/constellation-go/chirp"
	"github.com/desy-constellation/constellation-go/cscp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// severity orders lifecycle states for Controller.State's "max of peer
// states" rule (spec.md §4.8: "ERROR > TRANSITIONING > RUN > ORBIT > INIT
// > NEW"). SAFE is not named in that order; it is placed above RUN and
// below TRANSITIONING as a degraded-but-stable state. Unlisted/transitional
// states are treated as TRANSITIONING.
var severity = map[string]int{
	"NEW":   0,
	"INIT":  1,
	"ORBIT": 2,
	"RUN":   3,
	"SAFE":  4,
	"ERROR": 6,
}

const transitioningSeverity = 5 // outranks RUN/SAFE but not ERROR

// Controller maintains one Transmitter per discovered satellite and fans
// commands out to them concurrently.
type Controller struct {
	name  string
	dial  func(name, addr string) (*cscp.Transmitter, error)
	log   *zap.Logger

	mu    sync.RWMutex
	peers map[string]*cscp.Transmitter
}

// New creates a Controller identified by name. dial is the function used to
// connect a new peer's Transmitter; tests may override it, production
// callers pass cscp.Dial bound to a timeout.
func New(name string, dial func(name, addr string) (*cscp.Transmitter, error), log *zap.Logger) *Controller {
	return &Controller{name: name, dial: dial, log: log, peers: make(map[string]*cscp.Transmitter)}
}

// OnOffer should be wired as a chirp.ServiceListener filtered to
// chirp.ServiceControl: it connects (or reconnects) a Transmitter for every
// CONTROL offer and drops it on departure. The peer is keyed by the offer's
// host UUID string, not by the satellite's canonical name.
func (c *Controller) OnOffer(offer chirp.ServiceOffer, alive bool) {
	name := offer.HostUUID.String()
	if !alive {
		c.mu.Lock()
		if t, ok := c.peers[name]; ok {
			_ = t.Close()
			delete(c.peers, name)
		}
		c.mu.Unlock()
		return
	}

	addr := fmt.Sprintf("%s:%d", offer.Address, offer.Port)
	t, err := c.dial(c.name, addr)
	if err != nil {
		c.log.Warn("controller failed to connect to satellite", zap.String("peer", name), zap.Error(err))
		return
	}
	c.mu.Lock()
	if old, ok := c.peers[name]; ok {
		_ = old.Close()
	}
	c.peers[name] = t
	c.mu.Unlock()
}

// Peers returns the sorted keys of every connected satellite. A satellite
// added through OnOffer is keyed by its host UUID string, not by its
// canonical name; Command's target takes the same key.
func (c *Controller) Peers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.peers))
	for name := range c.peers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Command fans verb/payload out to target (all peers if target is empty)
// concurrently and returns a per-peer reply map plus an aggregated error
// combining every per-peer failure (spec.md §4.8: "returns a per-peer reply
// map").
func (c *Controller) Command(verb string, target string, payload any) (map[string]cscp.Reply, error) {
	c.mu.RLock()
	targets := make(map[string]*cscp.Transmitter)
	if target == "" {
		for name, t := range c.peers {
			targets[name] = t
		}
	} else if t, ok := c.peers[target]; ok {
		targets[target] = t
	}
	c.mu.RUnlock()

	type result struct {
		name  string
		reply cscp.Reply
		err   error
	}
	results := make(chan result, len(targets))
	var wg sync.WaitGroup
	for name, t := range targets {
		wg.Add(1)
		go func(name string, t *cscp.Transmitter) {
			defer wg.Done()
			reply, err := t.Command(verb, payload)
			results <- result{name: name, reply: reply, err: err}
		}(name, t)
	}
	wg.Wait()
	close(results)

	replies := make(map[string]cscp.Reply, len(targets))
	var errs error
	for r := range results {
		if r.err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			continue
		}
		replies[r.name] = r.reply
	}
	return replies, errs
}

// State returns the severity-ordered aggregate lifecycle state across every
// connected peer (spec.md §4.8: "max of peer states in an
// implementation-defined severity order").
func (c *Controller) State() (string, error) {
	replies, err := c.Command("get_state", "", nil)
	if len(replies) == 0 {
		return "NEW", err
	}

	worst := ""
	worstRank := -1
	for _, reply := range replies {
		state := reply.Message
		rank, ok := severity[state]
		if !ok {
			rank = transitioningSeverity
		}
		if rank > worstRank {
			worstRank = rank
			worst = state
		}
	}
	return worst, err
}

// Status summarises the per-peer state as one human-readable string.
func (c *Controller) Status() string {
	replies, _ := c.Command("get_status", "", nil)
	names := make([]string, 0, len(replies))
	for name := range replies {
		names = append(names, name)
	}
	sort.Strings(names)

	status := ""
	for i, name := range names {
		if i > 0 {
			status += "; "
		}
		status += replies[name].Message
	}
	return status
}

// Close disconnects every peer.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.peers {
		_ = t.Close()
	}
	c.peers = make(map[string]*cscp.Transmitter)
}

// DialTimeout is the default Controller.dial implementation, used by
// production callers: cscp.Dial with a fixed per-command timeout.
func DialTimeout(timeout time.Duration) func(name, addr string) (*cscp.Transmitter, error) {
	return func(name, addr string) (*cscp.Transmitter, error) {
		return cscp.Dial(name, addr, timeout)
	}
}
