package chirp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceOffer is one entry of the beacon's service table (spec.md §3).
type ServiceOffer struct {
	GroupUUID   uuid.UUID
	HostUUID    uuid.UUID
	Service     ServiceKind
	Port        uint16
	Address     string
	LastSeen    time.Time
}

type tableKey struct {
	host    uuid.UUID
	service ServiceKind
}

// ServiceListener is called whenever an offer is inserted/updated (alive
// true) or removed via DEPART/expiry (alive false), once per ServiceKind a
// caller registers interest in.
type ServiceListener func(offer ServiceOffer, alive bool)

// ServiceTable is the beacon's live view of offers seen on the network. It
// is safe for concurrent use: writes come from the beacon's listener
// goroutine, reads come from the controller's aggregation and from
// data-receiver add-sender callbacks (spec.md §5).
type ServiceTable struct {
	mu        sync.RWMutex
	entries   map[tableKey]ServiceOffer
	listeners map[ServiceKind][]ServiceListener
}

// NewServiceTable creates an empty service table.
func NewServiceTable() *ServiceTable {
	return &ServiceTable{
		entries:   map[tableKey]ServiceOffer{},
		listeners: map[ServiceKind][]ServiceListener{},
	}
}

// OnService registers a callback fired on arrival/removal of offers of the
// given service kind. Registration order is preserved; callbacks run
// synchronously on the table's calling goroutine (the beacon listener), so
// callbacks must not block.
func (t *ServiceTable) OnService(kind ServiceKind, cb ServiceListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[kind] = append(t.listeners[kind], cb)
}

// Upsert inserts or replaces the entry keyed by (HostUUID, Service),
// implementing the idempotency invariant of spec.md §8.3: repeated
// identical OFFERs never grow the table.
func (t *ServiceTable) Upsert(offer ServiceOffer) {
	key := tableKey{host: offer.HostUUID, service: offer.Service}

	t.mu.Lock()
	t.entries[key] = offer
	cbs := append([]ServiceListener(nil), t.listeners[offer.Service]...)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(offer, true)
	}
}

// Remove deletes the entry keyed by (host, service), if present, and fires
// the registered listeners with alive=false.
func (t *ServiceTable) Remove(host uuid.UUID, service ServiceKind) {
	key := tableKey{host: host, service: service}

	t.mu.Lock()
	offer, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	cbs := append([]ServiceListener(nil), t.listeners[service]...)
	t.mu.Unlock()

	if !ok {
		return
	}
	for _, cb := range cbs {
		cb(offer, false)
	}
}

// ExpireOlderThan removes every entry whose LastSeen predates the cutoff,
// firing removal listeners for each. This supplements the Python original
// (which only removes entries on DEPART) with the expiry sweep implied by
// the ServiceOffer.last_seen_wallclock field in spec.md §3.
func (t *ServiceTable) ExpireOlderThan(cutoff time.Time) {
	t.mu.Lock()
	var expired []ServiceOffer
	for key, offer := range t.entries {
		if offer.LastSeen.Before(cutoff) {
			expired = append(expired, offer)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, offer := range expired {
		t.mu.RLock()
		cbs := append([]ServiceListener(nil), t.listeners[offer.Service]...)
		t.mu.RUnlock()
		for _, cb := range cbs {
			cb(offer, false)
		}
	}
}

// Entries returns a snapshot copy of all entries, optionally filtered by
// service kind (pass ServiceNone for no filter).
func (t *ServiceTable) Entries(filter ServiceKind) []ServiceOffer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ServiceOffer, 0, len(t.entries))
	for _, offer := range t.entries {
		if filter != ServiceNone && offer.Service != filter {
			continue
		}
		out = append(out, offer)
	}
	return out
}

// Len returns the number of entries currently stored.
func (t *ServiceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
