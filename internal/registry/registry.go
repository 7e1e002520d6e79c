// Package registry tracks which participant identifiers currently have a
// live transport connection. It is the single source of truth for liveness
// used by the relay's routing decisions.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlink/webrtc-call-relay/internal/metrics"
	"github.com/voxlink/webrtc-call-relay/internal/protocol"
)

// Sender delivers a message to one participant's transport. Implementations
// must be safe for concurrent use; delivery is best effort.
type Sender interface {
	Send(msg protocol.Message) error
}

// Record is the registry's view of one live connection.
type Record struct {
	ID          string
	ConnectedAt time.Time
}

type entry struct {
	rec    Record
	sender Sender
}

// Registry is a lock-protected map of live connections. Identifiers are
// unique while the connection lives; they may recur after disconnect since
// uuids are never reissued to two live connections at once.
type Registry struct {
	metrics *metrics.Metrics
	clock   Clock

	mu      sync.Mutex
	entries map[string]entry
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func New(m *metrics.Metrics, clock Clock) *Registry {
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Registry{
		metrics: m,
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Register assigns a fresh identifier to the connection behind sender and
// records it as live.
func (r *Registry) Register(sender Sender) string {
	id := uuid.NewString()

	r.mu.Lock()
	r.entries[id] = entry{
		rec:    Record{ID: id, ConnectedAt: r.clock.Now()},
		sender: sender,
	}
	r.mu.Unlock()

	r.metrics.Inc(metrics.EventConnectionRegistered)
	return id
}

// Unregister removes id. Removing an id that is already gone is a no-op so
// duplicate disconnect signals are harmless.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if ok {
		r.metrics.Inc(metrics.EventConnectionUnregistered)
	}
}

func (r *Registry) IsLive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Lookup returns the sender for id, if live.
func (r *Registry) Lookup(id string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.sender, true
}

// Others returns the senders of every live connection except exclude. The
// slice is a snapshot; connections may come or go after it is taken.
func (r *Registry) Others(exclude string) []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sender, 0, len(r.entries))
	for id, e := range r.entries {
		if id == exclude {
			continue
		}
		out = append(out, e.sender)
	}
	return out
}

// RecordFor exposes the connection record for observability.
func (r *Registry) RecordFor(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e.rec, ok
}
