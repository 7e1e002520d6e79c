package metrics

import "sync"

// Event counter names used across the relay and the participant call
// machine. Names are intentionally simple; they surface through the
// Prometheus collector as the `event` label.
const (
	EventConnectionRegistered   = "connection_registered"
	EventConnectionUnregistered = "connection_unregistered"
	EventOfferForwarded         = "offer_forwarded"
	EventAnswerForwarded        = "answer_forwarded"
	EventTeardownForwarded      = "teardown_forwarded"
	EventPeerUnavailable        = "peer_unavailable"
	EventGoneBroadcast          = "gone_broadcast"
	EventBadMessage             = "bad_message"
	EventRateLimited            = "rate_limited"

	// Participant-side events.
	EventStaleEventDropped = "stale_event_dropped"
	EventBusyRejected      = "busy_rejected"
	EventCallEstablished   = "call_established"
	EventCallEnded         = "call_ended"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep routing and state machine logic testable without a
// scrape cycle; the Prometheus collector in this package exposes the same
// counters to a real backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters at a point in time.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
