// Package metrics is a minimal, concurrency-safe counter registry for call
// negotiation events.
package metrics

import "sync"

// Counter names used across the call core. Names are intentionally simple; a
// follow-up task can standardize and export these via a full metrics backend.
const (
	CallsStarted         = "calls_started"
	CallsConnected       = "calls_connected"
	CallsFailed          = "calls_failed"
	CallsRejected        = "calls_rejected"
	CallsEnded           = "calls_ended"
	OffersIgnoredBusy    = "offers_ignored_busy"
	CandidatesBuffered   = "candidates_buffered"
	CandidatesDropped    = "candidates_dropped"
	ProtocolViolations   = "protocol_violations"
	DecodeErrors         = "decode_errors"
	PresenceFailures     = "presence_failures"
	SignalingRateLimited = "signaling_rate_limited"
	SignalingReconnects  = "signaling_reconnects"
)

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
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
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

// Snapshot returns a copy of all counters, for diagnostics logging and the
// text exposition handler.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
