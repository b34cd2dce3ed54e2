package networking

import "sync"

// ClientCounters tracks per-client delivery counters independent of the
// bandwidth token bucket: frames written, frames dropped (denied by the
// bandwidth budget or failed writes), and bytes written. The coordinator's /stats endpoint and the
// admin HTTP surface read these for operational visibility.
type ClientCounters struct {
	FramesSent    int64
	FramesDropped int64
	BytesSent     int64
}

// ClientMetrics is a concurrency-safe registry of ClientCounters keyed by
// client ID, created fresh for this domain since the counters it replaces
// (teacher's tiered interest-management metrics) keyed off a protobuf
// entity-tier enum that has no equivalent once the world is opaque JSON.
type ClientMetrics struct {
	mu       sync.Mutex
	counters map[string]*ClientCounters
}

// NewClientMetrics constructs an empty registry.
func NewClientMetrics() *ClientMetrics {
	return &ClientMetrics{counters: make(map[string]*ClientCounters)}
}

// RecordSent increments the sent-frame and sent-byte counters for clientID.
func (m *ClientMetrics) RecordSent(clientID string, bytes int) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counters := m.ensureLocked(clientID)
	counters.FramesSent++
	counters.BytesSent += int64(bytes)
}

// RecordDropped increments the dropped-frame counter for clientID.
func (m *ClientMetrics) RecordDropped(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(clientID).FramesDropped++
}

// Forget removes all counters for a disconnected client.
func (m *ClientMetrics) Forget(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, clientID)
}

// Snapshot returns a copy of every client's counters.
func (m *ClientMetrics) Snapshot() map[string]ClientCounters {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.counters) == 0 {
		return nil
	}
	out := make(map[string]ClientCounters, len(m.counters))
	for id, counters := range m.counters {
		out[id] = *counters
	}
	return out
}

func (m *ClientMetrics) ensureLocked(clientID string) *ClientCounters {
	counters, ok := m.counters[clientID]
	if !ok {
		counters = &ClientCounters{}
		m.counters[clientID] = counters
	}
	return counters
}
