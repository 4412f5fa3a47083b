// Package cache implements the process-local and shared layers of the
// multilayer session-status cache (C5).
package cache

import (
	"sync"
	"time"

	"whatsapp-gateway/internal/domain"
)

// LocalEntry is what the process-local layer holds per sessionId.
type LocalEntry struct {
	Status            domain.ReportedStatus
	Active            bool
	ReconnectEligible bool
	UpdatedAt         time.Time
}

// Local is a TTL'd, in-process map keyed by sessionId. It is the first
// layer IsSessionActive consults, skipped when the caller asks for
// skipCache or forReconnect.
type Local struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]LocalEntry
}

// NewLocal builds a local cache layer with the given entry TTL.
func NewLocal(ttl time.Duration) *Local {
	return &Local{ttl: ttl, m: make(map[string]LocalEntry)}
}

// Get returns the cached entry for sessionID if present and not expired.
func (l *Local) Get(sessionID string) (LocalEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.m[sessionID]
	if !ok {
		return LocalEntry{}, false
	}
	if time.Since(e.UpdatedAt) > l.ttl {
		return LocalEntry{}, false
	}
	return e, true
}

// Set writes or overwrites the local entry for sessionID. The local layer
// always reflects the last intentional write (invariant from §4.5).
func (l *Local) Set(sessionID string, e LocalEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.UpdatedAt = time.Now()
	l.m[sessionID] = e
}

// Delete removes a sessionID from the local layer (on eviction).
func (l *Local) Delete(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, sessionID)
}

// LocalMetrics is a point-in-time snapshot of the process-local layer, for
// GET /metrics/cache.
type LocalMetrics struct {
	Entries int
}

// Metrics reports the local layer's current entry count.
func (l *Local) Metrics() LocalMetrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LocalMetrics{Entries: len(l.m)}
}
