package janitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/session"
)

type fakeEvictor struct {
	mu        sync.Mutex
	records   []*domain.SessionRecord
	deleted   []string
	idleSwept int
}

func (f *fakeEvictor) List() []*domain.SessionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.SessionRecord(nil), f.records...)
}

func (f *fakeEvictor) Delete(ctx context.Context, sessionID string, preserveAuth bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeEvictor) IdleSweep(ctx context.Context, ttl time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleSwept++
	return 0
}

func (f *fakeEvictor) wasDeleted(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.deleted {
		if id == sessionID {
			return true
		}
	}
	return false
}

type fakeStateChecker struct {
	active map[string]bool
}

func (f *fakeStateChecker) IsSessionActive(ctx context.Context, sessionID string, opts session.IsActiveOpts) (bool, error) {
	return f.active[sessionID], nil
}

func (f *fakeStateChecker) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.ReportedStatus, priority domain.Priority) {
}

func (f *fakeStateChecker) RecordTransition(ctx context.Context, sessionID, event string, meta map[string]any) {
}

type fakeReconnectRequester struct {
	mu       sync.Mutex
	requested []string
}

func (f *fakeReconnectRequester) HandleClose(ctx context.Context, sessionID string, statusCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, sessionID)
}

func (f *fakeReconnectRequester) wasRequested(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.requested {
		if id == sessionID {
			return true
		}
	}
	return false
}

func TestDeadSessionSweep_EvictsInactiveOnly(t *testing.T) {
	evictor := &fakeEvictor{records: []*domain.SessionRecord{
		{SessionID: "alive"}, {SessionID: "dead"},
	}}
	state := &fakeStateChecker{active: map[string]bool{"alive": true, "dead": false}}
	s := &Suite{store: evictor, state: state}

	s.deadSessionSweep(context.Background())

	if evictor.wasDeleted("alive") {
		t.Fatal("dead-session sweep evicted an active session")
	}
	if !evictor.wasDeleted("dead") {
		t.Fatal("dead-session sweep did not evict an inactive session")
	}
}

func TestSuite_IdleSweep_UsesConfiguredTTL(t *testing.T) {
	evictor := &fakeEvictor{}
	s := &Suite{store: evictor, cfg: Config{IdleTTL: 24 * time.Hour}}

	s.IdleSweep(context.Background())

	if evictor.idleSwept != 1 {
		t.Fatalf("IdleSweep() triggered %d store sweeps, want 1", evictor.idleSwept)
	}
}

func TestSuite_PendingSweep_RunsImmediately(t *testing.T) {
	evictor := &fakeEvictor{}
	state := &fakeStateChecker{active: map[string]bool{}}
	s := &Suite{
		store: evictor, state: state,
		cfg:          Config{PendingTimeout: time.Hour},
		pendingSince: make(map[string]time.Time),
	}
	s.pendingSince["stale"] = time.Now().Add(-2 * time.Hour)

	s.PendingSweep(context.Background())

	if !evictor.wasDeleted("stale") {
		t.Fatal("PendingSweep() did not evict a session past the pending timeout")
	}
}

func TestPendingSweep_EvictsOnlyPastTimeout(t *testing.T) {
	evictor := &fakeEvictor{}
	state := &fakeStateChecker{active: map[string]bool{}}
	s := &Suite{
		store: evictor, state: state,
		cfg:          Config{PendingTimeout: time.Hour},
		pendingSince: make(map[string]time.Time),
	}

	s.pendingSince["fresh"] = time.Now()
	s.pendingSince["stale"] = time.Now().Add(-2 * time.Hour)

	s.pendingSweep(context.Background())

	if evictor.wasDeleted("fresh") {
		t.Fatal("pending sweep evicted a session within the timeout window")
	}
	if !evictor.wasDeleted("stale") {
		t.Fatal("pending sweep did not evict a session past the timeout")
	}
	if _, stillPending := s.pendingSince["stale"]; stillPending {
		t.Fatal("pending sweep left the stale session's pending marker behind")
	}
}

func TestHeartbeatWatchdog_RequestsReconnectForStaleHeartbeats(t *testing.T) {
	evictor := &fakeEvictor{records: []*domain.SessionRecord{
		{SessionID: "recent", LastHeartbeatAt: time.Now()},
		{SessionID: "stale", LastHeartbeatAt: time.Now().Add(-time.Hour)},
	}}
	reconnect := &fakeReconnectRequester{}
	s := &Suite{store: evictor, reconnect: reconnect, cfg: Config{InactivityThreshold: 10 * time.Minute}}

	s.heartbeatWatchdog(context.Background())

	if reconnect.wasRequested("recent") {
		t.Fatal("heartbeat watchdog requested reconnect for a recently active session")
	}
	if !reconnect.wasRequested("stale") {
		t.Fatal("heartbeat watchdog did not request reconnect for a stale session")
	}
}

func TestAudioJanitor_RemovesOnlyOldFiles(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.ogg")
	newPath := filepath.Join(dir, "new.ogg")

	if err := os.WriteFile(oldPath, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newPath, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	s := &Suite{cfg: Config{AudioDir: dir, AudioMaxAge: 24 * time.Hour}}
	s.audioJanitor(context.Background())

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatal("audio janitor did not remove a file older than AudioMaxAge")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("audio janitor removed a recent file: %v", err)
	}
}
