package session

import (
	"context"
	"testing"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/gatewayerr"
)

func TestStore_Save_EnforcesMaxSessionsCap(t *testing.T) {
	s := NewStore(t.TempDir(), 2)

	if err := s.Save(&domain.SessionRecord{SessionID: "s1"}); err != nil {
		t.Fatalf("Save(s1) err = %v, want nil", err)
	}
	if err := s.Save(&domain.SessionRecord{SessionID: "s2"}); err != nil {
		t.Fatalf("Save(s2) err = %v, want nil", err)
	}

	err := s.Save(&domain.SessionRecord{SessionID: "s3"})
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Code != gatewayerr.CodeMaxSessions {
		t.Fatalf("Save(s3) err = %v, want MAX_SESSIONS", err)
	}
}

func TestStore_Save_ReplacingExistingDoesNotCountAgainstCap(t *testing.T) {
	s := NewStore(t.TempDir(), 1)

	if err := s.Save(&domain.SessionRecord{SessionID: "s1", UserID: "a"}); err != nil {
		t.Fatalf("Save(s1) err = %v, want nil", err)
	}
	if err := s.Save(&domain.SessionRecord{SessionID: "s1", UserID: "b"}); err != nil {
		t.Fatalf("Save(s1) replacement err = %v, want nil", err)
	}

	rec, ok := s.Get("s1")
	if !ok || rec.UserID != "b" {
		t.Fatalf("Get(s1) = %+v, ok=%v, want UserID=b", rec, ok)
	}
}

func TestStore_Delete_IdempotentOnAbsentSession(t *testing.T) {
	s := NewStore(t.TempDir(), 5)
	if err := s.Delete(context.Background(), "missing", false); err != nil {
		t.Fatalf("Delete(missing) err = %v, want nil", err)
	}
}

func TestStore_IdleSweep_RemovesOnlyStaleSessions(t *testing.T) {
	s := NewStore(t.TempDir(), 5)
	now := time.Now()

	_ = s.Save(&domain.SessionRecord{SessionID: "fresh", LastActivityAt: now})
	_ = s.Save(&domain.SessionRecord{SessionID: "stale", LastActivityAt: now.Add(-48 * time.Hour)})

	n := s.IdleSweep(context.Background(), 24*time.Hour)
	if n != 1 {
		t.Fatalf("IdleSweep() removed = %d, want 1", n)
	}
	if s.Has("stale") {
		t.Fatal("stale session still present after IdleSweep")
	}
	if !s.Has("fresh") {
		t.Fatal("fresh session removed by IdleSweep")
	}
}

func TestStore_Delete_InvokesAttachedCapabilities(t *testing.T) {
	s := NewStore(t.TempDir(), 5)
	_ = s.Save(&domain.SessionRecord{SessionID: "s1"})

	qrCleared := false
	reconnectCancelled := false
	s.AttachQrClearer(qrClearerFunc(func(sessionID string) { qrCleared = sessionID == "s1" }))
	s.AttachReconnectCanceller(reconnectCancellerFunc(func(sessionID string) { reconnectCancelled = sessionID == "s1" }))

	if err := s.Delete(context.Background(), "s1", true); err != nil {
		t.Fatalf("Delete(s1) err = %v, want nil", err)
	}
	if !qrCleared {
		t.Fatal("expected QrClearer.Clear to be invoked on delete")
	}
	if !reconnectCancelled {
		t.Fatal("expected ReconnectCanceller.Cancel to be invoked on delete")
	}
	if s.Has("s1") {
		t.Fatal("session still present after Delete")
	}
}

type qrClearerFunc func(sessionID string)

func (f qrClearerFunc) Clear(sessionID string) { f(sessionID) }

type reconnectCancellerFunc func(sessionID string)

func (f reconnectCancellerFunc) Cancel(sessionID string) { f(sessionID) }
