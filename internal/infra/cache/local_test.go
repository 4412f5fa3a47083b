package cache

import (
	"testing"
	"time"

	"whatsapp-gateway/internal/domain"
)

func TestLocal_Metrics_ReportsEntryCount(t *testing.T) {
	l := NewLocal(time.Minute)

	if m := l.Metrics(); m.Entries != 0 {
		t.Fatalf("Metrics().Entries = %d, want 0 on empty cache", m.Entries)
	}

	l.Set("s1", LocalEntry{Status: domain.StatusActive})
	l.Set("s2", LocalEntry{Status: domain.StatusPending})

	if m := l.Metrics(); m.Entries != 2 {
		t.Fatalf("Metrics().Entries = %d, want 2", m.Entries)
	}

	l.Delete("s1")
	if m := l.Metrics(); m.Entries != 1 {
		t.Fatalf("Metrics().Entries = %d, want 1 after delete", m.Entries)
	}
}
