package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"whatsapp-gateway/internal/domain"
)

type fakeDeduper struct {
	mu    sync.Mutex
	seen  map[string]bool
	calls int
}

func newFakeDeduper() *fakeDeduper { return &fakeDeduper{seen: make(map[string]bool)} }

func (f *fakeDeduper) IsNewQr(ctx context.Context, sessionID, qr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := sessionID + "|" + qr
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeStatusReader struct{}

func (fakeStatusReader) GetCachedStatus(ctx context.Context, sessionID string) (domain.ReportedStatus, bool) {
	return domain.StatusPending, true
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []domain.OutboundTask
}

func (f *fakeEnqueuer) Enqueue(task domain.OutboundTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
}

func (f *fakeEnqueuer) qrCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t.Kind == domain.TaskQR {
			n++
		}
	}
	return n
}

func newTestQrController(cfg QrConfig) (*QrController, *fakeDeduper, *fakeEnqueuer) {
	dedup := newFakeDeduper()
	enq := &fakeEnqueuer{}
	return NewQrController(cfg, dedup, fakeStatusReader{}, enq), dedup, enq
}

func TestQrController_Handle_DedupSuppressesRepeat(t *testing.T) {
	qc, _, enq := newTestQrController(QrConfig{MaxQR: 5, ThrottleMS: 0, ExpiresMS: time.Hour})

	qc.Handle(context.Background(), "s1", "code-a", domain.ConnStateConnecting)
	qc.Handle(context.Background(), "s1", "code-a", domain.ConnStateConnecting)

	if n := enq.qrCount(); n != 1 {
		t.Fatalf("qr enqueue count = %d, want 1 (second identical qr deduped)", n)
	}
}

func TestQrController_Handle_ThrottleSuppressesBurst(t *testing.T) {
	qc, _, enq := newTestQrController(QrConfig{MaxQR: 5, ThrottleMS: time.Hour, ExpiresMS: time.Hour})

	qc.Handle(context.Background(), "s1", "code-a", domain.ConnStateConnecting)
	qc.Handle(context.Background(), "s1", "code-b", domain.ConnStateConnecting)

	if n := enq.qrCount(); n != 1 {
		t.Fatalf("qr enqueue count = %d, want 1 (second qr throttled)", n)
	}
}

func TestQrController_Handle_CapStopsAfterMaxQR(t *testing.T) {
	qc, _, enq := newTestQrController(QrConfig{MaxQR: 2, ThrottleMS: 0, ExpiresMS: time.Hour})

	qc.Handle(context.Background(), "s1", "code-1", domain.ConnStateConnecting)
	qc.Handle(context.Background(), "s1", "code-2", domain.ConnStateConnecting)
	qc.Handle(context.Background(), "s1", "code-3", domain.ConnStateConnecting)

	if n := enq.qrCount(); n != 2 {
		t.Fatalf("qr enqueue count = %d, want 2 (capped at MaxQR)", n)
	}
}

func TestQrController_Handle_EmptyOrCloseIgnored(t *testing.T) {
	qc, _, enq := newTestQrController(QrConfig{MaxQR: 5, ThrottleMS: 0, ExpiresMS: time.Hour})

	qc.Handle(context.Background(), "s1", "", domain.ConnStateConnecting)
	qc.Handle(context.Background(), "s1", "code-a", domain.ConnStateClose)

	if n := enq.qrCount(); n != 0 {
		t.Fatalf("qr enqueue count = %d, want 0 (empty/close events dropped)", n)
	}
}

func TestQrController_ResetOnOpen_ResetsCap(t *testing.T) {
	qc, _, enq := newTestQrController(QrConfig{MaxQR: 1, ThrottleMS: 0, ExpiresMS: time.Hour})

	qc.Handle(context.Background(), "s1", "code-1", domain.ConnStateConnecting)
	qc.ResetOnOpen("s1")
	qc.Handle(context.Background(), "s1", "code-2", domain.ConnStateConnecting)

	if n := enq.qrCount(); n != 2 {
		t.Fatalf("qr enqueue count = %d, want 2 (cap resets after ResetOnOpen)", n)
	}
}

func TestQrController_LastQR(t *testing.T) {
	qc, _, _ := newTestQrController(QrConfig{MaxQR: 5, ThrottleMS: 0, ExpiresMS: time.Hour})

	if _, ok := qc.LastQR("unknown"); ok {
		t.Fatal("LastQR for unknown session should report false")
	}

	qc.Handle(context.Background(), "s1", "code-a", domain.ConnStateConnecting)

	code, ok := qc.LastQR("s1")
	if !ok || code != "code-a" {
		t.Fatalf("LastQR() = (%q, %v), want (code-a, true)", code, ok)
	}
}
