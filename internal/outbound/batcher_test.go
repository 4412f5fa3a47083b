package outbound

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/infra/controlplane"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*controlplane.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return controlplane.New(controlplane.Options{
		BaseURL:        srv.URL,
		RequestTimeout: time.Second,
		Retries:        0,
	}), srv
}

func TestBatcher_Enqueue_CoalescesBySessionID(t *testing.T) {
	var mu sync.Mutex
	var gotQRs int
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			QRs []controlplane.QrBatchItem `json:"qrs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		gotQRs = len(body.QRs)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(controlplane.QrBatchResult{Success: true})
	})

	b := New(Config{BatchSize: 100, MinQRFlushGap: 0, CircuitFailureThreshold: 5, CircuitResetTimeout: time.Minute}, client)
	b.Enqueue(domain.OutboundTask{Kind: domain.TaskQR, SessionID: "s1", Payload: "first-qr"})
	b.Enqueue(domain.OutboundTask{Kind: domain.TaskQR, SessionID: "s1", Payload: "second-qr"})
	b.Enqueue(domain.OutboundTask{Kind: domain.TaskQR, SessionID: "s2", Payload: "other-qr"})

	if m := b.Metrics(); m.QrBatchSize != 2 {
		t.Fatalf("QrBatchSize = %d, want 2 (coalesced by session)", m.QrBatchSize)
	}

	b.flushQRBatch(false)

	mu.Lock()
	defer mu.Unlock()
	if gotQRs != 2 {
		t.Fatalf("flushed %d qr items, want 2", gotQRs)
	}
}

func TestBatcher_Enqueue_SizeTriggersFlush(t *testing.T) {
	flushed := make(chan int, 1)
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			QRs []controlplane.QrBatchItem `json:"qrs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		flushed <- len(body.QRs)
		_ = json.NewEncoder(w).Encode(controlplane.QrBatchResult{Success: true})
	})

	b := New(Config{BatchSize: 2, MinQRFlushGap: 0, CircuitFailureThreshold: 5, CircuitResetTimeout: time.Minute}, client)
	b.Enqueue(domain.OutboundTask{Kind: domain.TaskQR, SessionID: "s1", Payload: "qr1"})
	b.Enqueue(domain.OutboundTask{Kind: domain.TaskQR, SessionID: "s2", Payload: "qr2"})

	select {
	case n := <-flushed:
		if n != 2 {
			t.Fatalf("auto-flushed %d items, want 2", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected size-triggered flush, got none")
	}

	if m := b.Metrics(); m.QrBatchSize != 0 {
		t.Fatalf("QrBatchSize after flush = %d, want 0", m.QrBatchSize)
	}
}

func TestBatcher_Enqueue_HighPriorityStatusFlushesImmediately(t *testing.T) {
	flushed := make(chan []controlplane.StatusBatchItem, 1)
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Statuses []controlplane.StatusBatchItem `json:"statuses"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		flushed <- body.Statuses
	})

	b := New(Config{
		BatchSize: 100, MinHighStatusFlushGap: 0, MinNormalStatusFlushGap: time.Hour,
		CircuitFailureThreshold: 5, CircuitResetTimeout: time.Minute,
	}, client)
	b.Enqueue(domain.OutboundTask{
		Kind: domain.TaskStatus, SessionID: "s1", Priority: domain.PriorityHigh,
		Payload: domain.StatusActive,
	})

	select {
	case items := <-flushed:
		if len(items) != 1 || items[0].SessionID != "s1" {
			t.Fatalf("flushed items = %+v, want one entry for s1", items)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate flush for high-priority status enqueue")
	}
}

func TestBatcher_FlushFailure_Requeues(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	b := New(Config{BatchSize: 100, MinQRFlushGap: 0, CircuitFailureThreshold: 5, CircuitResetTimeout: time.Minute}, client)
	b.Enqueue(domain.OutboundTask{Kind: domain.TaskQR, SessionID: "s1", Payload: "qr1"})
	b.flushQRBatch(false)

	if m := b.Metrics(); m.QrBatchSize != 1 {
		t.Fatalf("QrBatchSize after failed flush = %d, want 1 (requeued)", m.QrBatchSize)
	}
}

func TestBatcher_FlushAll_BypassesMinGap(t *testing.T) {
	var mu sync.Mutex
	var gotQRs, gotStatuses int
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			QRs      []controlplane.QrBatchItem     `json:"qrs"`
			Statuses []controlplane.StatusBatchItem `json:"statuses"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		gotQRs += len(body.QRs)
		gotStatuses += len(body.Statuses)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(controlplane.QrBatchResult{Success: true})
	})

	b := New(Config{
		BatchSize: 100, MinQRFlushGap: time.Hour,
		MinHighStatusFlushGap: time.Hour, MinNormalStatusFlushGap: time.Hour,
		CircuitFailureThreshold: 5, CircuitResetTimeout: time.Minute,
	}, client)

	// A just-completed flush sets lastQRFlush to now, so the next periodic
	// QR flush within MinQRFlushGap is a no-op.
	b.Enqueue(domain.OutboundTask{Kind: domain.TaskQR, SessionID: "s1", Payload: "qr1"})
	b.flushQRBatch(false)
	b.Enqueue(domain.OutboundTask{Kind: domain.TaskQR, SessionID: "s2", Payload: "qr2"})
	b.Enqueue(domain.OutboundTask{Kind: domain.TaskStatus, SessionID: "s1", Payload: domain.StatusActive})

	if m := b.Metrics(); m.QrBatchSize != 1 {
		t.Fatalf("QrBatchSize = %d, want 1 (second qr not yet flushed)", m.QrBatchSize)
	}

	b.FlushAll()

	if m := b.Metrics(); m.QrBatchSize != 0 || m.StatusBatchSize != 0 {
		t.Fatalf("Metrics after FlushAll = %+v, want both batches drained", m)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotQRs != 2 || gotStatuses != 1 {
		t.Fatalf("FlushAll delivered qrs=%d statuses=%d, want qrs=2 statuses=1", gotQRs, gotStatuses)
	}
}
