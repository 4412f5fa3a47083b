package outbound

import (
	"context"
	"sync"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/infra/controlplane"
	"whatsapp-gateway/pkg/logger"
)

// qrEntry and statusEntry are the coalesced, last-write-wins payloads kept
// per sessionId in the two batch maps.
type qrEntry struct {
	qr string
}

type statusEntry struct {
	status   domain.ReportedStatus
	priority domain.Priority
}

// Config bundles the batcher's tunables (§4.6).
type Config struct {
	BatchSize               int
	QRFlushInterval         time.Duration
	StatusFlushInterval     time.Duration
	MinQRFlushGap           time.Duration
	MinHighStatusFlushGap   time.Duration
	MinNormalStatusFlushGap time.Duration
	CircuitFailureThreshold int
	CircuitResetTimeout     time.Duration
}

// Batcher coalesces QR and status events keyed by sessionId and flushes
// them to the control plane on size, time, or priority triggers (C6),
// preserving at-least-once delivery (B-1) and guarded by a circuit
// breaker (C-1).
type Batcher struct {
	cfg    Config
	client *controlplane.Client
	cb     *CircuitBreaker

	mu          sync.Mutex
	qrBatch     map[string]qrEntry
	statusBatch map[string]statusEntry

	lastQRFlush           time.Time
	lastHighStatusFlush   time.Time
	lastNormalStatusFlush time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Batcher. Call Start to begin the periodic flush loops.
func New(cfg Config, client *controlplane.Client) *Batcher {
	return &Batcher{
		cfg:         cfg,
		client:      client,
		cb:          NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitResetTimeout),
		qrBatch:     make(map[string]qrEntry),
		statusBatch: make(map[string]statusEntry),
		stop:        make(chan struct{}),
	}
}

// Start launches the periodic QR and status flush timers.
func (b *Batcher) Start() {
	b.wg.Add(2)
	go b.loop(b.cfg.QRFlushInterval, func() { b.flushQRBatch(false) })
	go b.loop(b.cfg.StatusFlushInterval, func() { b.flushStatusBatch(false, false) })
}

func (b *Batcher) loop(interval time.Duration, fn func()) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Enqueue adds one task to the appropriate coalescing map, triggering an
// immediate flush on size or high-priority status.
func (b *Batcher) Enqueue(task domain.OutboundTask) {
	switch task.Kind {
	case domain.TaskQR:
		qr, _ := task.Payload.(string)
		b.mu.Lock()
		b.qrBatch[task.SessionID] = qrEntry{qr: qr}
		full := len(b.qrBatch) >= b.cfg.BatchSize
		b.mu.Unlock()
		if full {
			b.flushQRBatch(false)
		}
	case domain.TaskStatus:
		status, _ := task.Payload.(domain.ReportedStatus)
		b.mu.Lock()
		b.statusBatch[task.SessionID] = statusEntry{status: status, priority: task.Priority}
		full := len(b.statusBatch) >= b.cfg.BatchSize
		b.mu.Unlock()
		if task.Priority == domain.PriorityHigh {
			b.flushStatusBatch(true, false)
		} else if full {
			b.flushStatusBatch(false, false)
		}
	case domain.TaskLifecycle:
		// Lifecycle events are pushed to the shared cache ring by the
		// state manager directly. The batcher drops lifecycle tasks; they
		// are not sent to the control plane.
	}
}

// flushQRBatch flushes the coalesced QR map. force bypasses the min-flush
// gap guard, used only by FlushAll on graceful shutdown so nothing left in
// qrBatch is silently dropped (B-1).
func (b *Batcher) flushQRBatch(force bool) {
	b.mu.Lock()
	if !force && (time.Since(b.lastQRFlush) < b.cfg.MinQRFlushGap || len(b.qrBatch) == 0) {
		b.mu.Unlock()
		return
	}
	if len(b.qrBatch) == 0 {
		b.mu.Unlock()
		return
	}
	items := make([]controlplane.QrBatchItem, 0, len(b.qrBatch))
	for sessionID, e := range b.qrBatch {
		items = append(items, controlplane.QrBatchItem{SessionID: sessionID, QR: e.qr})
	}
	b.qrBatch = make(map[string]qrEntry)
	b.lastQRFlush = time.Now()
	b.mu.Unlock()

	err := b.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_, err := b.client.PostQrBatch(ctx, items)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Int("items", len(items)).Msg("qr batch flush failed, re-enqueuing")
		b.requeueQR(items)
	}
}

func (b *Batcher) requeueQR(items []controlplane.QrBatchItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range items {
		if _, exists := b.qrBatch[it.SessionID]; !exists {
			b.qrBatch[it.SessionID] = qrEntry{qr: it.QR}
		}
	}
}

// flushStatusBatch flushes the coalesced status map. force bypasses the
// min-flush gap guard, used only by FlushAll on graceful shutdown so
// nothing left in statusBatch is silently dropped (B-1).
func (b *Batcher) flushStatusBatch(isHighPriority, force bool) {
	b.mu.Lock()
	gap := b.cfg.MinNormalStatusFlushGap
	last := b.lastNormalStatusFlush
	if isHighPriority {
		gap = b.cfg.MinHighStatusFlushGap
		last = b.lastHighStatusFlush
	}
	if len(b.statusBatch) == 0 {
		b.mu.Unlock()
		return
	}
	if !force && time.Since(last) < gap {
		b.mu.Unlock()
		return
	}

	// High-priority items ordered first per the control-plane contract.
	var high, normal []controlplane.StatusBatchItem
	originals := make(map[string]statusEntry, len(b.statusBatch))
	for sessionID, e := range b.statusBatch {
		originals[sessionID] = e
		item := controlplane.StatusBatchItem{SessionID: sessionID, EstadoQr: string(e.status)}
		if e.priority == domain.PriorityHigh {
			high = append(high, item)
		} else {
			normal = append(normal, item)
		}
	}
	items := append(high, normal...)
	b.statusBatch = make(map[string]statusEntry)
	now := time.Now()
	if isHighPriority {
		b.lastHighStatusFlush = now
	} else {
		b.lastNormalStatusFlush = now
	}
	b.mu.Unlock()

	err := b.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return b.client.PostStatusBatch(ctx, items)
	})
	if err != nil {
		logger.Warn().Err(err).Int("items", len(items)).Msg("status batch flush failed, re-enqueuing")
		b.requeueStatus(originals)
	}
}

func (b *Batcher) requeueStatus(originals map[string]statusEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID, e := range originals {
		if _, exists := b.statusBatch[sessionID]; !exists {
			b.statusBatch[sessionID] = e
		}
	}
}

// Stats reports the batcher's current depth and circuit state for
// /metrics/batch.
type Stats struct {
	QrBatchSize     int
	StatusBatchSize int
	CircuitState    string
}

// Metrics returns a point-in-time snapshot for the HTTP metrics endpoint.
func (b *Batcher) Metrics() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		QrBatchSize:     len(b.qrBatch),
		StatusBatchSize: len(b.statusBatch),
		CircuitState:    b.cb.State().String(),
	}
}

// FlushAll forces both batches synchronously, bypassing the min-flush-gap
// guards so nothing queued is lost, then stops the periodic flush loops.
// Called during graceful shutdown.
func (b *Batcher) FlushAll() {
	b.flushQRBatch(true)
	b.flushStatusBatch(true, true)
	b.flushStatusBatch(false, true)
	close(b.stop)
	b.wg.Wait()
}
