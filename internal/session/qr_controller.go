package session

import (
	"context"
	"sync"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/pkg/logger"
)

// StatusReader lets the QR controller re-read reported status from the
// state manager on expiration without importing it directly.
type StatusReader interface {
	GetCachedStatus(ctx context.Context, sessionID string) (domain.ReportedStatus, bool)
}

// QrDeduper is the shared-cache capability the controller uses for
// cross-process QR de-duplication.
type QrDeduper interface {
	IsNewQr(ctx context.Context, sessionID, qr string) (bool, error)
}

// Enqueuer is the outbound batcher capability the controller needs.
type Enqueuer interface {
	Enqueue(task domain.OutboundTask)
}

// QrConfig bundles the QR controller's tunables (Q-1, Q-2, Q-4).
type QrConfig struct {
	MaxQR      int
	ThrottleMS time.Duration
	ExpiresMS  time.Duration
}

// TerminalDisplayer renders a QR body to the operator's terminal, used
// only in local-development debugging.
type TerminalDisplayer interface {
	DisplayTerminal(code string)
}

// QrController filters raw QR events from the Socket: de-dup, throttle,
// expiration, and retry cap (C3).
type QrController struct {
	cfg QrConfig

	mu     sync.Mutex
	states map[string]*domain.QrState

	dedup    QrDeduper
	status   StatusReader
	outbound Enqueuer

	terminal      TerminalDisplayer
	terminalDebug bool
}

// NewQrController builds a QR controller.
func NewQrController(cfg QrConfig, dedup QrDeduper, status StatusReader, outbound Enqueuer) *QrController {
	return &QrController{
		cfg:      cfg,
		states:   make(map[string]*domain.QrState),
		dedup:    dedup,
		status:   status,
		outbound: outbound,
	}
}

// EnableTerminalDebug wires a terminal renderer that dumps every new QR
// body to stdout, for local pairing without a control-plane UI.
func (q *QrController) EnableTerminalDebug(t TerminalDisplayer) {
	q.terminal = t
	q.terminalDebug = true
}

// LastQR returns the most recently sent QR body for sessionID, used by
// GET /session/{id} to render a base64 PNG for operators.
func (q *QrController) LastQR(sessionID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.states[sessionID]
	if !ok || st.LastQrBody == "" {
		return "", false
	}
	return st.LastQrBody, true
}

func (q *QrController) stateFor(sessionID string) *domain.QrState {
	st, ok := q.states[sessionID]
	if !ok {
		st = &domain.QrState{}
		q.states[sessionID] = st
	}
	return st
}

// Handle filters one raw QR event. Filters apply in order; any failure
// drops the event (§4.3).
func (q *QrController) Handle(ctx context.Context, sessionID, qr string, connectionState domain.ConnectionState) {
	if qr == "" || connectionState == domain.ConnStateClose {
		return
	}

	q.mu.Lock()
	st := q.stateFor(sessionID)

	if st.SendCount >= q.cfg.MaxQR {
		q.mu.Unlock()
		return
	}
	if st.Inflight {
		q.mu.Unlock()
		return
	}
	if !st.LastQrSentAt.IsZero() && time.Since(st.LastQrSentAt) < q.cfg.ThrottleMS {
		q.mu.Unlock()
		return
	}
	st.Inflight = true
	q.mu.Unlock()

	isNew, err := q.dedup.IsNewQr(ctx, sessionID, qr)
	if err != nil {
		logger.Warn().Str("sessionId", sessionID).Err(err).Msg("qr dedup check failed")
		q.mu.Lock()
		st.Inflight = false
		q.mu.Unlock()
		return
	}
	if !isNew {
		q.mu.Lock()
		st.Inflight = false
		q.mu.Unlock()
		return
	}

	q.outbound.Enqueue(domain.OutboundTask{
		Kind: domain.TaskQR, SessionID: sessionID, Payload: qr,
		Priority: domain.PriorityNormal, EnqueuedAt: time.Now(),
	})
	q.outbound.Enqueue(domain.OutboundTask{
		Kind: domain.TaskStatus, SessionID: sessionID, Payload: domain.StatusPending,
		Priority: domain.PriorityNormal, EnqueuedAt: time.Now(),
	})

	q.mu.Lock()
	st.LastQrBody = qr
	st.LastQrSentAt = time.Now()
	st.SendCount++
	if st.PendingSinceAt.IsZero() {
		st.PendingSinceAt = time.Now()
	}
	st.ExpirationSeq++
	seq := st.ExpirationSeq
	st.Inflight = false
	q.mu.Unlock()

	if q.terminalDebug && q.terminal != nil {
		q.terminal.DisplayTerminal(qr)
	}

	q.armExpiration(sessionID, seq)
}

// armExpiration schedules the Q-4 expiration check. seq guards against a
// stale timer firing after a newer QR (or a Clear) superseded this one.
func (q *QrController) armExpiration(sessionID string, seq uint64) {
	time.AfterFunc(q.cfg.ExpiresMS, func() {
		q.mu.Lock()
		st, ok := q.states[sessionID]
		if !ok || st.ExpirationSeq != seq {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		status, _ := q.status.GetCachedStatus(context.Background(), sessionID)
		if status == domain.StatusPending || status == "" {
			q.outbound.Enqueue(domain.OutboundTask{
				Kind: domain.TaskStatus, SessionID: sessionID, Payload: domain.StatusInactive,
				Priority: domain.PriorityNormal, EnqueuedAt: time.Now(),
			})
			q.Clear(sessionID)
			q.mu.Lock()
			st2 := q.stateFor(sessionID)
			st2.SendCount = 0
			q.mu.Unlock()
		}
	})
}

// Clear cancels any expiration timer and resets per-session QR state.
// Does not touch the Socket or SessionStore.
func (q *QrController) Clear(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.states, sessionID)
}

// ResetOnOpen resets the QR send counter when a session reaches `open`
// (Q-1: the cap resets on session_open or explicit restart).
func (q *QrController) ResetOnOpen(sessionID string) {
	q.Clear(sessionID)
}
