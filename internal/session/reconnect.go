package session

import (
	"context"
	"sync"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/pkg/logger"
)

// Fatal disconnect status codes (§4.4): logged out, 405, 428. Sessions
// closing with these never reconnect.
const (
	StatusCodeLoggedOut = 401
	StatusCodeForbidden = 405
	StatusCodePrecond   = 428
)

func isFatalCode(code int) bool {
	return code == StatusCodeLoggedOut || code == StatusCodeForbidden || code == StatusCodePrecond
}

// SessionControl is the capability ConnectionManager needs from the
// session lifecycle without owning a concrete SessionManager reference —
// resolves the documented ConnectionManager<->SessionManager cycle.
type SessionControl interface {
	Start(ctx context.Context, sessionID string) error
	Remove(ctx context.Context, sessionID string, preserveAuth bool) error
	WebhookToken(ctx context.Context, sessionID string) (string, error)
}

// ReconnectConfig bundles the two-phase backoff tunables (§4.4).
type ReconnectConfig struct {
	FastAttempts          int
	FastBackoffBase       time.Duration
	FastBackoffMax        time.Duration
	ResilienceSchedule    []time.Duration
	ResilienceMaxDuration time.Duration
}

// NextDelay is a pure function computing the delay before reconnect
// attempt n (1-indexed), modeling the retry/backoff state machine
// independently of I/O so the schedule can be tested in isolation.
func (c ReconnectConfig) NextDelay(n int) time.Duration {
	if n <= c.FastAttempts {
		delay := c.FastBackoffBase << (n - 1)
		if delay > c.FastBackoffMax {
			return c.FastBackoffMax
		}
		return delay
	}
	idx := (n - c.FastAttempts - 1) % len(c.ResilienceSchedule)
	return c.ResilienceSchedule[idx]
}

// ConnectionManager reacts to connection-update events: open resets QR
// and reconnect state and marks the session active; close classifies the
// disconnect and either evicts (fatal) or starts a reconnect worker (C4).
type ConnectionManager struct {
	cfg ReconnectConfig

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	control SessionControl
	qr      *QrController
	state   *StateManager
}

// NewConnectionManager builds a reconnect/connection-update controller.
func NewConnectionManager(cfg ReconnectConfig, control SessionControl, qr *QrController, state *StateManager) *ConnectionManager {
	return &ConnectionManager{
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
		control: control,
		qr:      qr,
		state:   state,
	}
}

// HandleOpen processes a connection=="open" update.
func (cm *ConnectionManager) HandleOpen(ctx context.Context, sessionID string) {
	cm.qr.Clear(sessionID)
	cm.state.RecordTransition(ctx, sessionID, "session_open", nil)
	cm.state.UpdateSessionStatus(ctx, sessionID, domain.StatusActive, domain.PriorityHigh)
	cm.mu.Lock()
	delete(cm.cancels, sessionID)
	cm.mu.Unlock()
}

// HandleClose processes a connection=="close" update carrying statusCode.
func (cm *ConnectionManager) HandleClose(ctx context.Context, sessionID string, statusCode int) {
	if isFatalCode(statusCode) {
		cm.state.RecordTransition(ctx, sessionID, "session_closed_no_reconnect", map[string]any{"statusCode": statusCode})
		cm.state.UpdateSessionStatus(ctx, sessionID, domain.StatusInactive, domain.PriorityHigh)
		if err := cm.control.Remove(ctx, sessionID, false); err != nil {
			logger.Warn().Str("sessionId", sessionID).Err(err).Msg("failed to evict session after fatal close")
		}
		return
	}

	cm.mu.Lock()
	if _, alreadyReconnecting := cm.cancels[sessionID]; alreadyReconnecting {
		cm.mu.Unlock()
		return
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	cm.cancels[sessionID] = cancel
	cm.mu.Unlock()

	go cm.reconnectWorker(workerCtx, sessionID)
}

// Cancel stops sessionID's in-flight reconnect worker, if any. Called by
// the store on DeleteSession (cooperative cancellation).
func (cm *ConnectionManager) Cancel(sessionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cancel, ok := cm.cancels[sessionID]; ok {
		cancel()
		delete(cm.cancels, sessionID)
	}
}

func (cm *ConnectionManager) reconnectWorker(ctx context.Context, sessionID string) {
	defer func() {
		cm.mu.Lock()
		delete(cm.cancels, sessionID)
		cm.mu.Unlock()
	}()

	start := time.Now()
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		delay := cm.cfg.NextDelay(attempt)

		if attempt > cm.cfg.FastAttempts && time.Since(start) > cm.cfg.ResilienceMaxDuration {
			cm.state.RecordTransition(ctx, sessionID, "reconnect_exhausted", map[string]any{"attempts": attempt})
			cm.state.UpdateSessionStatus(ctx, sessionID, domain.StatusInactive, domain.PriorityHigh)
			_ = cm.control.Remove(ctx, sessionID, false)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		active, err := cm.state.IsSessionActive(ctx, sessionID, IsActiveOpts{ForReconnect: true})
		if err == nil && active {
			cm.state.RecordTransition(ctx, sessionID, "reconnect_aborted_active", map[string]any{"attempts": attempt})
			return
		}

		attemptStart := time.Now()
		if _, err := cm.control.WebhookToken(ctx, sessionID); err != nil {
			logger.Warn().Str("sessionId", sessionID).Err(err).Msg("reconnect: failed to resolve webhook token")
		}
		if err := cm.control.Start(ctx, sessionID); err != nil {
			cm.state.RecordTransition(ctx, sessionID, "reconnect_attempt", map[string]any{
				"attempt": attempt, "error": err.Error(),
			})
			continue
		}

		cm.state.RecordTransition(ctx, sessionID, "reconnect_success", map[string]any{
			"attempt": attempt, "elapsedMs": time.Since(attemptStart).Milliseconds(),
		})
		return
	}
}
