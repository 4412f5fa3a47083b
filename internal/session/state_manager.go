package session

import (
	"context"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/infra/cache"
	"whatsapp-gateway/internal/infra/controlplane"
	"whatsapp-gateway/pkg/logger"
)

// IsActiveOpts controls IsSessionActive's cache-layer traversal.
type IsActiveOpts struct {
	SkipCache       bool
	ForReconnect    bool
	AcceptedStatuses map[domain.ReportedStatus]bool
}

// DefaultAcceptedStatuses is {active}; ForReconnect broadens this to
// {active, connecting}.
func DefaultAcceptedStatuses() map[domain.ReportedStatus]bool {
	return map[domain.ReportedStatus]bool{domain.StatusActive: true}
}

func reconnectAcceptedStatuses() map[domain.ReportedStatus]bool {
	return map[domain.ReportedStatus]bool{domain.StatusActive: true, domain.StatusConnecting: true}
}

// StateManager is the single source of truth for reported session status,
// mediating the local cache, shared cache, and control plane (C5).
type StateManager struct {
	local  *cache.Local
	shared *cache.Shared
	cp     *controlplane.Client
	batch  Enqueuer

	tokenOf func(sessionID string) (string, bool)

	consecutiveMissThreshold int
	inactivityGrace          time.Duration
}

// NewStateManager builds a state manager. tokenOf resolves a session's
// webhook token (for the control-plane status lookup) from whatever cache
// the caller maintains; it must never block on I/O.
func NewStateManager(local *cache.Local, shared *cache.Shared, cp *controlplane.Client, batch Enqueuer,
	tokenOf func(sessionID string) (string, bool), consecutiveMissThreshold int, inactivityGrace time.Duration) *StateManager {
	return &StateManager{
		local: local, shared: shared, cp: cp, batch: batch,
		tokenOf:                  tokenOf,
		consecutiveMissThreshold: consecutiveMissThreshold,
		inactivityGrace:          inactivityGrace,
	}
}

// GetCachedStatus is the narrow capability the QR controller's expiration
// check uses: local-then-shared, no control-plane fallback, no writes.
func (sm *StateManager) GetCachedStatus(ctx context.Context, sessionID string) (domain.ReportedStatus, bool) {
	if e, ok := sm.local.Get(sessionID); ok {
		return e.Status, true
	}
	if status, ok, err := sm.shared.GetStatus(ctx, sessionID); err == nil && ok {
		return status, true
	}
	return "", false
}

// IsSessionActive walks local -> shared -> control-plane in order,
// caching each resolved value back into the local layer.
func (sm *StateManager) IsSessionActive(ctx context.Context, sessionID string, opts IsActiveOpts) (bool, error) {
	accepted := opts.AcceptedStatuses
	if accepted == nil {
		if opts.ForReconnect {
			accepted = reconnectAcceptedStatuses()
		} else {
			accepted = DefaultAcceptedStatuses()
		}
	}

	if !opts.SkipCache && !opts.ForReconnect {
		if e, ok := sm.local.Get(sessionID); ok {
			return accepted[e.Status], nil
		}
	}

	if status, ok, err := sm.shared.GetStatus(ctx, sessionID); err == nil && ok {
		sm.cacheLocal(sessionID, status, accepted)
		_ = sm.shared.ResetMiss(ctx, sessionID)
		return accepted[status], nil
	}

	token, ok := sm.tokenOf(sessionID)
	if !ok {
		return false, nil
	}
	status, err := sm.cp.StatusForToken(ctx, token)
	if err != nil {
		if n, merr := sm.shared.IncrMiss(ctx, sessionID); merr == nil {
			logger.Debug().Str("sessionId", sessionID).Int64("misses", n).Msg("status lookup miss")
		}
		return false, err
	}
	_ = sm.shared.SetStatus(ctx, sessionID, status)
	sm.cacheLocal(sessionID, status, accepted)
	_ = sm.shared.ResetMiss(ctx, sessionID)
	return accepted[status], nil
}

func (sm *StateManager) cacheLocal(sessionID string, status domain.ReportedStatus, accepted map[domain.ReportedStatus]bool) {
	sm.local.Set(sessionID, cache.LocalEntry{
		Status:            status,
		Active:            accepted[status],
		ReconnectEligible: status == domain.StatusActive || status == domain.StatusConnecting,
	})
}

// UpdateSessionStatus writes the new status to the shared cache, enqueues
// it to the outbound batcher, and refreshes the local layer's derived
// flags. The local layer always reflects the last intentional write.
func (sm *StateManager) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.ReportedStatus, priority domain.Priority) {
	if err := sm.shared.SetStatus(ctx, sessionID, status); err != nil {
		logger.Warn().Str("sessionId", sessionID).Err(err).Msg("failed to write status to shared cache")
	}
	sm.batch.Enqueue(domain.OutboundTask{
		Kind: domain.TaskStatus, SessionID: sessionID, Payload: status,
		Priority: priority, EnqueuedAt: time.Now(),
	})
	sm.local.Set(sessionID, cache.LocalEntry{
		Status:            status,
		Active:            status == domain.StatusActive,
		ReconnectEligible: status == domain.StatusActive || status == domain.StatusConnecting,
	})
}

// RecordTransition appends to the per-session lifecycle ring in the
// shared cache and enqueues a lifecycle task on the outbound batcher.
func (sm *StateManager) RecordTransition(ctx context.Context, sessionID, event string, meta map[string]any) {
	ev := domain.LifecycleEvent{SessionID: sessionID, Event: event, Meta: meta, Timestamp: time.Now()}
	if err := sm.shared.PushLifecycleEvent(ctx, ev); err != nil {
		logger.Warn().Str("sessionId", sessionID).Err(err).Msg("failed to push lifecycle event")
	}
	sm.batch.Enqueue(domain.OutboundTask{
		Kind: domain.TaskLifecycle, SessionID: sessionID, Payload: ev,
		Priority: domain.PriorityNormal, EnqueuedAt: time.Now(),
	})
}

// EvictionEligible is the dead-session cleanup heuristic: a session becomes
// eligible after consecutiveMissThreshold consecutive status-lookup misses
// following inactivityGrace of silence. The janitor's dead-session sweep
// does not call it; that sweep evicts on any inactive lookup result.
func (sm *StateManager) EvictionEligible(ctx context.Context, sessionID string, lastActivityAt time.Time, misses int64) bool {
	if time.Since(lastActivityAt) < sm.inactivityGrace {
		return false
	}
	return misses >= int64(sm.consecutiveMissThreshold)
}

// Clear removes all cached state for a session (called on eviction).
func (sm *StateManager) Clear(ctx context.Context, sessionID string) {
	sm.local.Delete(sessionID)
	if err := sm.shared.Clear(ctx, sessionID); err != nil {
		logger.Warn().Str("sessionId", sessionID).Err(err).Msg("failed to clear shared cache")
	}
}

// CacheMetrics reports a point-in-time snapshot of both cache layers, for
// GET /metrics/cache.
type CacheMetrics struct {
	Local  cache.LocalMetrics
	Shared cache.SharedMetrics
}

// CacheMetrics returns the current local and shared cache layer stats.
func (sm *StateManager) CacheMetrics() CacheMetrics {
	return CacheMetrics{Local: sm.local.Metrics(), Shared: sm.shared.Metrics()}
}
