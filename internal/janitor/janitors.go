// Package janitor implements the periodic watchdogs (C9): dead-session
// sweep, pending-expiry sweep, heartbeat timeout, media cleanup, and
// queue cleanup.
package janitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/infra/queue"
	"whatsapp-gateway/internal/session"
	"whatsapp-gateway/pkg/logger"
)

// SessionEvictor is the capability janitors use to remove dead sessions.
type SessionEvictor interface {
	Delete(ctx context.Context, sessionID string, preserveAuth bool) error
	List() []*domain.SessionRecord
	IdleSweep(ctx context.Context, ttl time.Duration) int
}

// StatusChecker is the capability janitors use to read activity state.
type StatusChecker interface {
	IsSessionActive(ctx context.Context, sessionID string, opts session.IsActiveOpts) (bool, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.ReportedStatus, priority domain.Priority)
	RecordTransition(ctx context.Context, sessionID, event string, meta map[string]any)
}

// ReconnectRequester lets the heartbeat watchdog nudge a stalled session.
type ReconnectRequester interface {
	HandleClose(ctx context.Context, sessionID string, statusCode int)
}

// Config bundles every janitor's interval/threshold (§4.9).
type Config struct {
	DeadSessionInterval  time.Duration
	PendingSweepInterval time.Duration
	PendingTimeout       time.Duration
	HeartbeatInterval    time.Duration
	InactivityThreshold  time.Duration
	QueueJanitorInterval time.Duration
	QueueRetention       time.Duration
	AudioJanitorInterval time.Duration
	AudioMaxAge          time.Duration
	AudioDir             string
	IdleSweepInterval    time.Duration
	IdleTTL              time.Duration
}

// Suite owns all six periodic watchdogs and their lifecycle.
type Suite struct {
	cfg      Config
	store    SessionEvictor
	state    StatusChecker
	reconnect ReconnectRequester
	q        *queue.InboundQueue

	pendingSince map[string]time.Time
	pendingMu    sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds the janitor suite.
func New(cfg Config, store SessionEvictor, state StatusChecker, reconnect ReconnectRequester, q *queue.InboundQueue) *Suite {
	return &Suite{
		cfg: cfg, store: store, state: state, reconnect: reconnect, q: q,
		pendingSince: make(map[string]time.Time),
		stop:         make(chan struct{}),
	}
}

// MarkPending records when a session first entered the pending state, for
// the pending-sweep janitor's timeout calculation.
func (s *Suite) MarkPending(sessionID string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, ok := s.pendingSince[sessionID]; !ok {
		s.pendingSince[sessionID] = time.Now()
	}
}

// ClearPending forgets a session's pending-since marker (on session_open
// or eviction).
func (s *Suite) ClearPending(sessionID string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pendingSince, sessionID)
}

// Start launches all six watchdogs as periodic goroutines.
func (s *Suite) Start() {
	s.wg.Add(6)
	go s.run(s.cfg.DeadSessionInterval, s.deadSessionSweep)
	go s.run(s.cfg.PendingSweepInterval, s.pendingSweep)
	go s.run(s.cfg.HeartbeatInterval, s.heartbeatWatchdog)
	go s.run(s.cfg.AudioJanitorInterval, s.audioJanitor)
	go s.run(s.cfg.QueueJanitorInterval, s.queueJanitor)
	go s.run(s.cfg.IdleSweepInterval, s.idleSweep)
}

// Stop halts all watchdogs.
func (s *Suite) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Suite) run(interval time.Duration, fn func(ctx context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}

// deadSessionSweep evicts any session IsSessionActive reports inactive.
func (s *Suite) deadSessionSweep(ctx context.Context) {
	for _, rec := range s.store.List() {
		active, err := s.state.IsSessionActive(ctx, rec.SessionID, session.IsActiveOpts{})
		if err != nil {
			continue
		}
		if !active {
			logger.Info().Str("sessionId", rec.SessionID).Msg("dead-session sweep evicting inactive session")
			_ = s.store.Delete(ctx, rec.SessionID, false)
		}
	}
}

// idleSweep evicts sessions whose lastActivityAt exceeds IdleTTL (§4.2's
// periodic idle sweep, a C2 concern distinct from C9's dead-session sweep
// above: this one is driven by local activity timestamps, not a reported
// status lookup).
func (s *Suite) idleSweep(ctx context.Context) {
	n := s.store.IdleSweep(ctx, s.cfg.IdleTTL)
	if n > 0 {
		logger.Info().Int("removed", n).Msg("idle sweep evicted stale sessions")
	}
}

// IdleSweep runs the idle sweep immediately, for POST
// /cleanup-inactive-sessions to trigger out-of-band with the same TTL the
// periodic ticker uses.
func (s *Suite) IdleSweep(ctx context.Context) int {
	return s.store.IdleSweep(ctx, s.cfg.IdleTTL)
}

// PendingSweep runs the pending sweep immediately, for POST
// /cleanup-pending-sessions to trigger out-of-band.
func (s *Suite) PendingSweep(ctx context.Context) {
	s.pendingSweep(ctx)
}

// pendingSweep evicts sessions stuck in pending for longer than
// pendingTimeout.
func (s *Suite) pendingSweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.PendingTimeout)
	s.pendingMu.Lock()
	var stale []string
	for id, since := range s.pendingSince {
		if since.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.pendingMu.Unlock()

	for _, id := range stale {
		s.state.UpdateSessionStatus(ctx, id, domain.StatusInactive, domain.PriorityNormal)
		s.state.RecordTransition(ctx, id, "pending_timeout_evicted", nil)
		_ = s.store.Delete(ctx, id, false)
		s.ClearPending(id)
	}
}

// heartbeatWatchdog requests a reconnect for any session with no observed
// socket activity for inactivityThreshold.
func (s *Suite) heartbeatWatchdog(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.InactivityThreshold)
	for _, rec := range s.store.List() {
		if rec.LastHeartbeatAt.Before(cutoff) {
			logger.Warn().Str("sessionId", rec.SessionID).Msg("heartbeat watchdog requesting reconnect")
			s.reconnect.HandleClose(ctx, rec.SessionID, 0)
		}
	}
}

// audioJanitor deletes downloaded media older than audioMaxAge.
func (s *Suite) audioJanitor(ctx context.Context) {
	entries, err := os.ReadDir(s.cfg.AudioDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.AudioMaxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.cfg.AudioDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Msg("audio janitor cleaned old media")
	}
}

// queueJanitor deletes failed inbound jobs older than queueRetention
// (completed jobs are removed as soon as they complete).
func (s *Suite) queueJanitor(ctx context.Context) {
	n, err := s.q.CleanOld(ctx, s.cfg.QueueRetention)
	if err != nil {
		logger.Warn().Err(err).Msg("queue janitor cleanup failed")
		return
	}
	if n > 0 {
		logger.Info().Int("removed", n).Msg("queue janitor cleaned old jobs")
	}
}
