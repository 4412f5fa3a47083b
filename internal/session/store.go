// Package session implements the session-lifecycle core: the session
// store (C2), the QR pairing controller (C3), the reconnect controller
// (C4), and the state manager (C5).
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/gatewayerr"
	"whatsapp-gateway/pkg/logger"
)

// QrClearer is the subset of the QR controller the store needs on
// eviction; kept as an interface to avoid a store<->controller import
// cycle (the two communicate through narrow capabilities, not direct
// struct references).
type QrClearer interface {
	Clear(sessionID string)
}

// ReconnectCanceller lets the store stop an in-flight reconnect worker on
// deletion without owning the reconnect controller's internals.
type ReconnectCanceller interface {
	Cancel(sessionID string)
}

// Store owns the live sessionId -> SessionRecord mapping (C2). Save
// enforces the max-session cap (S-1 pairs existence with socket
// ownership); Delete closes the socket, clears QR/reconnect state, and
// removes the auth directory unless preserveAuth is set (S-2).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.SessionRecord

	authRoot    string
	maxSessions int

	qr        QrClearer
	reconnect ReconnectCanceller
}

// NewStore builds an empty session store.
func NewStore(authRoot string, maxSessions int) *Store {
	return &Store{
		sessions:    make(map[string]*domain.SessionRecord),
		authRoot:    authRoot,
		maxSessions: maxSessions,
	}
}

// AttachQrClearer wires the QR controller capability after construction,
// resolving the documented ConnectionManager<->SessionManager cycle by
// injecting narrow interfaces instead of concrete back-references.
func (s *Store) AttachQrClearer(qr QrClearer) { s.qr = qr }

// AttachReconnectCanceller wires the reconnect-cancellation capability.
func (s *Store) AttachReconnectCanceller(rc ReconnectCanceller) { s.reconnect = rc }

// AuthDir returns the per-session credential directory path.
func (s *Store) AuthDir(sessionID string) string {
	return filepath.Join(s.authRoot, sessionID)
}

// Save inserts or replaces a session record, enforcing the max-session cap
// for new sessions (Q-3: Save beyond cap fails with MaxSessions).
func (s *Store) Save(rec *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, replacing := s.sessions[rec.SessionID]
	if !replacing && len(s.sessions) >= s.maxSessions {
		return gatewayerr.New(gatewayerr.CodeMaxSessions,
			fmt.Sprintf("session store at capacity (%d)", s.maxSessions))
	}
	s.sessions[rec.SessionID] = rec
	return nil
}

// Get returns the record for sessionID, if present.
func (s *Store) Get(sessionID string) (*domain.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	return rec, ok
}

// Has reports whether sessionID is live.
func (s *Store) Has(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// List returns a snapshot of all live session records.
func (s *Store) List() []*domain.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	return out
}

// UpdateActivity bumps lastActivityAt for sessionID to now, if present.
func (s *Store) UpdateActivity(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[sessionID]; ok {
		rec.Touch(time.Now())
	}
}

// Delete evicts sessionID: cancels any reconnect worker, closes the
// socket best-effort, clears QR state, removes the record, and removes
// the auth directory unless preserveAuth is true. Idempotent — deleting
// an absent session is a no-op, matching §5's cancellation semantics.
func (s *Store) Delete(ctx context.Context, sessionID string, preserveAuth bool) error {
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if s.reconnect != nil {
		s.reconnect.Cancel(sessionID)
	}
	if s.qr != nil {
		s.qr.Clear(sessionID)
	}
	if rec.Socket != nil {
		if err := rec.Socket.Close(ctx); err != nil {
			logger.Warn().Str("sessionId", sessionID).Err(err).Msg("socket close failed during eviction")
		}
	}
	if !preserveAuth {
		dir := s.AuthDir(sessionID)
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().Str("sessionId", sessionID).Err(err).Msg("failed to remove auth directory")
		}
	}
	return nil
}

// CloseAllSessions closes every live socket without removing records,
// used during graceful shutdown (preserveAuth semantics apply to the auth
// directory, which is always left alone here since the process is
// shutting down, not evicting).
func (s *Store) CloseAllSessions(ctx context.Context) {
	s.mu.RLock()
	recs := make([]*domain.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	for _, rec := range recs {
		if rec.Socket != nil {
			_ = rec.Socket.Close(ctx)
		}
	}
}

// IdleSweep deletes every session whose lastActivityAt is older than ttl.
// Run periodically (default every 60 min) against an idleTTL of 24h.
func (s *Store) IdleSweep(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	s.mu.RLock()
	var stale []string
	for id, rec := range s.sessions {
		if rec.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		_ = s.Delete(ctx, id, false)
		logger.Info().Str("sessionId", id).Msg("idle session swept")
	}
	return len(stale)
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
