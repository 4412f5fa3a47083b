package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"whatsapp-gateway/internal/domain"
)

// Shared is the Redis-backed second cache layer: per-kind TTLs for QR
// bodies, reported status, connection snapshots, and session info, plus
// the bounded per-session lifecycle-event ring.
type Shared struct {
	rdb *redis.Client

	qrTTL            time.Duration
	statusTTL        time.Duration
	connectionTTL    time.Duration
	sessionInfoTTL   time.Duration
	lifecycleRingCap int
}

// Config bundles the TTLs and ring cap the shared layer needs.
type Config struct {
	QRTTL            time.Duration
	StatusTTL        time.Duration
	ConnectionTTL    time.Duration
	SessionInfoTTL   time.Duration
	LifecycleRingCap int
}

// NewShared builds a shared cache layer backed by a Redis client.
func NewShared(rdb *redis.Client, cfg Config) *Shared {
	return &Shared{
		rdb:              rdb,
		qrTTL:            cfg.QRTTL,
		statusTTL:        cfg.StatusTTL,
		connectionTTL:    cfg.ConnectionTTL,
		sessionInfoTTL:   cfg.SessionInfoTTL,
		lifecycleRingCap: cfg.LifecycleRingCap,
	}
}

func qrKey(sessionID string) string     { return fmt.Sprintf("wa:qr:%s", sessionID) }
func statusKey(sessionID string) string { return fmt.Sprintf("wa:status:%s", sessionID) }
func connKey(sessionID string) string   { return fmt.Sprintf("wa:conn:%s", sessionID) }
func infoKey(sessionID string) string   { return fmt.Sprintf("wa:info:%s", sessionID) }
func ringKey(sessionID string) string   { return fmt.Sprintf("wa:lifecycle:%s", sessionID) }
func missKey(sessionID string) string   { return fmt.Sprintf("wa:misscount:%s", sessionID) }

// IsNewQr records qr as the session's last-seen QR body and reports
// whether it differs from the previously recorded one (de-dup, Q-2).
func (s *Shared) IsNewQr(ctx context.Context, sessionID, qr string) (bool, error) {
	prev, err := s.rdb.Get(ctx, qrKey(sessionID)).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	isNew := prev != qr
	if err := s.rdb.Set(ctx, qrKey(sessionID), qr, s.qrTTL).Err(); err != nil {
		return false, err
	}
	return isNew, nil
}

// SetStatus writes the reported status for a session with the status TTL.
func (s *Shared) SetStatus(ctx context.Context, sessionID string, status domain.ReportedStatus) error {
	return s.rdb.Set(ctx, statusKey(sessionID), string(status), s.statusTTL).Err()
}

// GetStatus reads the reported status for a session, if still cached.
func (s *Shared) GetStatus(ctx context.Context, sessionID string) (domain.ReportedStatus, bool, error) {
	v, err := s.rdb.Get(ctx, statusKey(sessionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return domain.ReportedStatus(v), true, nil
}

// SetConnectionSnapshot caches a short-lived connection-state snapshot.
func (s *Shared) SetConnectionSnapshot(ctx context.Context, sessionID string, connected bool) error {
	v := "0"
	if connected {
		v = "1"
	}
	return s.rdb.Set(ctx, connKey(sessionID), v, s.connectionTTL).Err()
}

// SessionInfo is the cached shape for GET /session/{id} diagnostics.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Connected bool   `json:"connected"`
	User      string `json:"user"`
}

// SetSessionInfo caches the session-info payload.
func (s *Shared) SetSessionInfo(ctx context.Context, sessionID string, info SessionInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, infoKey(sessionID), b, s.sessionInfoTTL).Err()
}

// GetSessionInfo reads the cached session-info payload, if present.
func (s *Shared) GetSessionInfo(ctx context.Context, sessionID string) (SessionInfo, bool, error) {
	b, err := s.rdb.Get(ctx, infoKey(sessionID)).Bytes()
	if err == redis.Nil {
		return SessionInfo{}, false, nil
	}
	if err != nil {
		return SessionInfo{}, false, err
	}
	var info SessionInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return SessionInfo{}, false, err
	}
	return info, true, nil
}

// PushLifecycleEvent appends to the session's bounded lifecycle ring,
// trimming it back down to lifecycleRingCap entries.
func (s *Shared) PushLifecycleEvent(ctx context.Context, ev domain.LifecycleEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := ringKey(ev.SessionID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, -int64(s.lifecycleRingCap), -1)
	_, err = pipe.Exec(ctx)
	return err
}

// LifecycleEvents returns the session's lifecycle ring, oldest first.
func (s *Shared) LifecycleEvents(ctx context.Context, sessionID string) ([]domain.LifecycleEvent, error) {
	raw, err := s.rdb.LRange(ctx, ringKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.LifecycleEvent, 0, len(raw))
	for _, r := range raw {
		var ev domain.LifecycleEvent
		if err := json.Unmarshal([]byte(r), &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

// IncrMiss increments the consecutive status-lookup-miss counter,
// returning the new count. The state manager only logs the count; the
// dead-session janitor does not read it.
func (s *Shared) IncrMiss(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.rdb.Incr(ctx, missKey(sessionID)).Result()
	if err != nil {
		return 0, err
	}
	s.rdb.Expire(ctx, missKey(sessionID), s.statusTTL*4)
	return n, nil
}

// ResetMiss clears the consecutive-miss counter for a session.
func (s *Shared) ResetMiss(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, missKey(sessionID)).Err()
}

// Clear removes all cached state for a session (called on eviction).
func (s *Shared) Clear(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, qrKey(sessionID), statusKey(sessionID), connKey(sessionID),
		infoKey(sessionID), ringKey(sessionID), missKey(sessionID)).Err()
}

// SharedMetrics is a point-in-time snapshot of the Redis connection pool
// backing the shared layer, for GET /metrics/cache.
type SharedMetrics struct {
	PoolHits       uint32
	PoolMisses     uint32
	PoolTimeouts   uint32
	PoolTotalConns uint32
	PoolIdleConns  uint32
}

// Metrics reports the underlying redis.Client's pool stats.
func (s *Shared) Metrics() SharedMetrics {
	st := s.rdb.PoolStats()
	return SharedMetrics{
		PoolHits:       st.Hits,
		PoolMisses:     st.Misses,
		PoolTimeouts:   st.Timeouts,
		PoolTotalConns: st.TotalConns,
		PoolIdleConns:  st.IdleConns,
	}
}
