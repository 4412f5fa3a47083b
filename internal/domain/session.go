// Package domain holds the gateway's core types: the shapes shared across
// session storage, the QR controller, reconnect policy, caching, batching,
// and the inbound/outbound pipelines.
package domain

import (
	"time"

	"github.com/uptrace/bun"
)

// ReportedStatus is the session-state value visible to the control plane.
type ReportedStatus string

const (
	StatusPending    ReportedStatus = "pending"
	StatusActive     ReportedStatus = "active"
	StatusConnecting ReportedStatus = "connecting"
	StatusInactive   ReportedStatus = "inactive"
)

// Priority governs how urgently an outbound task gets flushed upstream.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// ReconnectMode identifies which backoff regime a session's reconnect
// counter is currently in.
type ReconnectMode string

const (
	ReconnectNone       ReconnectMode = "none"
	ReconnectFast       ReconnectMode = "fast"
	ReconnectResilience ReconnectMode = "resilience"
)

// ReconnectState holds reconnect counters for one session. The reconnect
// worker does not update these fields; RC-1 (at most one reconnect worker
// per session) is enforced by session.ConnectionManager's worker map.
type ReconnectState struct {
	Attempts     int
	ScheduledAt  *time.Time
	Mode         ReconnectMode
	Reconnecting bool
	PhaseStarted time.Time
}

// ProxyConfig is an optional per-session outbound proxy binding.
type ProxyConfig struct {
	URL      string `bun:"proxy_url"`
	Username string `bun:"proxy_username,nullzero"`
	Password string `bun:"proxy_password,nullzero"`
}

// SessionRecord is one active tenant pairing. It owns exactly one Socket
// (invariant S-1): the record exists in the store iff a live socket is
// bound to it.
type SessionRecord struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	SessionID    string `bun:"session_id,pk"`
	UserID       string `bun:"user_id,notnull"`
	WebhookToken string `bun:"webhook_token,notnull"`

	Proxy *ProxyConfig `bun:"embed:proxy_"`

	CreatedAt       time.Time `bun:"created_at,notnull"`
	LastActivityAt  time.Time `bun:"last_activity_at,notnull"`
	LastHeartbeatAt time.Time `bun:"last_heartbeat_at,notnull"`

	// Socket and Reconnect are process-local and never persisted; bun
	// ignores fields it has no column mapping for only when tagged "-".
	Socket    Socket         `bun:"-"`
	Reconnect ReconnectState `bun:"-"`
}

// Touch advances LastActivityAt to now.
func (r *SessionRecord) Touch(now time.Time) {
	r.LastActivityAt = now
}

// QrState is the per-session QR pairing state owned by the QR controller.
type QrState struct {
	LastQrBody     string
	LastQrSentAt   time.Time
	SendCount      int
	Inflight       bool
	PendingSinceAt time.Time
	ExpirationSeq  uint64
}

// LifecycleEvent is an append-only record of a session's state transitions.
type LifecycleEvent struct {
	SessionID string         `json:"sessionId"`
	Event     string         `json:"event"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// OutboundTaskKind distinguishes the three things the batcher coalesces.
type OutboundTaskKind string

const (
	TaskQR        OutboundTaskKind = "qr"
	TaskStatus    OutboundTaskKind = "status"
	TaskLifecycle OutboundTaskKind = "lifecycle"
)

// OutboundTask is one item headed for the control plane, coalesced by
// sessionId+kind in the batcher.
type OutboundTask struct {
	Kind        OutboundTaskKind
	SessionID   string
	Payload     any
	Priority    Priority
	EnqueuedAt  time.Time
}

// InboundJob is a persisted unit of work for the inbound pipeline: one
// `messages.upsert` event awaiting normalization and webhook delivery.
type InboundJob struct {
	bun.BaseModel `bun:"table:inbound_jobs,alias:ij"`

	ID            int64      `bun:"id,pk,autoincrement"`
	SessionID     string     `bun:"session_id,notnull"`
	RawMessage    []byte     `bun:"raw_message,notnull"`
	ReceivedAt    time.Time  `bun:"received_at,notnull"`
	Attempts      int        `bun:"attempts,notnull,default:0"`
	Status        string     `bun:"status,notnull,default:'pending'"`
	LastError     string     `bun:"last_error,nullzero"`
	CompletedAt   *time.Time `bun:"completed_at,nullzero"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
}

// AccountSummary is the shape the control plane returns for each active
// tenant account during boot-time restoration.
type AccountSummary struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	WebhookToken string `json:"webhook_token"`
}
