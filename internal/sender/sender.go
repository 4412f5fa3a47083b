// Package sender implements MessageSender (C8): typed outbound dispatch
// with per-call timeout and bounded, incrementally-backed-off retries.
package sender

import (
	"context"
	"fmt"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/gatewayerr"
)

// SessionLookup is the narrow capability the sender needs from the
// session store.
type SessionLookup interface {
	Get(sessionID string) (*domain.SessionRecord, bool)
}

// Config bundles the sender's tunables (§4.8).
type Config struct {
	PerAttemptTimeout time.Duration
	DefaultRetries    int
	RetryIncrement    time.Duration
}

// Sender dispatches outgoing messages over a session's live socket.
type Sender struct {
	cfg      Config
	sessions SessionLookup
}

// New builds a MessageSender.
func New(cfg Config, sessions SessionLookup) *Sender {
	return &Sender{cfg: cfg, sessions: sessions}
}

var validKinds = map[domain.SendKind]bool{
	domain.SendText: true, domain.SendImage: true, domain.SendAudio: true,
	domain.SendVideo: true, domain.SendDocument: true,
}

// Send dispatches msg on sessionID, racing the socket call against a
// per-attempt timeout and retrying with incremental backoff on failure.
func (s *Sender) Send(ctx context.Context, sessionID string, msg domain.OutgoingMessage) error {
	if !validKinds[msg.Kind] {
		return gatewayerr.New(gatewayerr.CodeUnsupportedType, fmt.Sprintf("unsupported send type %q", msg.Kind))
	}

	rec, ok := s.sessions.Get(sessionID)
	if !ok || rec.Socket == nil || !rec.Socket.IsConnected() {
		return gatewayerr.New(gatewayerr.CodeSessionNotConnected, "session is not connected")
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.DefaultRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.PerAttemptTimeout)
		err := rec.Socket.Send(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < s.cfg.DefaultRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryIncrement * time.Duration(attempt)):
			}
		}
	}
	return gatewayerr.Wrap(gatewayerr.CodeSessionNotConnected, "send failed after retries", lastErr)
}
