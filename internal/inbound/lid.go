// Package inbound implements the message receiver: sender-identity
// resolution and the concurrent worker pool draining the inbound queue
// (C7, §4.7.1).
package inbound

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/pkg/logger"
)

// LidResolver resolves a message's sender to a phone number, maintaining
// an in-memory lid->phone table backed by a per-session reverse-map file
// (§4.7.1).
type LidResolver struct {
	authRoot string

	mu    sync.Mutex
	cache map[string]string // "sessionId|lid" -> phone
}

// NewLidResolver builds a resolver rooted at the session auth directory.
func NewLidResolver(authRoot string) *LidResolver {
	return &LidResolver{authRoot: authRoot, cache: make(map[string]string)}
}

func stripSuffix(jid string) string {
	if i := strings.Index(jid, "@"); i >= 0 {
		return jid[:i]
	}
	return jid
}

func isPhoneJID(jid string) bool {
	return strings.HasSuffix(jid, "@s.whatsapp.net")
}

func isLidJID(jid string) bool {
	return strings.HasSuffix(jid, "@lid")
}

// Resolve implements the four-step resolution order from §4.7.1,
// opportunistically persisting a lid->phone reverse map when both a
// phone JID and a lid alt are observed together.
func (r *LidResolver) Resolve(sessionID string, msg domain.RawMessage) string {
	if isPhoneJID(msg.RemoteJID) {
		phone := stripSuffix(msg.RemoteJID)
		if isLidJID(msg.RemoteJIDAlt) {
			r.persistReverseMap(sessionID, stripSuffix(msg.RemoteJIDAlt), phone)
		}
		return phone
	}

	for _, candidate := range []string{msg.RemoteJIDAlt, msg.ParticipantAlt, msg.Participant} {
		if isPhoneJID(candidate) {
			return stripSuffix(candidate)
		}
	}

	candidate := msg.RemoteJID
	if candidate == "" {
		candidate = msg.Participant
	}
	if isLidJID(candidate) {
		lid := stripSuffix(candidate)
		if phone, ok := r.lookup(sessionID, lid); ok {
			return phone
		}
		logger.Warn().Str("sessionId", sessionID).Str("lid", lid).Msg("lid resolution fallback used, sender may be incorrect")
		return lid
	}

	logger.Warn().Str("sessionId", sessionID).Str("jid", candidate).Msg("sender resolution fallback used, sender may be incorrect")
	return digitsOnly(candidate)
}

func (r *LidResolver) lookup(sessionID, lid string) (string, bool) {
	key := sessionID + "|" + lid
	r.mu.Lock()
	if phone, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return phone, true
	}
	r.mu.Unlock()

	path := r.reverseMapPath(sessionID, lid)
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var phone string
	if err := json.Unmarshal(b, &phone); err != nil {
		phone = strings.TrimSpace(string(b))
	}
	if phone == "" {
		return "", false
	}
	r.mu.Lock()
	r.cache[key] = phone
	r.mu.Unlock()
	return phone, true
}

func (r *LidResolver) persistReverseMap(sessionID, lid, phone string) {
	key := sessionID + "|" + lid
	r.mu.Lock()
	if existing, ok := r.cache[key]; ok && existing == phone {
		r.mu.Unlock()
		return
	}
	r.cache[key] = phone
	r.mu.Unlock()

	path := r.reverseMapPath(sessionID, lid)
	b, err := json.Marshal(phone)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		logger.Warn().Str("sessionId", sessionID).Str("lid", lid).Err(err).Msg("failed to create lid reverse map directory")
		return
	}
	if err := os.WriteFile(path, b, 0o640); err != nil {
		logger.Warn().Str("sessionId", sessionID).Str("lid", lid).Err(err).Msg("failed to persist lid reverse map")
	}
}

func (r *LidResolver) reverseMapPath(sessionID, lid string) string {
	return filepath.Join(r.authRoot, sessionID, "lids", "lid-mapping-"+lid+"_reverse.json")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
