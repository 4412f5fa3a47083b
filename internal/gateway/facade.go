// Package gateway implements WhatsAppManager (C10): the facade composing
// C1-C9 and exposing the operations the HTTP layer invokes.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/gatewayerr"
	"whatsapp-gateway/internal/inbound"
	"whatsapp-gateway/internal/infra/controlplane"
	"whatsapp-gateway/internal/infra/qr"
	"whatsapp-gateway/internal/janitor"
	"whatsapp-gateway/internal/outbound"
	"whatsapp-gateway/internal/sender"
	"whatsapp-gateway/internal/session"
	"whatsapp-gateway/pkg/logger"
)

// Manager is the WhatsAppManager facade: it owns the session store, QR
// controller, connection manager, state manager, batcher, receiver, and
// janitor suite, and exposes the operations the HTTP layer calls.
type Manager struct {
	store     *session.Store
	qr        *session.QrController
	conn      *session.ConnectionManager
	state     *session.StateManager
	batcher   *outbound.Batcher
	receiver  *inbound.Receiver
	janitors  *janitor.Suite
	sender    *sender.Sender
	cp        *controlplane.Client
	sockets   domain.SocketFactory
	qrImages  *qr.Generator

	tokenMu sync.RWMutex
	tokens  map[string]string // sessionId -> webhookToken, process-local cache
}

// Deps bundles every component the facade composes.
type Deps struct {
	Store    *session.Store
	Qr       *session.QrController
	Conn     *session.ConnectionManager
	State    *session.StateManager
	Batcher  *outbound.Batcher
	Receiver *inbound.Receiver
	Janitors *janitor.Suite
	Sender   *sender.Sender
	CP       *controlplane.Client
	Sockets  domain.SocketFactory
}

// New builds the facade from its pre-wired dependencies.
func New(d Deps) *Manager {
	return &Manager{
		store: d.Store, qr: d.Qr, conn: d.Conn, state: d.State,
		batcher: d.Batcher, receiver: d.Receiver, janitors: d.Janitors,
		sender: d.Sender, cp: d.CP, sockets: d.Sockets,
		qrImages: qr.NewGenerator(),
		tokens:   make(map[string]string),
	}
}

// Start implements session.SessionControl.Start: creates (or
// recreates, on reconnect) the socket for sessionID, wires its event
// supervisor, and registers the record in the store.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	sock, err := m.sockets.CreateSocket(ctx, sessionID)
	if err != nil {
		return err
	}

	token, _ := m.WebhookToken(ctx, sessionID)
	rec, existed := m.store.Get(sessionID)
	now := time.Now()
	if !existed {
		rec = &domain.SessionRecord{
			SessionID: sessionID, WebhookToken: token,
			CreatedAt: now, LastActivityAt: now, LastHeartbeatAt: now,
		}
	}
	rec.Socket = sock
	rec.LastHeartbeatAt = now
	if err := m.store.Save(rec); err != nil {
		return err
	}

	go m.superviseSocket(sessionID, sock)
	return nil
}

// Remove implements session.SessionControl.Remove.
func (m *Manager) Remove(ctx context.Context, sessionID string, preserveAuth bool) error {
	m.janitors.ClearPending(sessionID)
	m.qr.Clear(sessionID)
	m.state.Clear(ctx, sessionID)
	return m.store.Delete(ctx, sessionID, preserveAuth)
}

// WebhookToken implements session.SessionControl.WebhookToken /
// inbound.TokenResolver, consulting the process-local cache before the
// control plane.
func (m *Manager) WebhookToken(ctx context.Context, sessionID string) (string, error) {
	m.tokenMu.RLock()
	if tok, ok := m.tokens[sessionID]; ok {
		m.tokenMu.RUnlock()
		return tok, nil
	}
	m.tokenMu.RUnlock()

	if rec, ok := m.store.Get(sessionID); ok && rec.WebhookToken != "" {
		m.setToken(sessionID, rec.WebhookToken)
		return rec.WebhookToken, nil
	}

	tok, err := m.cp.WebhookTokenForSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	m.setToken(sessionID, tok)
	return tok, nil
}

func (m *Manager) setToken(sessionID, token string) {
	m.tokenMu.Lock()
	m.tokens[sessionID] = token
	m.tokenMu.Unlock()
}

// superviseSocket is the one supervisor goroutine per live socket: it
// consumes the typed event stream and fans it out to the QR controller,
// connection manager, and inbound receiver. Only this goroutine acts on
// this socket's events; R-1 (one reconnect worker per session) is enforced
// by ConnectionManager's per-session worker map, not by this loop.
func (m *Manager) superviseSocket(sessionID string, sock domain.Socket) {
	ctx := context.Background()
	for evt := range sock.Events() {
		switch evt.Kind {
		case domain.EventConnectionUpdate:
			cu := evt.Connection
			m.store.UpdateActivity(sessionID)
			if rec, ok := m.store.Get(sessionID); ok {
				rec.LastHeartbeatAt = time.Now()
			}
			switch cu.State {
			case domain.ConnStateOpen:
				m.janitors.ClearPending(sessionID)
				m.conn.HandleOpen(ctx, sessionID)
			case domain.ConnStateClose:
				m.conn.HandleClose(ctx, sessionID, cu.StatusCode)
			case domain.ConnStateConnecting:
				if cu.QR != "" {
					m.janitors.MarkPending(sessionID)
					m.qr.Handle(ctx, sessionID, cu.QR, cu.State)
				}
			}
		case domain.EventMessagesUpsert:
			for _, raw := range evt.Messages.Messages {
				m.receiver.Enqueue(ctx, sessionID, raw)
			}
		case domain.EventCredsUpdate:
			// Credential persistence is owned by the socket factory's
			// underlying device store; nothing further to do here.
		}
	}
}

// StartSessionRequest is the facade's public entrypoint, distinct from
// the internal SessionControl.Start used by the reconnect worker: it
// pre-wipes state for a caller-supplied sessionID and stores the webhook
// token before creating the socket.
type StartSessionRequest struct {
	UserID       string
	WebhookToken string
	SessionID    string // optional; generated if empty
}

// StartSessionResult is returned to the HTTP layer.
type StartSessionResult struct {
	SessionID string
}

// StartSession handles POST /start.
func (m *Manager) StartSession(ctx context.Context, req StartSessionRequest) (StartSessionResult, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if m.store.Has(sessionID) {
		_ = m.store.Delete(ctx, sessionID, false)
	}

	m.setToken(sessionID, req.WebhookToken)
	m.qr.Clear(sessionID)

	rec := &domain.SessionRecord{
		SessionID: sessionID, UserID: req.UserID, WebhookToken: req.WebhookToken,
		CreatedAt: time.Now(), LastActivityAt: time.Now(), LastHeartbeatAt: time.Now(),
	}
	if err := m.store.Save(rec); err != nil {
		return StartSessionResult{}, err
	}

	if err := m.Start(ctx, sessionID); err != nil {
		_ = m.store.Delete(ctx, sessionID, false)
		return StartSessionResult{}, err
	}
	return StartSessionResult{SessionID: sessionID}, nil
}

// DeleteSession handles both POST /delete-session and DELETE
// /session/{id}, treated identically per the open question in §9.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.state.UpdateSessionStatus(ctx, sessionID, domain.StatusInactive, domain.PriorityHigh)
	return m.Remove(ctx, sessionID, false)
}

// SessionInfo is the response shape for GET /session/{id}.
type SessionInfo struct {
	SessionID string
	Exists    bool
	Connected bool
	User      string
	QRBase64  string
}

// GetSession handles GET /session/{id}. When the session has a pending QR
// not yet scanned, it is rendered as a base64 PNG for operators who would
// rather poll this endpoint than wire up the control plane's own QR UI.
func (m *Manager) GetSession(sessionID string) SessionInfo {
	rec, ok := m.store.Get(sessionID)
	if !ok {
		return SessionInfo{SessionID: sessionID, Exists: false}
	}
	connected := rec.Socket != nil && rec.Socket.IsConnected()
	info := SessionInfo{SessionID: sessionID, Exists: true, Connected: connected}
	if !connected {
		if code, ok := m.qr.LastQR(sessionID); ok {
			if png, err := m.qrImages.Base64PNG(code); err == nil {
				info.QRBase64 = png
			}
		}
	}
	return info
}

// ListSessions handles GET /sessions.
func (m *Manager) ListSessions() []SessionInfo {
	recs := m.store.List()
	out := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		connected := rec.Socket != nil && rec.Socket.IsConnected()
		out = append(out, SessionInfo{SessionID: rec.SessionID, Exists: true, Connected: connected})
	}
	return out
}

// SendMessageRequest mirrors POST /send-message.
type SendMessageRequest struct {
	SessionID string
	WaID      string
	Type      domain.SendKind
	Body      string
	MediaURL  string
	Caption   string
	Filename  string
}

// SendMessage handles POST /send-message.
func (m *Manager) SendMessage(ctx context.Context, req SendMessageRequest) error {
	if !m.store.Has(req.SessionID) {
		return gatewayerr.New(gatewayerr.CodeSessionNotFound, "session not found: "+req.SessionID)
	}
	m.store.UpdateActivity(req.SessionID)
	return m.sender.Send(ctx, req.SessionID, domain.OutgoingMessage{
		WaID: req.WaID, Kind: req.Type, Body: req.Body,
		MediaURL: req.MediaURL, Caption: req.Caption, Filename: req.Filename,
	})
}

// SendText handles the legacy POST /send {session_id, to, message}.
func (m *Manager) SendText(ctx context.Context, sessionID, to, message string) error {
	return m.SendMessage(ctx, SendMessageRequest{SessionID: sessionID, WaID: to, Type: domain.SendText, Body: message})
}

// PairPhone checks that sessionID exists and logs the phone-pairing
// request. It does not call the protocol library's phone-number pairing,
// and no HTTP route invokes it.
func (m *Manager) PairPhone(ctx context.Context, sessionID, phoneNumber string) error {
	rec, ok := m.store.Get(sessionID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeSessionNotFound, "session not found: "+sessionID)
	}
	logger.Info().Str("sessionId", sessionID).Str("phone", phoneNumber).Msg("pair-phone requested")
	_ = rec
	return nil
}

// HealthStatus is the response shape for GET /health.
type HealthStatus struct {
	UptimeSeconds int64
	SessionCount  int
	QueueMetrics  any
}

var startedAt = time.Now()

// Health handles GET /health.
func (m *Manager) Health() HealthStatus {
	return HealthStatus{
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		SessionCount:  m.store.Count(),
	}
}

// BatchMetrics handles GET /metrics/batch.
func (m *Manager) BatchMetrics() outbound.Stats {
	return m.batcher.Metrics()
}

// CacheMetrics handles GET /metrics/cache.
func (m *Manager) CacheMetrics() session.CacheMetrics {
	return m.state.CacheMetrics()
}

// CleanupInactiveSessions handles POST /cleanup-inactive-sessions.
func (m *Manager) CleanupInactiveSessions(ctx context.Context) int {
	return m.janitors.IdleSweep(ctx)
}

// CleanupPendingSessions handles POST /cleanup-pending-sessions.
func (m *Manager) CleanupPendingSessions(ctx context.Context) {
	m.janitors.PendingSweep(ctx)
}

// RestoreOnBoot restarts every session the control plane reports active,
// satisfying P11 (restart restores every session listed as active).
func (m *Manager) RestoreOnBoot(ctx context.Context) error {
	accounts, err := m.cp.ActiveAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		m.setToken(acc.SessionID, acc.WebhookToken)
		rec := &domain.SessionRecord{
			SessionID: acc.SessionID, UserID: acc.UserID, WebhookToken: acc.WebhookToken,
			CreatedAt: time.Now(), LastActivityAt: time.Now(), LastHeartbeatAt: time.Now(),
		}
		if err := m.store.Save(rec); err != nil {
			logger.Warn().Str("sessionId", acc.SessionID).Err(err).Msg("failed to restore session on boot")
			continue
		}
		if err := m.Start(ctx, acc.SessionID); err != nil {
			logger.Warn().Str("sessionId", acc.SessionID).Err(err).Msg("failed to start restored session")
		}
	}
	logger.Info().Int("count", len(accounts)).Msg("restored sessions on boot")
	return nil
}

// Shutdown performs graceful shutdown: flush the batcher, close every
// socket preserving auth state, and drain the inbound receiver.
func (m *Manager) Shutdown(ctx context.Context) {
	m.batcher.FlushAll()
	m.store.CloseAllSessions(ctx)
	m.receiver.Shutdown(15 * time.Second)
	m.janitors.Stop()
}
