package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/gateway"
	"whatsapp-gateway/internal/gatewayerr"
)

// Handlers holds the facade the HTTP layer delegates everything to.
type Handlers struct {
	manager *gateway.Manager
}

// NewHandlers builds the HTTP handler set.
func NewHandlers(manager *gateway.Manager) *Handlers {
	return &Handlers{manager: manager}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if ge, ok := gatewayerr.As(err); ok {
		status := statusForCode(ge.Code)
		render.Status(r, status)
		render.JSON(w, r, envelope{Success: false, Error: string(ge.Code), Details: ge.Details})
		return
	}
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, envelope{Success: false, Error: "INTERNAL_ERROR"})
}

func statusForCode(code gatewayerr.Code) int {
	switch code {
	case gatewayerr.CodeSessionNotFound:
		return http.StatusNotFound
	case gatewayerr.CodeSessionNotConnected, gatewayerr.CodeUnsupportedType, gatewayerr.CodeInvalidRequest:
		return http.StatusBadRequest
	case gatewayerr.CodeMaxSessions:
		return http.StatusConflict
	case gatewayerr.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// StartSession handles POST /start.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, envelope{Success: false, Error: string(gatewayerr.CodeInvalidRequest)})
		return
	}
	res, err := h.manager.StartSession(r.Context(), gateway.StartSessionRequest{
		UserID: req.UserID, WebhookToken: req.WebhookToken, SessionID: req.SessionID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, ok(map[string]any{"session_id": res.SessionID}))
}

// DeleteSessionBody handles POST /delete-session.
func (h *Handlers) DeleteSessionBody(w http.ResponseWriter, r *http.Request) {
	var req deleteSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, envelope{Success: false, Error: string(gatewayerr.CodeInvalidRequest)})
		return
	}
	h.deleteSession(w, r, req.SessionID)
}

// DeleteSessionPath handles DELETE /session/{sessionId}, treated
// identically to POST /delete-session per the open question in §9.
func (h *Handlers) DeleteSessionPath(w http.ResponseWriter, r *http.Request) {
	h.deleteSession(w, r, chi.URLParam(r, "sessionId"))
}

func (h *Handlers) deleteSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := h.manager.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, ok(nil))
}

// GetSession handles GET /session/{sessionId}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	info := h.manager.GetSession(chi.URLParam(r, "sessionId"))
	render.JSON(w, r, map[string]any{
		"sessionId": info.SessionID, "exists": info.Exists, "connected": info.Connected,
		"user": info.User, "qrBase64": info.QRBase64,
	})
}

// ListSessions handles GET /sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, ok(map[string]any{"sessions": h.manager.ListSessions()}))
}

// SendMessage handles POST /send-message.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, envelope{Success: false, Error: string(gatewayerr.CodeInvalidRequest)})
		return
	}
	err := h.manager.SendMessage(r.Context(), gateway.SendMessageRequest{
		SessionID: req.SessionID, WaID: req.WaID, Type: domain.SendKind(req.Type),
		Body: req.Body, MediaURL: req.MediaURL, Caption: req.Caption, Filename: req.Filename,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, ok(nil))
}

// SendLegacy handles POST /send {session_id, to, message}.
func (h *Handlers) SendLegacy(w http.ResponseWriter, r *http.Request) {
	var req sendLegacyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, envelope{Success: false, Error: string(gatewayerr.CodeInvalidRequest)})
		return
	}
	if err := h.manager.SendText(r.Context(), req.SessionID, req.To, req.Message); err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, ok(nil))
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := h.manager.Health()
	render.JSON(w, r, map[string]any{
		"status": "ok", "uptimeSeconds": status.UptimeSeconds, "sessionCount": status.SessionCount,
	})
}

// MetricsBatch handles GET /metrics/batch.
func (h *Handlers) MetricsBatch(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.manager.BatchMetrics())
}

// MetricsCache handles GET /metrics/cache.
func (h *Handlers) MetricsCache(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.manager.CacheMetrics())
}

// CleanupInactive handles POST /cleanup-inactive-sessions.
func (h *Handlers) CleanupInactive(w http.ResponseWriter, r *http.Request) {
	n := h.manager.CleanupInactiveSessions(r.Context())
	render.JSON(w, r, ok(map[string]any{"removed": n}))
}

// CleanupPending handles POST /cleanup-pending-sessions.
func (h *Handlers) CleanupPending(w http.ResponseWriter, r *http.Request) {
	h.manager.CleanupPendingSessions(r.Context())
	render.JSON(w, r, ok(nil))
}
