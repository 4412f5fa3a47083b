package inbound

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"whatsapp-gateway/internal/domain"
	"whatsapp-gateway/internal/infra/controlplane"
	"whatsapp-gateway/internal/infra/queue"
	"whatsapp-gateway/pkg/logger"
)

// protocolMessageTypes are skipped outright per §4.7 step 1 — internal
// protocol chatter, never forwarded to a tenant webhook.
var protocolMessageTypes = map[string]bool{
	"protocolMessage":             true,
	"senderKeyDistributionMessage": true,
	"reactionMessage":             true,
	"ephemeralMessage":            true,
	"viewOnceMessage":             true,
	"pollUpdateMessage":           true,
}

// queuedMessage is the JSON-serializable projection of domain.RawMessage
// persisted to the durable queue; the Download closure cannot survive
// serialization, so audio bytes are fetched eagerly at enqueue time while
// the socket is still live and carried inline instead.
type queuedMessage struct {
	RemoteJID        string    `json:"remoteJid"`
	RemoteJIDAlt     string    `json:"remoteJidAlt,omitempty"`
	Participant      string    `json:"participant,omitempty"`
	ParticipantAlt   string    `json:"participantAlt,omitempty"`
	FromMe           bool      `json:"fromMe"`
	MessageID        string    `json:"messageId"`
	MessageType      string    `json:"messageType"`
	MessageTimestamp time.Time `json:"messageTimestamp"`
	PushName         string    `json:"pushName"`
	Conversation     string    `json:"conversation,omitempty"`
	ExtendedText     string    `json:"extendedText,omitempty"`
	MediaKind        string    `json:"mediaKind,omitempty"`
	MediaCaption     string    `json:"mediaCaption,omitempty"`
	MediaFilename    string    `json:"mediaFilename,omitempty"`
	AudioData        []byte    `json:"audioData,omitempty"`
}

// TokenResolver looks up a session's webhook token, cached by the caller.
type TokenResolver interface {
	WebhookToken(ctx context.Context, sessionID string) (string, error)
}

// Metrics tracks processing latency and outcome counts, logged every 100
// completed jobs per §4.7.
type Metrics struct {
	completed      int64
	succeeded      int64
	failed         int64
	totalLatencyMs int64
}

func (m *Metrics) record(d time.Duration, ok bool) {
	n := atomic.AddInt64(&m.completed, 1)
	atomic.AddInt64(&m.totalLatencyMs, d.Milliseconds())
	if ok {
		atomic.AddInt64(&m.succeeded, 1)
	} else {
		atomic.AddInt64(&m.failed, 1)
	}
	if n%100 == 0 {
		avg := atomic.LoadInt64(&m.totalLatencyMs) / n
		logger.Info().Int64("completed", n).Int64("succeeded", atomic.LoadInt64(&m.succeeded)).
			Int64("failed", atomic.LoadInt64(&m.failed)).Int64("avgLatencyMs", avg).
			Msg("inbound pipeline checkpoint")
	}
}

// Receiver drains the durable inbound queue with a pool of workers that
// normalize, resolve sender identity, and forward to the tenant webhook.
type Receiver struct {
	q       *queue.InboundQueue
	cp      *controlplane.Client
	lid     *LidResolver
	tokens  TokenResolver
	metrics Metrics

	concurrency       int
	maxAttempts       int
	jobTimeout        time.Duration
	historySyncWindow time.Duration
	audioDir          string

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config bundles the receiver's tunables (§4.7).
type Config struct {
	Concurrency       int
	MaxAttempts       int
	JobTimeout        time.Duration
	HistorySyncWindow time.Duration
	AudioDir          string
}

// New builds an inbound receiver.
func New(cfg Config, q *queue.InboundQueue, cp *controlplane.Client, lid *LidResolver, tokens TokenResolver) *Receiver {
	return &Receiver{
		q: q, cp: cp, lid: lid, tokens: tokens,
		concurrency:       cfg.Concurrency,
		maxAttempts:       cfg.MaxAttempts,
		jobTimeout:        cfg.JobTimeout,
		historySyncWindow: cfg.HistorySyncWindow,
		audioDir:          cfg.AudioDir,
		stop:              make(chan struct{}),
	}
}

// Enqueue serializes and persists one inbound message. Called from the
// socket's event supervisor; never blocks on processing (§4.7 Enqueue).
func (r *Receiver) Enqueue(ctx context.Context, sessionID string, msg domain.RawMessage) {
	qm := queuedMessage{
		RemoteJID: msg.RemoteJID, RemoteJIDAlt: msg.RemoteJIDAlt,
		Participant: msg.Participant, ParticipantAlt: msg.ParticipantAlt,
		FromMe: msg.FromMe, MessageID: msg.MessageID, MessageType: msg.MessageType,
		MessageTimestamp: msg.MessageTimestamp, PushName: msg.PushName,
		Conversation: msg.Conversation, ExtendedText: msg.ExtendedText,
		MediaKind: msg.MediaKind, MediaCaption: msg.MediaCaption, MediaFilename: msg.MediaFilename,
	}
	if msg.MediaKind == "audio" && msg.Download != nil {
		if data, err := msg.Download(ctx); err == nil {
			qm.AudioData = data
		} else {
			logger.Warn().Str("sessionId", sessionID).Err(err).Msg("failed to download audio at enqueue time")
		}
	}
	raw, err := json.Marshal(qm)
	if err != nil {
		logger.Error().Str("sessionId", sessionID).Err(err).Msg("failed to marshal inbound job")
		return
	}
	r.q.Enqueue(ctx, sessionID, raw)
}

// Start launches the worker pool.
func (r *Receiver) Start() {
	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Shutdown stops workers after draining in-flight jobs, bounded by grace.
func (r *Receiver) Shutdown(grace time.Duration) {
	close(r.stop)
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn().Msg("inbound receiver shutdown grace period exceeded")
	}
}

func (r *Receiver) worker() {
	defer r.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.drainOnce()
		}
	}
}

func (r *Receiver) drainOnce() {
	ctx := context.Background()
	jobs, err := r.q.Claim(ctx, 1)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to claim inbound jobs")
		return
	}
	for _, job := range jobs {
		r.process(ctx, job)
	}
}

func (r *Receiver) process(parent context.Context, job *domain.InboundJob) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, r.jobTimeout)
	defer cancel()

	ok := r.processOnce(ctx, job)
	r.metrics.record(time.Since(start), ok)

	if ok {
		_ = r.q.Complete(ctx, job.ID)
		return
	}
	_ = r.q.Fail(ctx, job, r.maxAttempts, errCouldNotDeliver)
}

var errCouldNotDeliver = jsonErr("webhook token lookup or delivery failed")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

func (r *Receiver) processOnce(ctx context.Context, job *domain.InboundJob) bool {
	var msg queuedMessage
	if err := json.Unmarshal(job.RawMessage, &msg); err != nil {
		logger.Error().Err(err).Msg("failed to unmarshal inbound job")
		return true // poison message, don't retry forever
	}

	if msg.FromMe || protocolMessageTypes[msg.MessageType] {
		return true
	}
	if time.Since(msg.MessageTimestamp) > r.historySyncWindow {
		return true
	}

	rawForResolve := domain.RawMessage{
		RemoteJID: msg.RemoteJID, RemoteJIDAlt: msg.RemoteJIDAlt,
		Participant: msg.Participant, ParticipantAlt: msg.ParticipantAlt,
	}
	from := r.lid.Resolve(job.SessionID, rawForResolve)

	text := msg.Conversation
	if text == "" {
		text = msg.ExtendedText
	}
	if text == "" && msg.MediaKind == "" {
		return true // nothing to forward
	}

	token, err := r.tokens.WebhookToken(ctx, job.SessionID)
	if err != nil {
		logger.Warn().Str("sessionId", job.SessionID).Err(err).Msg("failed to resolve webhook token for inbound delivery")
		return false
	}

	payload := controlplane.WebhookPayload{
		From: from, Text: text, Type: msgType(msg), WamID: msg.MessageID,
		Timestamp: msg.MessageTimestamp.Format(time.RFC3339), PushName: msg.PushName,
	}
	if msg.MediaKind == "audio" && len(msg.AudioData) > 0 {
		payload.Audio = msg.AudioData
		payload.AudioName = from + "_" + msg.MessageID + ".ogg"
		if err := r.persistAudio(payload.AudioName, msg.AudioData); err != nil {
			logger.Warn().Str("sessionId", job.SessionID).Err(err).Msg("failed to persist inbound audio")
		}
	}

	if err := r.cp.PostWebhook(ctx, token, payload); err != nil {
		logger.Warn().Str("sessionId", job.SessionID).Err(err).Msg("webhook delivery failed")
		return false
	}
	return true
}

// persistAudio writes downloaded audio to disk under AudioDir as
// <phone>_<msgId>.<ext> (§4.7 step 6), so the audio janitor has files to
// sweep once they age past its max-age threshold.
func (r *Receiver) persistAudio(name string, data []byte) error {
	if r.audioDir == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(r.audioDir, name), data, 0o640)
}

func msgType(msg queuedMessage) string {
	if msg.MediaKind != "" {
		return msg.MediaKind
	}
	return "text"
}
