package inbound

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"whatsapp-gateway/internal/domain"
)

func newTestJob(t *testing.T, qm queuedMessage) *domain.InboundJob {
	t.Helper()
	raw, err := json.Marshal(qm)
	if err != nil {
		t.Fatalf("marshal queuedMessage: %v", err)
	}
	return &domain.InboundJob{SessionID: "s1", RawMessage: raw}
}

func TestReceiver_ProcessOnce_FromMeFiltered(t *testing.T) {
	r := &Receiver{lid: NewLidResolver(t.TempDir()), historySyncWindow: time.Hour}
	job := newTestJob(t, queuedMessage{
		FromMe: true, MessageType: "conversation", Conversation: "hi",
		MessageTimestamp: time.Now(),
	})

	if ok := r.processOnce(context.Background(), job); !ok {
		t.Fatal("processOnce() = false, want true (fromMe messages are filtered, not retried)")
	}
}

func TestReceiver_ProcessOnce_ProtocolMessageFiltered(t *testing.T) {
	r := &Receiver{lid: NewLidResolver(t.TempDir()), historySyncWindow: time.Hour}
	job := newTestJob(t, queuedMessage{
		MessageType: "protocolMessage", Conversation: "hi", MessageTimestamp: time.Now(),
	})

	if ok := r.processOnce(context.Background(), job); !ok {
		t.Fatal("processOnce() = false, want true (protocol messages are filtered)")
	}
}

func TestReceiver_ProcessOnce_OutsideHistorySyncWindowFiltered(t *testing.T) {
	r := &Receiver{lid: NewLidResolver(t.TempDir()), historySyncWindow: time.Minute}
	job := newTestJob(t, queuedMessage{
		MessageType: "conversation", Conversation: "hi",
		MessageTimestamp: time.Now().Add(-time.Hour),
	})

	if ok := r.processOnce(context.Background(), job); !ok {
		t.Fatal("processOnce() = false, want true (stale messages outside the history-sync window are dropped)")
	}
}

func TestReceiver_ProcessOnce_EmptyTextNoMediaFiltered(t *testing.T) {
	r := &Receiver{lid: NewLidResolver(t.TempDir()), historySyncWindow: time.Hour}
	job := newTestJob(t, queuedMessage{
		MessageType: "conversation", MessageTimestamp: time.Now(),
	})

	if ok := r.processOnce(context.Background(), job); !ok {
		t.Fatal("processOnce() = false, want true (no text and no media, nothing to forward)")
	}
}

func TestReceiver_ProcessOnce_PoisonMessageNotRetried(t *testing.T) {
	r := &Receiver{lid: NewLidResolver(t.TempDir())}
	job := &domain.InboundJob{SessionID: "s1", RawMessage: []byte("not json")}

	if ok := r.processOnce(context.Background(), job); !ok {
		t.Fatal("processOnce() = false, want true (unparseable job treated as poison, not retried)")
	}
}

func TestReceiver_PersistAudio_WritesFileUnderAudioDir(t *testing.T) {
	dir := t.TempDir()
	r := &Receiver{audioDir: dir}

	if err := r.persistAudio("15551234567_ABC123.ogg", []byte("audio-bytes")); err != nil {
		t.Fatalf("persistAudio() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "15551234567_ABC123.ogg"))
	if err != nil {
		t.Fatalf("reading persisted audio file: %v", err)
	}
	if string(got) != "audio-bytes" {
		t.Fatalf("persisted audio content = %q, want %q", got, "audio-bytes")
	}
}

func TestReceiver_PersistAudio_NoopWithoutAudioDir(t *testing.T) {
	r := &Receiver{}
	if err := r.persistAudio("x.ogg", []byte("data")); err != nil {
		t.Fatalf("persistAudio() with no audioDir configured = %v, want nil", err)
	}
}
