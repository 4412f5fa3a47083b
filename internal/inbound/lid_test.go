package inbound

import (
	"testing"

	"whatsapp-gateway/internal/domain"
)

func TestLidResolver_Resolve_PhoneJIDDirect(t *testing.T) {
	r := NewLidResolver(t.TempDir())
	got := r.Resolve("s1", domain.RawMessage{RemoteJID: "5511999999999@s.whatsapp.net"})
	if got != "5511999999999" {
		t.Fatalf("Resolve() = %q, want phone stripped of suffix", got)
	}
}

func TestLidResolver_Resolve_AltJIDFallback(t *testing.T) {
	r := NewLidResolver(t.TempDir())
	msg := domain.RawMessage{
		RemoteJID:    "123456@lid",
		RemoteJIDAlt: "5511999999999@s.whatsapp.net",
	}
	got := r.Resolve("s1", msg)
	if got != "5511999999999" {
		t.Fatalf("Resolve() = %q, want alt phone JID preferred over lid", got)
	}
}

func TestLidResolver_Resolve_ParticipantAltFallback(t *testing.T) {
	r := NewLidResolver(t.TempDir())
	msg := domain.RawMessage{
		RemoteJID:      "group123@g.us",
		Participant:    "987654@lid",
		ParticipantAlt: "5511888888888@s.whatsapp.net",
	}
	got := r.Resolve("s1", msg)
	if got != "5511888888888" {
		t.Fatalf("Resolve() = %q, want ParticipantAlt phone preferred", got)
	}
}

func TestLidResolver_Resolve_ReverseMapPersistedAndReused(t *testing.T) {
	r := NewLidResolver(t.TempDir())

	// Observing a phone JID alongside its lid alt persists the reverse map.
	r.Resolve("s1", domain.RawMessage{
		RemoteJID:    "5511999999999@s.whatsapp.net",
		RemoteJIDAlt: "123456@lid",
	})

	// A later message carrying only the lid should resolve via the
	// persisted reverse map rather than falling back to the raw lid.
	got := r.Resolve("s1", domain.RawMessage{RemoteJID: "123456@lid"})
	if got != "5511999999999" {
		t.Fatalf("Resolve() = %q, want reverse-mapped phone 5511999999999", got)
	}
}

func TestLidResolver_Resolve_LidFallbackWhenUnmapped(t *testing.T) {
	r := NewLidResolver(t.TempDir())
	got := r.Resolve("s1", domain.RawMessage{RemoteJID: "999888@lid"})
	if got != "999888" {
		t.Fatalf("Resolve() = %q, want raw lid as last-resort fallback", got)
	}
}

func TestLidResolver_Resolve_DigitsOnlyFallback(t *testing.T) {
	r := NewLidResolver(t.TempDir())
	got := r.Resolve("s1", domain.RawMessage{RemoteJID: "weird-id-42@broadcast"})
	if got != "42" {
		t.Fatalf("Resolve() = %q, want digits-only fallback", got)
	}
}
