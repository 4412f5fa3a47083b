package session

import (
	"testing"
	"time"
)

func TestReconnectConfig_NextDelay_FastPhase(t *testing.T) {
	cfg := ReconnectConfig{
		FastAttempts:    4,
		FastBackoffBase: time.Second,
		FastBackoffMax:  10 * time.Second,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}

	for _, tc := range cases {
		if got := cfg.NextDelay(tc.attempt); got != tc.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestReconnectConfig_NextDelay_FastPhaseCapped(t *testing.T) {
	cfg := ReconnectConfig{
		FastAttempts:    4,
		FastBackoffBase: time.Second,
		FastBackoffMax:  5 * time.Second,
	}

	if got := cfg.NextDelay(4); got != 5*time.Second {
		t.Errorf("NextDelay(4) = %v, want capped %v", got, 5*time.Second)
	}
}

func TestReconnectConfig_NextDelay_ResilienceSchedule(t *testing.T) {
	cfg := ReconnectConfig{
		FastAttempts:       2,
		FastBackoffBase:    time.Second,
		FastBackoffMax:     10 * time.Second,
		ResilienceSchedule: []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute},
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{3, 30 * time.Second},
		{4, time.Minute},
		{5, 5 * time.Minute},
		{6, 30 * time.Second}, // schedule wraps
		{7, time.Minute},
	}

	for _, tc := range cases {
		if got := cfg.NextDelay(tc.attempt); got != tc.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
