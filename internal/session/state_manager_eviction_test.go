package session

import (
	"context"
	"testing"
	"time"
)

func TestStateManager_EvictionEligible(t *testing.T) {
	sm := &StateManager{consecutiveMissThreshold: 3, inactivityGrace: time.Hour}
	ctx := context.Background()
	now := time.Now()

	cases := []struct {
		name           string
		lastActivityAt time.Time
		misses         int64
		want           bool
	}{
		{"within grace period, misses ignored", now, 10, false},
		{"past grace, below miss threshold", now.Add(-2 * time.Hour), 2, false},
		{"past grace, at miss threshold", now.Add(-2 * time.Hour), 3, true},
		{"past grace, above miss threshold", now.Add(-2 * time.Hour), 5, true},
	}

	for _, tc := range cases {
		if got := sm.EvictionEligible(ctx, "s1", tc.lastActivityAt, tc.misses); got != tc.want {
			t.Errorf("%s: EvictionEligible() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
