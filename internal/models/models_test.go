package models

import (
	"testing"
	"time"
)

func TestOnlineAtDerivedFromLastSeen(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cases := []struct {
		name     string
		lastSeen time.Time
		online   bool
		want     bool
	}{
		{"seen just now", now.Add(-30 * time.Second), true, true},
		{"seen beyond threshold", now.Add(-3 * time.Minute), true, false},
		{"stale flag ignored", now.Add(-time.Hour), true, false},
		{"just inside threshold", now.Add(-OfflineAfter + time.Second), true, true},
		{"fresh heartbeat wins over flag", now.Add(-10 * time.Second), false, true},
		{"never seen", time.Time{}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Device{Online: tc.online, LastSeen: tc.lastSeen}
			if got := d.OnlineAt(now, OfflineAfter); got != tc.want {
				t.Fatalf("OnlineAt = %t, want %t", got, tc.want)
			}
		})
	}
}
