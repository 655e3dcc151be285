package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/managex/devlock/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "devlock.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func mustUpsert(t *testing.T, st *Store, d *models.Device) *models.Device {
	t.Helper()
	out, err := st.UpsertDevice(d)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return out
}

func TestUpsertCreateThenRefresh(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	d := mustUpsert(t, st, &models.Device{DeviceID: "d1", Username: "alice", OS: "linux", TokenHash: "h1"})
	if d.LockState != models.LockStateUnlocked {
		t.Fatalf("fresh device lock state: got %s, want UNLOCKED", d.LockState)
	}

	// Lock it out of band, then re-register with new identity metadata.
	if err := st.CASUpdateDevice("d1", d.Version, map[string]any{"lock_state": models.LockStateLocked}); err != nil {
		t.Fatalf("cas: %v", err)
	}
	d2 := mustUpsert(t, st, &models.Device{DeviceID: "d1", Username: "bob", OS: "linux 6.1", TokenHash: "h2"})
	if d2.Username != "bob" || d2.TokenHash != "h2" {
		t.Fatalf("re-register must refresh identity: got %q/%q", d2.Username, d2.TokenHash)
	}
	if d2.LockState != models.LockStateLocked {
		t.Fatalf("re-register must not reset lock state: got %s", d2.LockState)
	}
}

func TestFindDeviceByTokenHash(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	mustUpsert(t, st, &models.Device{DeviceID: "d1", TokenHash: "hash-one"})

	d, err := st.FindDeviceByTokenHash("hash-one")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.DeviceID != "d1" {
		t.Fatalf("got device %q, want d1", d.DeviceID)
	}
	if _, err := st.FindDeviceByTokenHash("no-such-hash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown hash: got %v, want ErrNotFound", err)
	}
}

func TestCASUpdateDeviceConflict(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	d := mustUpsert(t, st, &models.Device{DeviceID: "d1", TokenHash: "h"})

	if err := st.CASUpdateDevice("d1", d.Version, map[string]any{"lock_state": models.LockStateLocked}); err != nil {
		t.Fatalf("first cas: %v", err)
	}
	// Stale version loses.
	err := st.CASUpdateDevice("d1", d.Version, map[string]any{"lock_state": models.LockStateUnlocked})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale cas: got %v, want ErrVersionConflict", err)
	}
	cur, _ := st.FindDevice("d1")
	if cur.LockState != models.LockStateLocked {
		t.Fatalf("losing write must not apply: got %s", cur.LockState)
	}
	if cur.Version != d.Version+1 {
		t.Fatalf("version: got %d, want %d", cur.Version, d.Version+1)
	}
}

func TestTouchPresenceMergesLocation(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	mustUpsert(t, st, &models.Device{DeviceID: "d1", TokenHash: "h"})

	if _, err := st.TouchPresence("d1", map[string]any{"city": "Hanoi", "ip": "10.0.0.1"}); err != nil {
		t.Fatalf("first touch: %v", err)
	}
	d, err := st.TouchPresence("d1", map[string]any{"lat": 21.02, "lng": 105.84})
	if err != nil {
		t.Fatalf("second touch: %v", err)
	}

	var loc map[string]any
	if err := json.Unmarshal(d.LastLocation, &loc); err != nil {
		t.Fatalf("unmarshal location: %v", err)
	}
	if loc["city"] != "Hanoi" {
		t.Fatalf("earlier field lost in merge: %v", loc)
	}
	if loc["lat"] != 21.02 {
		t.Fatalf("new field missing: %v", loc)
	}
	if !d.Online {
		t.Fatalf("touch must mark online")
	}
}

func TestRecordSnapshotAccumulates(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	mustUpsert(t, st, &models.Device{DeviceID: "d1", TokenHash: "h"})

	date := "2026-08-29"
	if err := st.RecordSnapshot("d1", date, []string{"chrome", "code"}, 15); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if err := st.RecordSnapshot("d1", date, []string{"chrome", "slack"}, 15); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	usage, err := st.UsageFor("d1", date)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	minutes := map[string]int{}
	for _, u := range usage {
		minutes[u.SoftwareName] = u.TotalMinutes
	}
	if minutes["chrome"] != 30 {
		t.Fatalf("chrome minutes: got %d, want 30", minutes["chrome"])
	}
	if minutes["code"] != 15 || minutes["slack"] != 15 {
		t.Fatalf("single-interval rows: got %v", minutes)
	}

	sum, err := st.DailySummaryFor("d1", date)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.SoftwareCount != 3 {
		t.Fatalf("software count: got %d, want 3", sum.SoftwareCount)
	}
}

func TestDailySummaryForMissingDateIsEmpty(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	sum, err := st.DailySummaryFor("d1", "1999-01-01")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.SoftwareCount != 0 || sum.DeviceID != "d1" {
		t.Fatalf("want zero-valued summary, got %+v", sum)
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	t.Parallel()
	if _, err := Open("not-a-real-mysql-dsn"); err == nil {
		t.Fatalf("want error for malformed mysql dsn")
	}
}
