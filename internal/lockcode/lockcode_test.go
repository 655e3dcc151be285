package lockcode

import (
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/managex/devlock/internal/models"
	"github.com/managex/devlock/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "devlock.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	st, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewService(st, "unlock-secret", "token-secret"), st
}

func seedDevice(t *testing.T, st *store.Store, deviceID string) {
	t.Helper()
	_, err := st.UpsertDevice(&models.Device{
		DeviceID:  deviceID,
		TokenHash: HashToken("token-" + deviceID),
	})
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func TestGenerateCodeShapeAndRange(t *testing.T) {
	t.Parallel()
	for i := 0; i < 1000; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q: want 6 digits", code)
		}
		n, err := strconv.Atoi(code)
		if err != nil {
			t.Fatalf("code %q not numeric: %v", code, err)
		}
		if n < 100000 || n > 999999 {
			t.Fatalf("code %d outside [100000,999999]", n)
		}
	}
}

func TestIssueThenVerifySingleUse(t *testing.T) {
	svc, st := newTestService(t)
	seedDevice(t, st, "d1")

	code, expiresAt, err := svc.Issue("d1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expiry %v not in the future", expiresAt)
	}

	d, err := st.FindDevice("d1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if d.LockState != models.LockStateLocked {
		t.Fatalf("lock state after issue: got %s, want LOCKED", d.LockState)
	}
	if d.LockCodeHash == nil || *d.LockCodeHash == code {
		t.Fatalf("stored hash must be present and not the plaintext")
	}

	unlocked, err := svc.Verify("d1", code)
	if err != nil {
		t.Fatalf("verify correct code: %v", err)
	}
	if unlocked.LockState != models.LockStateUnlocked {
		t.Fatalf("state after verify: got %s, want UNLOCKED", unlocked.LockState)
	}
	if unlocked.LockCodeHash != nil || unlocked.LockCodeExpiresAt != nil {
		t.Fatalf("code fields not cleared after success")
	}
	if unlocked.UnlockCodeLast4 != code[len(code)-4:] {
		t.Fatalf("audit last4: got %q, want %q", unlocked.UnlockCodeLast4, code[len(code)-4:])
	}

	// Single use: the same correct code cannot be consumed twice.
	if _, err := svc.Verify("d1", code); !errors.Is(err, ErrNoActiveCode) {
		t.Fatalf("second verify: got %v, want ErrNoActiveCode", err)
	}
}

func TestVerifyMismatchLeavesLock(t *testing.T) {
	svc, st := newTestService(t)
	seedDevice(t, st, "d1")

	code, _, err := svc.Issue("d1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if _, err := svc.Verify("d1", wrong); !errors.Is(err, ErrMismatch) {
		t.Fatalf("verify wrong code: got %v, want ErrMismatch", err)
	}
	d, _ := st.FindDevice("d1")
	if d.LockState != models.LockStateLocked || d.LockCodeHash == nil {
		t.Fatalf("mismatch must leave the lock episode intact")
	}
}

func TestVerifyExpired(t *testing.T) {
	svc, st := newTestService(t)
	seedDevice(t, st, "d1")

	code, _, err := svc.Issue("d1", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Verify("d1", code); !errors.Is(err, ErrExpired) {
		t.Fatalf("verify after expiry: got %v, want ErrExpired", err)
	}
	d, _ := st.FindDevice("d1")
	if d.LockState != models.LockStateLocked {
		t.Fatalf("expired verify must not unlock")
	}
}

func TestVerifyWithoutActiveCode(t *testing.T) {
	svc, st := newTestService(t)
	seedDevice(t, st, "d1")

	if _, err := svc.Verify("d1", "123456"); !errors.Is(err, ErrNoActiveCode) {
		t.Fatalf("verify on fresh device: got %v, want ErrNoActiveCode", err)
	}
}

func TestReissueSupersedesPriorCode(t *testing.T) {
	svc, st := newTestService(t)
	seedDevice(t, st, "d1")

	first, _, err := svc.Issue("d1", time.Minute)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	second, _, err := svc.Issue("d1", time.Minute)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if first == second {
		t.Fatalf("two issues produced the same code")
	}
	if _, err := svc.Verify("d1", first); !errors.Is(err, ErrMismatch) {
		t.Fatalf("superseded code: got %v, want ErrMismatch", err)
	}
	if _, err := svc.Verify("d1", second); err != nil {
		t.Fatalf("latest code: %v", err)
	}
}

func TestConcurrentVerifySingleWinner(t *testing.T) {
	svc, st := newTestService(t)
	seedDevice(t, st, "d1")

	code, _, err := svc.Issue("d1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Verify("d1", code)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, ErrNoActiveCode) && !errors.Is(err, ErrMismatch) && !errors.Is(err, store.ErrVersionConflict) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("concurrent verify: got %d successes, want exactly 1", successes)
	}
}

func TestMintTokenFreshPerCall(t *testing.T) {
	svc, _ := newTestService(t)
	a := svc.MintToken("d1")
	b := svc.MintToken("d1")
	if a == b {
		t.Fatalf("two mints produced identical tokens")
	}
	if HashToken(a) == a {
		t.Fatalf("hash must differ from plaintext")
	}
	if HashToken(a) != HashToken(a) {
		t.Fatalf("token hash not deterministic")
	}
}
