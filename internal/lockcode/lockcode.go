// Package lockcode owns the unlock-code lifecycle: issuing a short-lived
// single-use numeric code when a device is locked, and verifying a candidate
// code under per-device serialization. Codes are stored only as keyed hashes
// so a leaked database does not allow offline guessing without the server
// secret.
package lockcode

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/managex/devlock/internal/models"
	"github.com/managex/devlock/internal/store"
)

// Rejection reasons, checked in this order during Verify.
var (
	ErrNotLocked    = errors.New("device is not locked")
	ErrNoActiveCode = errors.New("no active lock code")
	ErrExpired      = errors.New("code expired")
	ErrMismatch     = errors.New("invalid code")
)

const casRetries = 3

type Service struct {
	Store        *store.Store
	UnlockSecret string
	TokenSecret  string
}

func NewService(st *store.Store, unlockSecret, tokenSecret string) *Service {
	return &Service{Store: st, UnlockSecret: unlockSecret, TokenSecret: tokenSecret}
}

// GenerateCode draws a 6-digit code uniform over [100000, 999999] from
// crypto/rand. rand.Int is rejection-sampled, so there is no modulo bias.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

func (s *Service) hashCode(code string) string {
	mac := hmac.New(sha256.New, []byte(s.UnlockSecret))
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// MintToken creates a fresh opaque identity token bound to a device. The
// plaintext is returned exactly once; callers persist only HashToken of it.
func (s *Service) MintToken(deviceID string) string {
	mac := hmac.New(sha256.New, []byte(s.TokenSecret))
	fmt.Fprintf(mac, "%s:%d", deviceID, time.Now().UnixNano())
	return hex.EncodeToString(mac.Sum(nil))
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue locks the device and installs a new code, superseding any prior one
// wholesale: the old hash is overwritten, so an earlier code stops verifying
// the moment a new one is issued. The plaintext goes back to the caller only.
func (s *Service) Issue(deviceID string, ttl time.Duration) (code string, expiresAt time.Time, err error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		d, err := s.Store.FindDevice(deviceID)
		if err != nil {
			return "", time.Time{}, err
		}
		code, err = GenerateCode()
		if err != nil {
			return "", time.Time{}, err
		}
		hash := s.hashCode(code)
		expiresAt = time.Now().Add(ttl)
		err = s.Store.CASUpdateDevice(deviceID, d.Version, map[string]any{
			"lock_state":           models.LockStateLocked,
			"lock_code_hash":       hash,
			"lock_code_expires_at": expiresAt,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return "", time.Time{}, err
		}
		return code, expiresAt, nil
	}
	return "", time.Time{}, store.ErrVersionConflict
}

// Unlock clears the lock without a code (operator UNLOCK command).
func (s *Service) Unlock(deviceID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		d, err := s.Store.FindDevice(deviceID)
		if err != nil {
			return err
		}
		err = s.Store.CASUpdateDevice(deviceID, d.Version, map[string]any{
			"lock_state":           models.LockStateUnlocked,
			"lock_code_hash":       nil,
			"lock_code_expires_at": nil,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return store.ErrVersionConflict
}

// Verify checks a candidate code against the active lock episode. Expiry is
// evaluated here, at verification time; nothing sweeps expired codes
// eagerly. A successful verification clears the code fields, flips the
// device to UNLOCKED and records the audit event in a single CAS write, so
// two concurrent attempts with the same code can never both succeed: the
// loser re-reads a row whose code is gone and fails ErrNoActiveCode.
func (s *Service) Verify(deviceID, candidate string) (*models.Device, error) {
	candidate = strings.TrimSpace(candidate)
	for attempt := 0; attempt < casRetries; attempt++ {
		d, err := s.Store.FindDevice(deviceID)
		if err != nil {
			return nil, err
		}
		// Absent code is checked before lock state: a consumed code and a
		// never-locked device look the same on disk, and a losing concurrent
		// attempt must see "no active code", not "not locked".
		if d.LockCodeHash == nil || d.LockCodeExpiresAt == nil {
			return nil, ErrNoActiveCode
		}
		if d.LockState != models.LockStateLocked {
			return nil, ErrNotLocked
		}
		if time.Now().After(*d.LockCodeExpiresAt) {
			return nil, ErrExpired
		}
		if !constantTimeEqualHex(s.hashCode(candidate), *d.LockCodeHash) {
			return nil, ErrMismatch
		}
		now := time.Now()
		last4 := candidate
		if len(last4) > 4 {
			last4 = last4[len(last4)-4:]
		}
		err = s.Store.CASUpdateDevice(deviceID, d.Version, map[string]any{
			"lock_state":           models.LockStateUnlocked,
			"lock_code_hash":       nil,
			"lock_code_expires_at": nil,
			"unlocked_at":          now,
			"unlock_code_last4":    last4,
			"unlocked_by":          deviceID,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.Store.FindDevice(deviceID)
	}
	return nil, store.ErrVersionConflict
}

func constantTimeEqualHex(a, b string) bool {
	ab, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	return hmac.Equal(ab, bb)
}
