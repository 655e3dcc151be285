package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	LockStateLocked   = "LOCKED"
	LockStateUnlocked = "UNLOCKED"
)

// OfflineAfter is the default presence threshold: a device whose last
// heartbeat is older than this reports offline regardless of what the row
// says, because presence is derived from lastSeen, not connection state.
const OfflineAfter = 2 * time.Minute

type Device struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	DeviceID string `gorm:"uniqueIndex;size:128" json:"device_id"`
	Username string `gorm:"size:128" json:"username"`
	OS       string `gorm:"size:255" json:"os"`
	Model    string `gorm:"size:255" json:"model"`

	// TokenHash is sha256(identity token) hex. Only the latest hash is kept,
	// so re-registration invalidates any previously issued token.
	TokenHash string `gorm:"uniqueIndex;size:64" json:"-"`

	Online       bool           `json:"online"`
	LastSeen     time.Time      `json:"last_seen"`
	LastLocation datatypes.JSON `json:"last_location,omitempty"`

	LockState         string     `gorm:"size:16;default:UNLOCKED" json:"lock_state"`
	LockCodeHash      *string    `gorm:"size:64" json:"-"`
	LockCodeExpiresAt *time.Time `json:"-"`

	UnlockedAt      *time.Time `json:"unlocked_at,omitempty"`
	UnlockCodeLast4 string     `gorm:"size:4" json:"unlock_code_last4,omitempty"`
	UnlockedBy      string     `gorm:"size:128" json:"unlocked_by,omitempty"`

	// Version guards every read-modify-write on the lock fields: updates go
	// through the store's CAS path and bump it by one.
	Version uint `gorm:"default:0" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OnlineAt derives presence at read time from heartbeat recency.
func (d *Device) OnlineAt(now time.Time, offlineAfter time.Duration) bool {
	if d.LastSeen.IsZero() {
		return false
	}
	return now.Sub(d.LastSeen) <= offlineAfter
}

// DailySummary is one row per device per UTC day, maintained by the
// process-snapshot ingest and read by the details surface.
type DailySummary struct {
	ID            uint   `gorm:"primaryKey" json:"-"`
	DeviceID      string `gorm:"index:idx_summary_device_date,unique;size:128" json:"device_id"`
	Date          string `gorm:"index:idx_summary_device_date,unique;size:10" json:"date"`
	SoftwareCount int    `json:"software_count"`
	UpdatedAt     time.Time
}

type SoftwareUsage struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	DeviceID     string    `gorm:"index:idx_usage_key,unique;size:128" json:"device_id"`
	Date         string    `gorm:"index:idx_usage_key,unique;size:10" json:"date"`
	SoftwareName string    `gorm:"index:idx_usage_key,unique;size:255" json:"software_name"`
	TotalMinutes int       `json:"total_minutes"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}
