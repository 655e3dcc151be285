package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/managex/devlock/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrVersionConflict reports a lost optimistic-concurrency race on a device
// row. Callers retry a bounded number of times and then treat it as
// transient.
var ErrVersionConflict = errors.New("device version conflict")

var ErrNotFound = gorm.ErrRecordNotFound

type Store struct {
	DB *gorm.DB
}

// Open selects the driver from the DSN shape: anything ending in .db or
// using the sqlite file: scheme opens SQLite, everything else is treated as
// a MySQL DSN.
func Open(dsn string) (*Store, error) {
	var dial gorm.Dialector
	if strings.HasSuffix(dsn, ".db") || strings.HasPrefix(dsn, "file:") || dsn == ":memory:" {
		dial = sqlite.Open(dsn)
	} else {
		dial = mysql.Open(dsn)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&models.Device{}, &models.DailySummary{}, &models.SoftwareUsage{}); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) FindDevice(deviceID string) (*models.Device, error) {
	var d models.Device
	if err := s.DB.Where("device_id = ?", deviceID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// FindDeviceByTokenHash is the authentication lookup: indexed by the stored
// hash, so it stays O(1) instead of re-deriving per device.
func (s *Store) FindDeviceByTokenHash(hash string) (*models.Device, error) {
	var d models.Device
	if err := s.DB.Where("token_hash = ?", hash).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDevice registers or refreshes a device keyed by deviceID. Identity
// metadata and the token hash are overwritten; lock state and presence are
// left alone on re-registration.
func (s *Store) UpsertDevice(d *models.Device) (*models.Device, error) {
	existing, err := s.FindDevice(d.DeviceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d.LockState = models.LockStateUnlocked
		d.Online = true
		d.LastSeen = time.Now()
		if err := s.DB.Create(d).Error; err != nil {
			return nil, err
		}
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	patch := map[string]any{
		"username":   d.Username,
		"os":         d.OS,
		"model":      d.Model,
		"token_hash": d.TokenHash,
		"online":     true,
		"last_seen":  time.Now(),
	}
	if err := s.DB.Model(existing).Updates(patch).Error; err != nil {
		return nil, err
	}
	return s.FindDevice(d.DeviceID)
}

// CASUpdateDevice applies patch only if the row still carries the expected
// version, bumping the version in the same statement. RowsAffected == 0
// means another writer won the race.
func (s *Store) CASUpdateDevice(deviceID string, expectedVersion uint, patch map[string]any) error {
	patch["version"] = expectedVersion + 1
	res := s.DB.Model(&models.Device{}).
		Where("device_id = ? AND version = ?", deviceID, expectedVersion).
		Updates(patch)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// TouchPresence records a heartbeat: online, lastSeen, and a non-destructive
// merge of any supplied location fields (absent fields keep prior values).
func (s *Store) TouchPresence(deviceID string, location map[string]any) (*models.Device, error) {
	d, err := s.FindDevice(deviceID)
	if err != nil {
		return nil, err
	}
	patch := map[string]any{
		"online":    true,
		"last_seen": time.Now(),
	}
	if len(location) > 0 {
		merged := map[string]any{}
		if len(d.LastLocation) > 0 {
			_ = json.Unmarshal(d.LastLocation, &merged)
		}
		for k, v := range location {
			merged[k] = v
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return nil, err
		}
		patch["last_location"] = b
	}
	if err := s.DB.Model(d).Updates(patch).Error; err != nil {
		return nil, err
	}
	return s.FindDevice(deviceID)
}

func (s *Store) ListDevices() ([]models.Device, error) {
	var out []models.Device
	if err := s.DB.Order("updated_at desc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DailySummaryFor(deviceID, date string) (*models.DailySummary, error) {
	var sum models.DailySummary
	err := s.DB.Where("device_id = ? AND date = ?", deviceID, date).First(&sum).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.DailySummary{DeviceID: deviceID, Date: date}, nil
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *Store) UsageFor(deviceID, date string) ([]models.SoftwareUsage, error) {
	var out []models.SoftwareUsage
	err := s.DB.Where("device_id = ? AND date = ?", deviceID, date).
		Order("total_minutes desc, last_seen desc").Find(&out).Error
	return out, err
}

// RecordSnapshot folds one process snapshot into the usage rows: each seen
// name gets intervalMinutes added and lastSeen refreshed, then the daily
// summary count is recomputed.
func (s *Store) RecordSnapshot(deviceID, date string, names []string, intervalMinutes int) error {
	now := time.Now()
	for _, name := range names {
		var row models.SoftwareUsage
		err := s.DB.Where("device_id = ? AND date = ? AND software_name = ?", deviceID, date, name).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.SoftwareUsage{
				DeviceID:     deviceID,
				Date:         date,
				SoftwareName: name,
				TotalMinutes: intervalMinutes,
				FirstSeen:    now,
				LastSeen:     now,
			}
			if err := s.DB.Create(&row).Error; err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		updates := map[string]any{
			"total_minutes": row.TotalMinutes + intervalMinutes,
			"last_seen":     now,
		}
		if err := s.DB.Model(&row).Updates(updates).Error; err != nil {
			return err
		}
	}

	var count int64
	if err := s.DB.Model(&models.SoftwareUsage{}).
		Where("device_id = ? AND date = ?", deviceID, date).Count(&count).Error; err != nil {
		return err
	}
	sum := models.DailySummary{DeviceID: deviceID, Date: date, SoftwareCount: int(count)}
	var existing models.DailySummary
	err := s.DB.Where("device_id = ? AND date = ?", deviceID, date).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.DB.Create(&sum).Error
	}
	if err != nil {
		return err
	}
	return s.DB.Model(&existing).Update("software_count", int(count)).Error
}
