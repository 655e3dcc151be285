// Package config loads server configuration from a YAML file plus DEVLOCK_*
// environment overrides, and hot-reloads the operational tunables (unlock
// TTL, default lock message) when the file changes on disk.
package config

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	mu sync.RWMutex
	v  *viper.Viper
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("bus.addr", ":9527")
	v.SetDefault("db.dsn", "devlock.db")
	v.SetDefault("lock.ttl_minutes", 30)
	v.SetDefault("lock.default_message", "This device is locked by Admin. Please contact IT support.")
	v.SetDefault("presence.offline_after", "2m")
	v.SetDefault("usage.interval_minutes", 1)

	v.SetEnvPrefix("DEVLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{v: v}
	if path != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			c.mu.Lock()
			defer c.mu.Unlock()
			slog.Info("config reloaded", "file", e.Name)
		})
		v.WatchConfig()
	}
	return c, nil
}

func (c *Config) HTTPAddr() string { return c.str("http.addr") }
func (c *Config) BusAddr() string  { return c.str("bus.addr") }
func (c *Config) DBDSN() string    { return c.str("db.dsn") }

// Secrets are read once at startup; rotating them is out of scope.
func (c *Config) DeviceTokenSecret() string { return c.str("secrets.device_token") }
func (c *Config) UnlockCodeSecret() string  { return c.str("secrets.unlock_code") }
func (c *Config) AdminKeyBcrypt() string    { return c.str("secrets.admin_key_bcrypt") }

// UnlockTTL and DefaultLockMessage are hot-reloadable.
func (c *Config) UnlockTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.v.GetInt("lock.ttl_minutes")) * time.Minute
}

func (c *Config) DefaultLockMessage() string { return c.str("lock.default_message") }

func (c *Config) OfflineAfter() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetDuration("presence.offline_after")
}

func (c *Config) UsageIntervalMinutes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetInt("usage.interval_minutes")
}

func (c *Config) str(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetString(key)
}
