package agent

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the agent's on-disk configuration. The identity token is not in
// here: it is minted by the server at registration and persisted separately
// in the state dir with tight permissions.
type Config struct {
	ServerURL  string `yaml:"server_url"`
	BusAddr    string `yaml:"bus_addr"`
	DeviceID   string `yaml:"device_id"`
	StateDir   string `yaml:"state_dir"`
	OverlayBin string `yaml:"overlay_bin"`
	LockTitle  string `yaml:"lock_title"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ServerURL: "http://localhost:8080",
		BusAddr:   "localhost:9527",
		StateDir:  "./devlock-agent",
		LockTitle: "DEVICE LOCKED",
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	if cfg.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		cfg.DeviceID = hostname
	}
	if cfg.OverlayBin == "" {
		// Default to an overlay binary sitting next to the agent executable.
		exe, err := os.Executable()
		if err == nil {
			cfg.OverlayBin = filepath.Join(filepath.Dir(exe), "overlay")
		} else {
			cfg.OverlayBin = "overlay"
		}
	}
	return cfg, nil
}

func (c *Config) tokenPath() string {
	return filepath.Join(c.StateDir, "token")
}

// LoadToken returns the persisted identity token, or "" when the agent has
// never registered (or the state dir was wiped, which forces re-registration
// and thereby a fresh token).
func (c *Config) LoadToken() string {
	data, err := os.ReadFile(c.tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *Config) SaveToken(token string) error {
	if err := os.MkdirAll(c.StateDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.tokenPath(), []byte(token), 0o600)
}

func (c *Config) ClearToken() {
	_ = os.Remove(c.tokenPath())
}
