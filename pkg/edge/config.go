package edge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MinerTarget is one device the collector polls.
type MinerTarget struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"` // host:port of the CGMiner API
}

// Config is the on-prem agent configuration file.
type Config struct {
	ServerURL    string `yaml:"server_url"`
	CollectorKey string `yaml:"collector_key"` // hsc_<token>
	DeviceID     string `yaml:"device_id"`
	HMACSecret   string `yaml:"hmac_secret"`
	DataDir      string `yaml:"data_dir"`

	PollIntervalS int `yaml:"poll_interval_s"` // default 60
	JitterS       int `yaml:"jitter_s"`        // default 10
	Workers       int `yaml:"workers"`         // default 20

	Miners []MinerTarget `yaml:"miners"`
}

// LoadConfig reads and validates the agent configuration.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("config: server_url is required")
	}
	if cfg.CollectorKey == "" {
		return nil, fmt.Errorf("config: collector_key is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("config: device_id is required")
	}
	if cfg.PollIntervalS <= 0 {
		cfg.PollIntervalS = 60
	}
	if cfg.JitterS <= 0 {
		cfg.JitterS = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 20
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	return &cfg, nil
}

// PollInterval returns the cycle period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS) * time.Second
}

// Jitter returns the cycle jitter bound.
func (c *Config) Jitter() time.Duration {
	return time.Duration(c.JitterS) * time.Second
}
