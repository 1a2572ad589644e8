// Package config loads and validates the daemon's single YAML
// configuration document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshadmin/revertit/internal/domain"
)

// Global holds daemon-wide settings not tied to any one category.
type Global struct {
	DefaultTimeout int    `yaml:"default_timeout"`
	MaxTimeout     int    `yaml:"max_timeout"`
	LogLevel       string `yaml:"log_level"`
}

// Snapshot holds the settings for the Snapshot Store.
type Snapshot struct {
	EnableSystemTool bool   `yaml:"enable_system_tool"`
	Location         string `yaml:"location"`
	MaxSnapshots     int    `yaml:"max_snapshots"`
	MaxAgeDays       int    `yaml:"max_age_days"`
}

// Timeout holds the settings for the Timeout Engine and the
// connectivity probe it gates on.
type Timeout struct {
	TimeoutAction         string   `yaml:"timeout_action"`
	ConnectivityCheck     bool     `yaml:"connectivity_check"`
	ConnectivityEndpoints []string `yaml:"connectivity_endpoints"`
	RevertGracePeriod     int      `yaml:"revert_grace_period"`
}

// CategoryPolicy is one entry of the monitoring.<category> tree, plus
// the policy fields a category carries.
type CategoryPolicy struct {
	Patterns             []string `yaml:"paths"`
	Timeout              int      `yaml:"timeout"`
	GracePeriod          int      `yaml:"grace_period"`
	ConnectivityRequired bool     `yaml:"connectivity_required"`
	Services             []string `yaml:"services"`
}

// Config is the root of the YAML document.
type Config struct {
	Global     Global                    `yaml:"global"`
	Snapshot   Snapshot                  `yaml:"snapshot"`
	Timeout    Timeout                   `yaml:"timeout"`
	Monitoring map[string]CategoryPolicy `yaml:"monitoring"`
}

// Default returns the built-in defaults, overlaid by the file on
// disk by Load.
func Default() Config {
	return Config{
		Global: Global{
			DefaultTimeout: 300,
			MaxTimeout:     1800,
			LogLevel:       "INFO",
		},
		Snapshot: Snapshot{
			EnableSystemTool: false,
			Location:         "/var/lib/meshadmin-revertit/snapshots",
			MaxSnapshots:     50,
			MaxAgeDays:       30,
		},
		Timeout: Timeout{
			TimeoutAction:         "revert",
			ConnectivityCheck:     true,
			ConnectivityEndpoints: []string{"8.8.8.8", "1.1.1.1"},
			RevertGracePeriod:     30,
		},
		Monitoring: map[string]CategoryPolicy{
			"network": {
				Patterns: []string{"/etc/network/*", "/etc/netplan/*.yaml", "/etc/NetworkManager/system-connections/*"},
				Timeout:  600,
				Services: []string{"networking"},
			},
			"ssh": {
				Patterns: []string{"/etc/ssh/sshd_config", "/etc/ssh/sshd_config.d/*"},
				Timeout:  900,
				Services: []string{"sshd"},
			},
			"firewall": {
				Patterns:             []string{"/etc/iptables/*", "/etc/nftables.conf", "/etc/ufw/*"},
				Timeout:              300,
				ConnectivityRequired: true,
				Services:             []string{"iptables-restore"},
			},
			"services": {
				Patterns: []string{"/etc/systemd/system/*.service"},
				Timeout:  300,
			},
			"other": {
				Patterns: []string{},
				Timeout:  300,
			},
		},
	}
}

// Load reads path, overlays it onto Default(), and validates the
// result. A missing file is not an error - the defaults stand alone.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, Validate(cfg)
		}
		return cfg, fmt.Errorf("%w: reading %s: %v", domain.ErrConfigInvalid, path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %v", domain.ErrConfigInvalid, path, err)
	}

	return cfg, Validate(cfg)
}

// Validate enforces the numeric and enum constraints from the
// configuration contract. Returns domain.ErrConfigInvalid on failure.
func Validate(cfg Config) error {
	if cfg.Global.DefaultTimeout < 1 {
		return fmt.Errorf("%w: global.default_timeout must be >= 1", domain.ErrConfigInvalid)
	}
	if cfg.Global.MaxTimeout > 1800 {
		return fmt.Errorf("%w: global.max_timeout must be <= 1800", domain.ErrConfigInvalid)
	}
	if cfg.Global.DefaultTimeout > cfg.Global.MaxTimeout {
		return fmt.Errorf("%w: global.default_timeout must be <= global.max_timeout", domain.ErrConfigInvalid)
	}
	switch cfg.Global.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("%w: global.log_level %q not recognized", domain.ErrConfigInvalid, cfg.Global.LogLevel)
	}
	if cfg.Snapshot.MaxSnapshots < 1 {
		return fmt.Errorf("%w: snapshot.max_snapshots must be >= 1", domain.ErrConfigInvalid)
	}
	if cfg.Snapshot.MaxAgeDays < 1 {
		return fmt.Errorf("%w: snapshot.max_age_days must be >= 1", domain.ErrConfigInvalid)
	}
	switch cfg.Timeout.TimeoutAction {
	case "revert", "warn":
	default:
		return fmt.Errorf("%w: timeout.timeout_action %q not recognized", domain.ErrConfigInvalid, cfg.Timeout.TimeoutAction)
	}
	if cfg.Timeout.RevertGracePeriod < 0 {
		return fmt.Errorf("%w: timeout.revert_grace_period must be >= 0", domain.ErrConfigInvalid)
	}
	for name, pol := range cfg.Monitoring {
		if pol.Timeout != 0 && (pol.Timeout < 1 || pol.Timeout > cfg.Global.MaxTimeout) {
			return fmt.Errorf("%w: monitoring.%s timeout out of [1, max_timeout]", domain.ErrConfigInvalid, name)
		}
	}
	return nil
}

// MaxAge converts Snapshot.MaxAgeDays into a time.Duration for the
// retention sweep.
func (s Snapshot) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeDays) * 24 * time.Hour
}

// ToPolicy converts one CategoryPolicy plus global fallbacks into the
// domain.Policy the Classifier and Ledger consume.
func (c Config) ToPolicy(category string) domain.Policy {
	pol, ok := c.Monitoring[category]
	timeoutSecs := c.Global.DefaultTimeout
	graceSecs := c.Timeout.RevertGracePeriod
	var services []string
	connReq := c.Timeout.ConnectivityCheck
	if ok {
		if pol.Timeout > 0 {
			timeoutSecs = pol.Timeout
		}
		if pol.GracePeriod > 0 {
			graceSecs = pol.GracePeriod
		}
		services = pol.Services
		if pol.ConnectivityRequired {
			connReq = true
		}
	}
	return domain.Policy{
		Name:                 category,
		Timeout:              time.Duration(timeoutSecs) * time.Second,
		GracePeriod:          time.Duration(graceSecs) * time.Second,
		ConnectivityRequired: connReq,
		RestartServices:      services,
	}
}
