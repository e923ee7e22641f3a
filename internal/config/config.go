// Package config loads and watches herald's configuration file.
//
// The file is YAML or JSON; YAML is coerced to JSON so both formats go
// through the same strict decoder and unknown keys are rejected either
// way. Durations are written as Go duration strings ("5s", "1m30s").
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type Config struct {
	// Listen is the HTTP listen address for the API and WebSocket endpoint.
	Listen string `json:"listen"`

	Logging  LoggingConfig  `json:"logging"`
	Discord  DiscordConfig  `json:"discord"`
	Dispatch DispatchConfig `json:"dispatch"`
	Roster   RosterConfig   `json:"roster"`
	Relay    RelayConfig    `json:"relay"`
	Storage  StorageConfig  `json:"storage"`
	Pprof    PprofConfig    `json:"pprof"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type DiscordConfig struct {
	// RequestsPerSec paces outgoing Discord REST calls. <= 0 disables
	// client-side pacing.
	RequestsPerSec int    `json:"requests_per_sec"`
	RequestTimeout string `json:"request_timeout"`
	// MemberLimit caps how many members are enumerated per guild.
	MemberLimit int `json:"member_limit"`
}

type DispatchConfig struct {
	// MaxDelay caps the caller-supplied delay between consecutive sends.
	MaxDelay string `json:"max_delay"`
	// StatusTTL controls how long finished batch statuses stay queryable.
	StatusTTL string `json:"status_ttl"`
}

type RosterConfig struct {
	// Parallelism bounds concurrent per-guild member fetches.
	Parallelism int `json:"parallelism"`
	// RefreshSchedule is an optional cron spec for periodic roster
	// refreshes of every known bot. Empty disables the schedule.
	RefreshSchedule string `json:"refresh_schedule"`
}

type RelayConfig struct {
	WriteTimeout string `json:"write_timeout"`
	IdleTimeout  string `json:"idle_timeout"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address"`
	BlockProfileRate     int    `json:"block_profile_rate"`
	MutexProfileFraction int    `json:"mutex_profile_fraction"`
}

func Default() *Config {
	return &Config{
		Listen: ":8080",
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Discord: DiscordConfig{
			RequestsPerSec: 5,
			RequestTimeout: "15s",
			MemberLimit:    1000,
		},
		Dispatch: DispatchConfig{
			MaxDelay:  "10s",
			StatusTTL: "1h",
		},
		Roster: RosterConfig{
			Parallelism: 4,
		},
		Relay: RelayConfig{
			WriteTimeout: "10s",
			IdleTimeout:  "90s",
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Pprof: PprofConfig{
			Address: "127.0.0.1:6060",
		},
	}
}

// Load reads path and merges it over the defaults. A missing file is not
// an error: herald runs fine on defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	jsonBytes, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, fmt.Errorf("parse config (%s): %w", format, err)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config (%s): %w", format, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("listen: must not be empty")
	}
	if c.Discord.RequestsPerSec < 0 {
		return errors.New("discord.requests_per_sec: must be >= 0")
	}
	if c.Discord.MemberLimit <= 0 {
		return errors.New("discord.member_limit: must be > 0")
	}
	if c.Roster.Parallelism <= 0 {
		return errors.New("roster.parallelism: must be > 0")
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"discord.request_timeout", c.Discord.RequestTimeout},
		{"dispatch.max_delay", c.Dispatch.MaxDelay},
		{"dispatch.status_ttl", c.Dispatch.StatusTTL},
		{"relay.write_timeout", c.Relay.WriteTimeout},
		{"relay.idle_timeout", c.Relay.IdleTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path: required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	return nil
}
