// Package config holds the hub's runtime configuration. Configuration
// is flag-only, matching the teacher's own hub: no layered sources are
// needed since every value the hub reads at startup is either a flag
// or a tunable the timeout/cache packages own themselves.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the hub's runtime configuration.
type Config struct {
	Addr    string // Listen address (e.g. ":8420")
	DataDir string // Data directory for the SQLite database

	LivenessWindow     time.Duration // max age of activeAt before a session/machine is demoted
	HeartbeatCoalesce  time.Duration // minimum gap between session-updated broadcasts from heartbeats
	DeliveryHeartbeat  time.Duration // interval between subscription heartbeat frames
	PermissionTimeout  time.Duration // age at which a pending permission request is auto-cancelled
	AliveSweepInterval time.Duration // cadence of the AliveMonitor sweep
}

// DefineFlags registers command-line flags for hub configuration. Call
// flag.Parse() separately after defining all flags.
func DefineFlags() *Config {
	c := &Config{}
	flag.StringVar(&c.Addr, "addr", ":8420", "listen address")
	flag.StringVar(&c.DataDir, "data-dir", defaultDataDir(), "data directory")
	flag.DurationVar(&c.LivenessWindow, "liveness-window", 30*time.Second, "liveness window for active sessions/machines")
	flag.DurationVar(&c.HeartbeatCoalesce, "heartbeat-coalesce", 10*time.Second, "minimum gap between heartbeat-driven session-updated broadcasts")
	flag.DurationVar(&c.DeliveryHeartbeat, "delivery-heartbeat", 30*time.Second, "interval between subscription heartbeat frames")
	flag.DurationVar(&c.PermissionTimeout, "permission-timeout", 30*time.Minute, "age at which a pending permission request is auto-cancelled")
	flag.DurationVar(&c.AliveSweepInterval, "alive-sweep-interval", 5*time.Second, "cadence of the liveness sweep")
	return c
}

// Validate checks the configuration values and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agentsync", "hub")
	}
	return filepath.Join(home, ".config", "agentsync", "hub")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "hub.db")
}
