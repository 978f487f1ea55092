// Package config defines all configuration structures for the broadcast
// backend.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full backend configuration.
type Config struct {
	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`

	// DatabasePath is the SQLite database file for campaigns, delivery
	// jobs and pending inbound messages.
	DatabasePath string `yaml:"database_path"`

	// Sessions configures the session state machine.
	Sessions SessionConfig `yaml:"sessions"`

	// Delivery configures the bulk delivery scheduler.
	Delivery DeliveryConfig `yaml:"delivery"`

	// Recovery configures the pending-inbound recovery pipeline.
	Recovery RecoveryConfig `yaml:"recovery"`

	// AutoReply configures the default keyword responder.
	AutoReply AutoReplyConfig `yaml:"auto_reply"`
}

// LoggingConfig selects handler format and level.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// SessionConfig configures connection, pairing and restore behavior.
type SessionConfig struct {
	// Dir is the directory holding per-tenant session credentials.
	Dir string `yaml:"dir"`

	// PairingTimeout aborts a connect attempt stalled in pairing.
	PairingTimeout time.Duration `yaml:"pairing_timeout"`

	// PairingPollBase is the first pairing-token poll interval; each
	// subsequent poll backs off by PairingPollFactor, never exceeding
	// PairingPollCap.
	PairingPollBase   time.Duration `yaml:"pairing_poll_base"`
	PairingPollFactor float64       `yaml:"pairing_poll_factor"`
	PairingPollCap    time.Duration `yaml:"pairing_poll_cap"`
	PairingPollMax    int           `yaml:"pairing_poll_max"`

	// RestoreTimeout bounds the wait for open during Restore.
	RestoreTimeout time.Duration `yaml:"restore_timeout"`

	// ReconnectWait bounds the quick-reconnect attempt on a
	// disconnected-but-reconnectable handle before starting fresh.
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DeliveryConfig configures the campaign worker pool.
type DeliveryConfig struct {
	// BatchSize is the number of contacts per batch.
	BatchSize int `yaml:"batch_size"`

	// BatchDelay is inserted between batches.
	BatchDelay time.Duration `yaml:"batch_delay"`

	// InitialSettle delays the first send of a campaign to protect a
	// freshly opened session.
	InitialSettle time.Duration `yaml:"initial_settle"`

	// JitterMax is the upper bound of the randomized per-job delay.
	JitterMax time.Duration `yaml:"jitter_max"`

	// MaxAttempts is the per-job retry ceiling.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the base of the exponential per-job retry delay.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RecoveryConfig configures missed-inbound replay.
type RecoveryConfig struct {
	// SettleDelay is how long after a session opens before pending
	// messages are replayed.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// MaxAttempts caps how often a failed record may be retried.
	MaxAttempts int `yaml:"max_attempts"`

	// Retention bounds how long processed records and terminal delivery
	// jobs are kept before the janitor purges them.
	Retention time.Duration `yaml:"retention"`

	// JanitorSchedule is the cron expression for the retention sweep.
	JanitorSchedule string `yaml:"janitor_schedule"`
}

// AutoReplyConfig holds the keyword rules for the default responder.
type AutoReplyConfig struct {
	// Rules maps a lowercase keyword to a canned response.
	Rules map[string]string `yaml:"rules"`
	// Fallback is sent when no rule matches. Empty disables fallback.
	Fallback string `yaml:"fallback"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Logging:      LoggingConfig{Level: "info", Format: "json"},
		DatabasePath: "./data/broadcast.db",
		Sessions: SessionConfig{
			Dir:               "./sessions",
			PairingTimeout:    60 * time.Second,
			PairingPollBase:   500 * time.Millisecond,
			PairingPollFactor: 1.5,
			PairingPollCap:    5 * time.Second,
			PairingPollMax:    20,
			RestoreTimeout:    30 * time.Second,
			ReconnectWait:     5 * time.Second,
		},
		Delivery: DeliveryConfig{
			BatchSize:     5,
			BatchDelay:    8 * time.Second,
			InitialSettle: 3 * time.Second,
			JitterMax:     2 * time.Second,
			MaxAttempts:   3,
			RetryBackoff:  2 * time.Second,
		},
		Recovery: RecoveryConfig{
			SettleDelay:     5 * time.Second,
			MaxAttempts:     3,
			Retention:       7 * 24 * time.Hour,
			JanitorSchedule: "@hourly",
		},
	}
}

// Load reads a YAML config file, layered over DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
