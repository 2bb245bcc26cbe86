// Package config provides configuration types and loading for steersman.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Queue, Routing, Drain, Relay.
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Queue   QueueConfig   `json:"queue"`
	Routing RoutingConfig `json:"routing"`
	Drain   DrainConfig   `json:"drain"`
	Relay   RelayConfig   `json:"relay"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem path settings. Home defaults to
// ~/.steersman; the other paths default relative to it.
type PathsConfig struct {
	Home string `json:"home" envconfig:"HOME_DIR"`
}

// ---------------------------------------------------------------------------
// Queue – durable delivery backend
// ---------------------------------------------------------------------------

// QueueConfig selects and tunes the queue backend.
// Backend is "file" (default) or "sqlite".
type QueueConfig struct {
	Backend    string `json:"backend" envconfig:"QUEUE_BACKEND"`
	Dir        string `json:"dir" envconfig:"QUEUE_DIR"`
	DBPath     string `json:"dbPath" envconfig:"QUEUE_DB"`
	JournalDir string `json:"journalDir" envconfig:"JOURNAL_DIR"`

	BaseDelaySeconds int `json:"baseDelaySeconds" envconfig:"QUEUE_BASE_DELAY_SECONDS"`
	MaxDelaySeconds  int `json:"maxDelaySeconds" envconfig:"QUEUE_MAX_DELAY_SECONDS"`
	MaxAttempts      int `json:"maxAttempts" envconfig:"QUEUE_MAX_ATTEMPTS"`
}

// BaseDelay returns the configured base backoff delay.
func (c QueueConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the configured backoff cap.
func (c QueueConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Routing – rule engine and organizational directory
// ---------------------------------------------------------------------------

// RoutingConfig locates the routing rule / directory database.
type RoutingConfig struct {
	DBPath string `json:"dbPath" envconfig:"ROUTING_DB"`
}

// ---------------------------------------------------------------------------
// Drain – consumer loop
// ---------------------------------------------------------------------------

// DrainConfig tunes the drain worker. Scope names the processed-message
// journal namespace so independent drain deployments keep separate ledgers.
type DrainConfig struct {
	IntervalSeconds int    `json:"intervalSeconds" envconfig:"DRAIN_INTERVAL_SECONDS"`
	Scope           string `json:"scope" envconfig:"DRAIN_SCOPE"`
}

// Interval returns the poll interval.
func (c DrainConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Relay – Kafka mirror of routed messages
// ---------------------------------------------------------------------------

// RelayConfig configures the optional Kafka mirror. Disabled by default.
type RelayConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"RELAY_ENABLED"`
	Brokers   string `json:"brokers" envconfig:"RELAY_BROKERS"`
	GroupName string `json:"groupName" envconfig:"RELAY_GROUP_NAME"`
}
