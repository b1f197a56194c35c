// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for keysync. Values are resolved through
// a four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// All keys are flat; the embedded structs only group related settings.
type Config struct {
	StoreConfig
	SyncConfig
	LoggingConfig
}

// StoreConfig controls where the store journal lives and how often other
// processes' writes are picked up.
type StoreConfig struct {
	StorePath    string `toml:"store_path"`
	PollInterval string `toml:"poll_interval"`
}

// SyncConfig controls engine behavior for the CLI commands.
type SyncConfig struct {
	RootKey        string `toml:"root_key"`
	NotifyDebounce string `toml:"notify_debounce"`
	MirrorDebounce string `toml:"mirror_debounce"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	StorePath  *string // --store flag
	LogLevel   *string // derived from --verbose / --quiet
}

// PollDuration returns poll_interval as a duration. Zero disables polling.
// It must only be called on a validated Config.
func (c *StoreConfig) PollDuration() time.Duration {
	return mustDuration(c.PollInterval)
}

// NotifyDuration returns notify_debounce as a duration. Zero means
// notifications are delivered immediately.
func (c *SyncConfig) NotifyDuration() time.Duration {
	return mustDuration(c.NotifyDebounce)
}

// MirrorDuration returns mirror_debounce as a duration.
func (c *SyncConfig) MirrorDuration() time.Duration {
	return mustDuration(c.MirrorDebounce)
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
