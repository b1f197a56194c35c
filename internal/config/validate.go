package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tonimelisma/keysync/internal/keypath"
)

// Validation range constants.
const (
	minPollInterval   = 100 * time.Millisecond
	minMirrorDebounce = 10 * time.Millisecond
	maxDebounce       = time.Minute
)

// Validate checks all configuration values and returns all errors found,
// so a user can fix every problem in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStore(&cfg.StoreConfig)...)
	errs = append(errs, validateSync(&cfg.SyncConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)

	return errors.Join(errs...)
}

func validateStore(s *StoreConfig) []error {
	var errs []error

	// Empty keeps the store in memory.
	if s.StorePath != "" && !filepath.IsAbs(s.StorePath) {
		errs = append(errs, fmt.Errorf("store_path: must be absolute, got %q", s.StorePath))
	}

	// Zero disables cross-process polling.
	if d, err := time.ParseDuration(s.PollInterval); err != nil {
		errs = append(errs, fmt.Errorf("poll_interval: invalid duration %q: %w", s.PollInterval, err))
	} else if d != 0 && d < minPollInterval {
		errs = append(errs, fmt.Errorf("poll_interval: must be 0 or >= %s, got %s", minPollInterval, d))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.RootKey == "" || s.RootKey[0] != '/' {
		errs = append(errs, fmt.Errorf("root_key: must start with /, got %q", s.RootKey))
	} else if keypath.Clean(s.RootKey) != s.RootKey {
		errs = append(errs, fmt.Errorf("root_key: must be a clean key path, got %q (use %q)",
			s.RootKey, keypath.Clean(s.RootKey)))
	}

	errs = append(errs, validateDurationRange("notify_debounce", s.NotifyDebounce, 0, maxDebounce)...)
	errs = append(errs, validateDurationRange("mirror_debounce", s.MirrorDebounce, minMirrorDebounce, maxDebounce)...)

	return errs
}

func validateDurationRange(field, value string, minimum, maximum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum || d > maximum {
		return []error{fmt.Errorf("%s: must be between %s and %s, got %s", field, minimum, maximum, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
