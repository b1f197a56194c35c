package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "KEYSYNC_CONFIG"
	EnvStore    = "KEYSYNC_STORE"
	EnvLogLevel = "KEYSYNC_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // KEYSYNC_CONFIG: override config file path
	StorePath  string // KEYSYNC_STORE: store database override
	LogLevel   string // KEYSYNC_LOG_LEVEL: log level override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		StorePath:  os.Getenv(EnvStore),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
