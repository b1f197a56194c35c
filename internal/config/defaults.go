package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultPollInterval   = "2s"
	defaultRootKey        = "/"
	defaultNotifyDebounce = "0s"
	defaultMirrorDebounce = "200ms"
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		StoreConfig:   defaultStoreConfig(),
		SyncConfig:    defaultSyncConfig(),
		LoggingConfig: defaultLoggingConfig(),
	}
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{
		StorePath:    DefaultStorePath(),
		PollInterval: defaultPollInterval,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		RootKey:        defaultRootKey,
		NotifyDebounce: defaultNotifyDebounce,
		MirrorDebounce: defaultMirrorDebounce,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
