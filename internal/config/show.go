package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration to w as TOML-style
// lines. This powers the "config show" command.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	if path != "" {
		ew.printf("# Effective configuration (file: %s)\n\n", path)
	} else {
		ew.printf("# Effective configuration (no config file)\n\n")
	}

	ew.printf("store_path      = %q\n", cfg.StorePath)
	ew.printf("poll_interval   = %q\n", cfg.PollInterval)
	ew.printf("root_key        = %q\n", cfg.RootKey)
	ew.printf("notify_debounce = %q\n", cfg.NotifyDebounce)
	ew.printf("mirror_debounce = %q\n", cfg.MirrorDebounce)
	ew.printf("log_level       = %q\n", cfg.LogLevel)
	ew.printf("log_format      = %q\n", cfg.LogFormat)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
