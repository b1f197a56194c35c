package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/keysync/internal/config"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which resets the global flag variables. Tests that execute commands must
// not run in parallel with each other.

// cliEnv points the CLI at a fresh store and, optionally, a config file. It
// isolates the test from the user's environment.
type cliEnv struct {
	store  string
	config string
}

func newCLIEnv(t *testing.T, configTOML string) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	env := &cliEnv{
		store:  filepath.Join(dir, "data", "store.db"),
		config: filepath.Join(dir, "config.toml"),
	}

	if configTOML != "" {
		require.NoError(t, os.WriteFile(env.config, []byte(configTOML), 0o600))
	}

	t.Setenv(config.EnvConfig, env.config)
	t.Setenv(config.EnvStore, "")
	t.Setenv(config.EnvLogLevel, "")

	return env
}

// run executes the CLI with args and returns what it wrote to stdout.
func (env *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	return env.runContext(context.Background(), nil, args...)
}

func (env *cliEnv) runContext(ctx context.Context, stdout *syncBuffer, args ...string) (string, error) {
	if stdout == nil {
		stdout = &syncBuffer{}
	}

	cmd := newRootCmd()
	cmd.SetOut(stdout)
	cmd.SetErr(stdout)
	cmd.SetArgs(append([]string{"--store", env.store, "--quiet"}, args...))

	err := cmd.ExecuteContext(ctx)

	return stdout.String(), err
}

// syncBuffer is a bytes.Buffer safe for a command writing on one goroutine
// while the test reads on another.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

// --- buildLogger ---

func TestBuildLogger_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level string
		flags CLIFlags
		want  slog.Level
	}{
		{"config info", "info", CLIFlags{}, slog.LevelInfo},
		{"config debug", "debug", CLIFlags{}, slog.LevelDebug},
		{"config warn", "warn", CLIFlags{}, slog.LevelWarn},
		{"config error", "error", CLIFlags{}, slog.LevelError},
		{"verbose wins", "error", CLIFlags{Verbose: true}, slog.LevelDebug},
		{"quiet wins", "debug", CLIFlags{Quiet: true}, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger := buildLogger(&bytes.Buffer{}, &config.LoggingConfig{LogLevel: tt.level, LogFormat: "text"}, tt.flags)

			assert.True(t, logger.Handler().Enabled(context.Background(), tt.want))
			assert.False(t, logger.Handler().Enabled(context.Background(), tt.want-1))
		})
	}
}

func TestBuildLogger_Formats(t *testing.T) {
	t.Parallel()

	var text, js, auto bytes.Buffer

	buildLogger(&text, &config.LoggingConfig{LogLevel: "info", LogFormat: "text"}, CLIFlags{}).Info("hello")
	buildLogger(&js, &config.LoggingConfig{LogLevel: "info", LogFormat: "json"}, CLIFlags{}).Info("hello")
	buildLogger(&auto, &config.LoggingConfig{LogLevel: "info", LogFormat: "auto"}, CLIFlags{}).Info("hello")

	assert.Contains(t, text.String(), "msg=hello")
	assert.Contains(t, js.String(), `"msg":"hello"`)

	// A buffer is not a terminal.
	assert.Contains(t, auto.String(), `"msg":"hello"`)
}

// --- key resolution ---

func TestResolveKey(t *testing.T) {
	t.Parallel()

	cc := &CLIContext{Cfg: config.DefaultConfig()}
	cc.Cfg.RootKey = "/apps/demo"

	assert.Equal(t, "/other", resolveKey(cc, "/other/"))
	assert.Equal(t, "/apps/demo/users/ann", resolveKey(cc, "users/ann"))
	assert.Equal(t, "/apps/demo", resolveKey(cc, ""))

	cc.Cfg.RootKey = "/"
	assert.Equal(t, "/x", resolveKey(cc, "x"))
}

// --- config loading ---

func TestLoadConfig_InvalidFileFails(t *testing.T) {
	env := newCLIEnv(t, `log_levle = "debug"`)

	_, err := env.run(t, "get", "/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
	assert.Contains(t, err.Error(), `did you mean "log_level"`)
}

func TestConfigShow(t *testing.T) {
	env := newCLIEnv(t, `root_key = "/apps"`)

	out, err := env.run(t, "config", "show")
	require.NoError(t, err)

	assert.Contains(t, out, "file: "+env.config)
	assert.Contains(t, out, `root_key        = "/apps"`)
	assert.Contains(t, out, `store_path      = "`+env.store+`"`)
}

func TestConfigShow_NoFile(t *testing.T) {
	env := newCLIEnv(t, "")

	out, err := env.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "no config file")
}

func TestRootCmd_VerboseAndQuietExclusive(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "--verbose", "config", "show")
	require.Error(t, err)
}
