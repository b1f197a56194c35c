package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/keysync/internal/config"
	"github.com/tonimelisma/keysync/internal/keypath"
	"github.com/tonimelisma/keysync/internal/store"
	ksync "github.com/tonimelisma/keysync/internal/sync"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagStorePath  string
	flagVerbose    bool
	flagQuiet      bool
)

// dataDirPermissions matches the standard directory permissions (owner rwx,
// group/other rx).
const dataDirPermissions = 0o755

// CLIFlags are the persistent flags every command can consult.
type CLIFlags struct {
	Verbose bool
	Quiet   bool
}

// CLIContext carries the resolved configuration and logger to subcommands.
// It is attached to the command context by the root pre-run hook.
type CLIContext struct {
	Cfg     *config.Config
	CfgPath string
	Flags   CLIFlags
	Logger  *slog.Logger
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext installed by the root pre-run hook.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("keysync: command context has no CLIContext")
	}

	return cc
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keysync",
		Short:   "Hierarchical key-value store with live model sync",
		Long:    "Read and write a hierarchical key-value store, and keep local models or files in sync with a key.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagStorePath, "store", "", "store database path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newMirrorCmd())
	cmd.AddCommand(newCompactCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and installs a CLIContext on the command.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	if cmd.Flags().Changed("store") {
		cli.StorePath = &flagStorePath
	}

	env := config.ReadEnvOverrides()

	cfg, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfgPath := config.DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if flagConfigPath != "" {
		cfgPath = flagConfigPath
	}

	if _, statErr := os.Stat(cfgPath); statErr != nil {
		cfgPath = ""
	}

	flags := CLIFlags{Verbose: flagVerbose, Quiet: flagQuiet}

	cc := &CLIContext{
		Cfg:     cfg,
		CfgPath: cfgPath,
		Flags:   flags,
		Logger:  buildLogger(os.Stderr, &cfg.LoggingConfig, flags),
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger from the logging config. --verbose and
// --quiet override the configured level. The "auto" format writes text to a
// terminal and JSON otherwise.
func buildLogger(w io.Writer, cfg *config.LoggingConfig, flags CLIFlags) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(w, cfg.LogFormat) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func useJSONLogs(w io.Writer, format string) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)

	return !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// openStore opens the configured store, creating its directory on first use.
func openStore(ctx context.Context, cc *CLIContext) (*store.Store, error) {
	path := cc.Cfg.StorePath
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), dataDirPermissions); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	// A zero poll interval disables polling.
	poll := cc.Cfg.PollDuration()
	if poll == 0 {
		poll = -1
	}

	s, err := store.Open(ctx, store.Config{
		Path:         path,
		PollInterval: poll,
		Logger:       cc.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return s, nil
}

// withStore opens the store, runs fn, and closes the store, reporting a close
// failure only if fn succeeded.
func withStore(ctx context.Context, cc *CLIContext, fn func(*store.Store) error) (err error) {
	s, err := openStore(ctx, cc)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := s.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing store: %w", closeErr)
		}
	}()

	return fn(s)
}

// resolveKey maps a command-line key to a store path. Absolute keys are used
// as given; relative keys are taken below root_key.
func resolveKey(cc *CLIContext, arg string) string {
	if strings.HasPrefix(arg, keypath.Root) {
		return keypath.Clean(arg)
	}

	return keypath.Join(cc.Cfg.RootKey, arg)
}

// newFactory builds an engine factory whose notifications are batched by
// notify_debounce.
func newFactory(cc *CLIContext, notify ksync.Notifier) *ksync.Factory {
	var scheduler ksync.Scheduler = ksync.Immediate
	if d := cc.Cfg.NotifyDuration(); d > 0 {
		scheduler = ksync.Debounce(d)
	}

	return ksync.NewFactory(ksync.FactoryConfig{
		Notifier:  notify,
		Scheduler: scheduler,
		Logger:    cc.Logger,
	})
}

// errUsage marks errors caused by bad arguments.
var errUsage = errors.New("usage")

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if errors.Is(err, errUsage) {
		os.Exit(2)
	}

	os.Exit(1)
}
