package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/keysync/internal/model"
	"github.com/tonimelisma/keysync/internal/store"
)

// defaultCompactKeep is how many journal changes compact leaves in place.
const defaultCompactKeep = 1000

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored at a key",
		Long:  `Print the value stored at a key as JSON or YAML. A key that holds nothing prints null.`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}

	cmd.Flags().String("format", formatJSON, "output format: json or yaml")

	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [key]",
		Short: "List the children of a key",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <json>",
		Short: "Replace the value at a key",
		Long: `Replace the value at a key with a JSON document. Use "-" to read the
document from stdin. Arrays are stored as objects keyed by index.`,
		Args: cobra.ExactArgs(2),
		RunE: runSet,
	}
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <key> <json>",
		Short: "Add a value under a key with a generated, time-ordered name",
		Args:  cobra.ExactArgs(2),
		RunE:  runAdd,
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a key and everything below it",
		Args:  cobra.ExactArgs(1),
		RunE:  runRm,
	}
}

func newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop old entries from the store's change journal",
		Long: `Drop old entries from the store's change journal, keeping the newest ones.
Processes that have not yet polled a dropped change will miss it, so run this
while no other keysync process is behind.`,
		Args: cobra.NoArgs,
		RunE: runCompact,
	}

	cmd.Flags().Int64("keep", defaultCompactKeep, "number of newest changes to keep")

	return cmd
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	format, _ := cmd.Flags().GetString("format")
	key := resolveKey(cc, args[0])

	return withStore(cmd.Context(), cc, func(s *store.Store) error {
		v, err := s.Session().Key(key).Get(cmd.Context())
		if err != nil {
			return err
		}

		return printValue(cmd.OutOrStdout(), v, format)
	})
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	key := cc.Cfg.RootKey
	if len(args) == 1 {
		key = resolveKey(cc, args[0])
	}

	return withStore(cmd.Context(), cc, func(s *store.Store) error {
		v, err := s.Session().Key(key).Get(cmd.Context())
		if err != nil {
			return err
		}

		if v.Kind() != model.KindMap {
			return fmt.Errorf("%s holds a %s, not an object", key, v.Kind())
		}

		rows := make([][]string, 0, v.Map().Len())
		for name, child := range v.Map().All() {
			rows = append(rows, []string{name, child.Kind().String(), summarize(child)})
		}

		printTable(cmd.OutOrStdout(), []string{"NAME", "KIND", "VALUE"}, rows)

		return nil
	})
}

func runSet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	key := resolveKey(cc, args[0])

	v, err := parseValueArg(cmd.InOrStdin(), args[1])
	if err != nil {
		return err
	}

	return withStore(cmd.Context(), cc, func(s *store.Store) error {
		if err := s.Session().Key(key).Set(cmd.Context(), v); err != nil {
			return err
		}

		cc.Logger.Debug("value set", slog.String("key", key))
		cc.Statusf("Set %s\n", key)

		return nil
	})
}

func runAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	key := resolveKey(cc, args[0])

	v, err := parseValueArg(cmd.InOrStdin(), args[1])
	if err != nil {
		return err
	}

	return withStore(cmd.Context(), cc, func(s *store.Store) error {
		added, err := s.Session().Key(key).Add(cmd.Context(), v)
		if err != nil {
			return err
		}

		// The new key goes to stdout so scripts can capture it.
		fmt.Fprintln(cmd.OutOrStdout(), added.Name())

		return nil
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	key := resolveKey(cc, args[0])

	return withStore(cmd.Context(), cc, func(s *store.Store) error {
		if err := s.Session().Key(key).Remove(cmd.Context()); err != nil {
			return err
		}

		cc.Statusf("Removed %s\n", key)

		return nil
	})
}

func runCompact(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	keep, _ := cmd.Flags().GetInt64("keep")

	if keep < 0 {
		return fmt.Errorf("%w: --keep must be >= 0, got %d", errUsage, keep)
	}

	return withStore(cmd.Context(), cc, func(s *store.Store) error {
		removed, err := s.Compact(cmd.Context(), keep)
		if err != nil {
			return err
		}

		cc.Statusf("Dropped %d journal entries\n", removed)

		return nil
	})
}

// parseValueArg parses a JSON command-line argument, reading stdin for "-".
func parseValueArg(stdin io.Reader, arg string) (model.Value, error) {
	data := []byte(arg)

	if arg == "-" {
		var err error

		data, err = io.ReadAll(stdin)
		if err != nil {
			return model.Value{}, fmt.Errorf("reading stdin: %w", err)
		}
	}

	v, err := model.ParseJSON(data)
	if err != nil {
		return model.Value{}, fmt.Errorf("%w: invalid JSON value: %w", errUsage, err)
	}

	return v, nil
}
