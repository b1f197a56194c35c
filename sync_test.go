package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/keysync/internal/model"
	"github.com/tonimelisma/keysync/internal/store"
)

const waitFor = 5 * time.Second

// openPeer opens the CLI's store the way another process would.
func openPeer(t *testing.T, env *cliEnv) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), store.Config{Path: env.store, PollInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestWatch_PrintsChangesUntilKeyRemoved(t *testing.T) {
	env := newCLIEnv(t, `poll_interval = "100ms"`)

	_, err := env.run(t, "set", "/w", `{"a": 1}`)
	require.NoError(t, err)

	out := &syncBuffer{}
	done := make(chan error, 1)

	go func() {
		_, err := env.runContext(context.Background(), out, "watch", "/w")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"a": 1`)
	}, waitFor, 10*time.Millisecond)

	peer := openPeer(t, env).Session()
	require.NoError(t, peer.Key("/w/b").Set(context.Background(), model.Bool(true)))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"b": true`)
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, peer.Key("/w").Remove(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.Fail(t, "watch did not stop after its key was removed")
	}

	assert.True(t, strings.HasSuffix(out.String(), "{}\n"), "last output is the emptied model: %q", out.String())
}

func TestWatch_StopsOnCancel(t *testing.T) {
	env := newCLIEnv(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)

	go func() {
		_, err := env.runContext(ctx, out, "watch", "--format", "yaml", "/counter")
		done <- err
	}()

	// A missing key is watched as a null primitive.
	require.Eventually(t, func() bool {
		return out.String() == "null\n"
	}, waitFor, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.Fail(t, "watch did not stop on cancel")
	}
}

func TestWatch_UnknownFormat(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "watch", "--format", "xml", "/w")
	require.ErrorIs(t, err, errUsage)
}

func TestMirror_WritesFileAndHoldsLock(t *testing.T) {
	env := newCLIEnv(t, `mirror_debounce = "20ms"`)

	_, err := env.run(t, "set", "/doc", `{"a": 1}`)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "doc.json")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := env.runContext(ctx, nil, "mirror", "/doc", file)
		done <- err
	}()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(file)
		return err == nil && string(data) == "{\n  \"a\": 1\n}\n"
	}, waitFor, 10*time.Millisecond)

	// A second mirror of the same file is refused.
	_, lockErr := acquireLock(file + lockSuffix)
	require.Error(t, lockErr)
	assert.Contains(t, lockErr.Error(), "already running")

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.Fail(t, "mirror did not stop on cancel")
	}

	_, statErr := os.Stat(file + lockSuffix)
	assert.True(t, os.IsNotExist(statErr), "lock file removed on exit")
}

func TestMirror_StopsWhenKeyRemoved(t *testing.T) {
	env := newCLIEnv(t, "poll_interval = \"100ms\"\nmirror_debounce = \"20ms\"\n")

	_, err := env.run(t, "set", "/doc", `{"a": 1}`)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "doc.json")
	done := make(chan error, 1)

	go func() {
		_, err := env.runContext(context.Background(), nil, "mirror", "/doc", file)
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(file)
		return err == nil
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, openPeer(t, env).Session().Key("/doc").Remove(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.Fail(t, "mirror did not stop after its key was removed")
	}

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}
