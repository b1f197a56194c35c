// Package mirror keeps a JSON file in step with a sync engine. Model changes
// are written to the file; edits to the file are written back to the key,
// with fields deleted from the file removed from the key.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/keysync/internal/keypath"
	"github.com/tonimelisma/keysync/internal/model"
	ksync "github.com/tonimelisma/keysync/internal/sync"
)

// ErrKeyRemoved is returned by Run when the mirrored key was removed from
// the store.
var ErrKeyRemoved = errors.New("mirror: key removed")

// DefaultDebounce is the quiet period after the last file event before the
// file is read back.
const DefaultDebounce = 200 * time.Millisecond

// Watcher error backoff.
const (
	watchErrInitBackoff = 100 * time.Millisecond
	watchErrMaxBackoff  = 5 * time.Second
	watchErrBackoffMult = 2
)

// Config holds the options for New.
type Config struct {
	Path     string        // the JSON file; its directory must exist
	Debounce time.Duration // zero selects DefaultDebounce
	Logger   *slog.Logger
}

// Mirror binds one file to one engine. Use Notify as the engine factory's
// notifier, then call Run.
type Mirror struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	modelChanged chan struct{}

	mu          sync.Mutex
	lastWritten []byte
}

// New creates a Mirror for cfg.Path.
func New(cfg Config) *Mirror {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Mirror{
		path:         filepath.Clean(cfg.Path),
		debounce:     debounce,
		logger:       logger.With(slog.String("file", cfg.Path)),
		modelChanged: make(chan struct{}, 1),
	}
}

// Notify records that the engine's model changed. It never blocks and is
// meant to be the engine's sync.Notifier.
func (m *Mirror) Notify(*ksync.Engine) {
	select {
	case m.modelChanged <- struct{}{}:
	default:
	}
}

// Run initializes e, writes its model to the file, and then mirrors changes
// in both directions until ctx is canceled (returning nil) or the key is
// removed (returning ErrKeyRemoved). The store's content wins at start.
func (m *Mirror) Run(ctx context.Context, e *ksync.Engine) error {
	if _, err := e.Initialize(ctx); err != nil {
		return fmt.Errorf("mirror: %w", err)
	}

	if err := m.writeModel(e); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mirror: creating watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("mirror: watching %s: %w", filepath.Dir(m.path), err)
	}

	m.logger.Info("mirror started", slog.String("key", e.Name()))

	fileChanged := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.watchLoop(gctx, watcher, fileChanged)
	})

	g.Go(func() error {
		return m.syncLoop(gctx, e, fileChanged)
	})

	err = g.Wait()

	m.logger.Info("mirror stopped")

	return err
}

// watchLoop turns fsnotify events for the mirrored file into signals on
// fileChanged.
func (m *Mirror) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, fileChanged chan<- struct{}) error {
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != m.path {
				continue
			}

			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}

			select {
			case fileChanged <- struct{}{}:
			default:
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			m.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := sleep(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)
		}
	}
}

// syncLoop debounces file signals into reads and writes the file whenever
// the engine reports a change.
func (m *Mirror) syncLoop(ctx context.Context, e *ksync.Engine, fileChanged <-chan struct{}) error {
	timer := time.NewTimer(m.debounce)
	timer.Stop() // start idle
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-fileChanged:
			timer.Reset(m.debounce)

		case <-timer.C:
			if err := m.readFile(ctx, e); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				m.logger.Warn("file change not applied", slog.String("error", err.Error()))
			}

		case <-m.modelChanged:
			if e.State() == ksync.StateDestroyed {
				// Leave the emptied model in the file before stopping.
				if err := m.writeModel(e); err != nil {
					m.logger.Warn("final write failed", slog.String("error", err.Error()))
				}

				m.logger.Info("mirrored key removed", slog.String("key", e.Name()))

				return ErrKeyRemoved
			}

			if err := m.writeModel(e); err != nil {
				m.logger.Warn("model not written", slog.String("error", err.Error()))
			}
		}
	}
}

// writeModel writes the engine's model to the file unless the file already
// holds exactly that content.
func (m *Mirror) writeModel(e *ksync.Engine) error {
	data, err := encodeModel(e.Snapshot())
	if err != nil {
		return err
	}

	current, err := readFile(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if bytes.Equal(current, data) {
		m.lastWritten = data
		return nil
	}

	if err := atomicWriteFile(m.path, data); err != nil {
		return err
	}

	m.lastWritten = data

	m.logger.Debug("file written", slog.Int("bytes", len(data)))

	return nil
}

// readFile applies the file's content to the key: fields present in the
// model but missing from the file are removed, then the root is set to the
// file's value. Content the mirror wrote itself is ignored, and a file that
// does not parse is left for the next edit.
func (m *Mirror) readFile(ctx context.Context, e *ksync.Engine) error {
	data, err := readFile(m.path)
	if err != nil {
		return err
	}

	if data == nil {
		m.logger.Debug("file missing, waiting for next model change")
		return nil
	}

	m.mu.Lock()
	echo := bytes.Equal(data, m.lastWritten)
	m.mu.Unlock()

	if echo {
		return nil
	}

	v, err := decodeFile(data)
	if err != nil {
		return fmt.Errorf("mirror: parsing %s: %w", m.path, err)
	}

	if v.Kind() == model.KindMap {
		for _, segs := range model.Removed(e.Snapshot(), v.Map()) {
			name := keypath.Join(keypath.Root, segs...)
			if err := e.Key().Key(name).Remove(ctx); err != nil {
				return fmt.Errorf("mirror: removing %s: %w", name, err)
			}
		}
	}

	if err := e.Set(ctx, v); err != nil {
		return fmt.Errorf("mirror: %w", err)
	}

	m.mu.Lock()
	m.lastWritten = data
	m.mu.Unlock()

	m.logger.Info("file change applied", slog.String("key", e.Name()))

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
