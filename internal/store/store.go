// Package store is an in-process hierarchical key-value store that
// implements the key handle contract the sync engine consumes. Keys are
// slash-separated paths; a key holds a scalar or a map of child keys.
//
// Writes are applied in order under one lock, and the events they cause are
// delivered by a single dispatcher goroutine, so listeners of one store never
// run concurrently. With a journal path the tree is persisted in SQLite and
// changes written by other processes are polled and delivered as foreign
// events.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/keysync/internal/keypath"
	"github.com/tonimelisma/keysync/internal/model"
	ksync "github.com/tonimelisma/keysync/internal/sync"
)

// Sentinel errors.
var (
	ErrClosed         = errors.New("store: closed")
	ErrInvalidKey     = errors.New("store: invalid key")
	ErrInvalidValue   = errors.New("store: invalid value")
	ErrNotRegistered  = errors.New("store: listener not registered")
	ErrCorruptJournal = errors.New("store: corrupt journal entry")
)

// DefaultPollInterval is how often a journaled store looks for changes
// written by other processes when Config.PollInterval is zero.
const DefaultPollInterval = 2 * time.Second

// Config holds the options for Open.
type Config struct {
	// Path is the SQLite journal file. Empty keeps the store in memory.
	Path string
	// PollInterval controls polling for foreign changes; zero selects
	// DefaultPollInterval and a negative value disables polling.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Store is a hierarchical key-value store. It is safe for concurrent use.
type Store struct {
	logger   *slog.Logger
	instance string

	mu      sync.Mutex
	tree    *model.Map
	regs    map[string][]*registration
	closed  bool
	journal *journal

	dispatch *dispatcher
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// Open creates a store. With cfg.Path set, the tree is loaded from the
// journal (created and migrated if needed) and a poller is started.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Store{
		logger:   logger,
		instance: uuid.NewString(),
		tree:     model.NewMap(),
		regs:     make(map[string][]*registration),
	}

	var cursor int64

	if cfg.Path != "" {
		j, err := openJournal(ctx, cfg.Path, s.instance, logger)
		if err != nil {
			return nil, err
		}

		tree, seq, err := j.load(ctx)
		if err != nil {
			j.close()
			return nil, err
		}

		s.journal = j
		s.tree = tree
		cursor = seq
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	s.cancel = cancel
	s.group = g
	s.dispatch = newDispatcher(logger)

	g.Go(func() error {
		s.dispatch.run(gctx)
		return nil
	})

	interval := cfg.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}

	if s.journal != nil && interval > 0 {
		p := newPoller(s, cursor, interval)

		g.Go(func() error {
			return p.run(gctx)
		})
	}

	logger.Info("store opened",
		slog.String("instance", s.instance),
		slog.Bool("journaled", s.journal != nil),
	)

	return s, nil
}

// Close stops the dispatcher and poller and closes the journal. Events still
// queued are dropped. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	s.mu.Unlock()

	s.cancel()

	var errs []error
	if err := s.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	if s.journal != nil {
		if err := s.journal.close(); err != nil {
			errs = append(errs, fmt.Errorf("store: closing journal: %w", err))
		}
	}

	s.logger.Info("store closed", slog.String("instance", s.instance))

	return errors.Join(errs...)
}

// Session returns a new connection identity. Listeners registered through
// a session's keys without ListenerOptions.Local do not see that session's
// own writes.
func (s *Store) Session() *Session {
	return &Session{store: s, id: uuid.NewString()}
}

// Flush blocks until every event caused by writes made before the call has
// been delivered, or ctx is done.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	done := s.dispatch.barrier()
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compact deletes all but the newest keep change-log rows and returns how
// many it removed. Other processes whose poll cursor falls inside the
// removed range skip those changes. It is a no-op for an in-memory store.
func (s *Store) Compact(ctx context.Context, keep int64) (int64, error) {
	if s.journal == nil {
		return 0, nil
	}

	var cursor int64
	if err := s.journal.db.QueryRowContext(ctx, sqlMaxSeq).Scan(&cursor); err != nil {
		return 0, fmt.Errorf("store: reading change cursor: %w", err)
	}

	if cursor-keep <= 0 {
		return 0, nil
	}

	n, err := s.journal.prune(ctx, cursor-keep)
	if err != nil {
		return 0, err
	}

	s.logger.Info("change log compacted", slog.Int64("removed", n), slog.Int64("kept", keep))

	return n, nil
}

// --- operations, called by Key ---

func (s *Store) get(ctx context.Context, path string) (model.Value, error) {
	if err := ctx.Err(); err != nil {
		return model.Value{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.Value{}, ErrClosed
	}

	return readTree(s.tree, path), nil
}

func (s *Store) set(ctx context.Context, origin, path string, v model.Value) error {
	if err := validate(path, v); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.journal != nil {
		if err := s.journal.set(ctx, path, v); err != nil {
			return err
		}
	}

	model.ReplaceAt(s.tree, keypath.Split(path), v)

	s.publish(origin, ksync.EventSet, path, v, ksync.EventContext{Key: path})

	return nil
}

func (s *Store) add(ctx context.Context, origin, parent string, v model.Value) (string, error) {
	if err := validate(parent, v); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	child := keypath.Join(parent, ulid.Make().String())

	if s.journal != nil {
		if err := s.journal.add(ctx, parent, child, v); err != nil {
			return "", err
		}
	}

	model.ReplaceAt(s.tree, keypath.Split(child), v)

	s.publish(origin, ksync.EventAdd, parent, v, ksync.EventContext{
		Key:      parent,
		Command:  ksync.CommandAdd,
		AddedKey: child,
	})

	return child, nil
}

func (s *Store) remove(ctx context.Context, origin, path string) error {
	if err := validateKey(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.journal != nil {
		if err := s.journal.remove(ctx, path); err != nil {
			return err
		}
	}

	removeTree(s.tree, path)

	s.publish(origin, ksync.EventRemove, path, model.Null(), ksync.EventContext{Key: path})

	return nil
}

// --- tree helpers ---

// readTree returns a copy of the value at path. A missing key reads as
// null; the root always exists and reads as its scalar or its map.
func readTree(tree *model.Map, path string) model.Value {
	segs := keypath.Split(path)

	if len(segs) == 0 {
		if v, ok := tree.Get(model.ValueField); ok && tree.Len() == 1 {
			return v
		}

		return model.MapOf(tree.Clone())
	}

	v, ok := model.ReadAt(tree, segs)
	if !ok {
		return model.Null()
	}

	return v.Clone()
}

func removeTree(tree *model.Map, path string) {
	segs := keypath.Split(path)
	if len(segs) == 0 {
		tree.Clear()
		return
	}

	model.DeleteAt(tree, segs)
}

// --- validation ---

func validateKey(path string) error {
	for _, seg := range keypath.Split(path) {
		if seg == model.ValueField {
			return fmt.Errorf("%w: %q: segment %q is reserved", ErrInvalidKey, path, seg)
		}
	}

	return nil
}

// validate rejects field names that cannot become key segments.
func validate(path string, v model.Value) error {
	if err := validateKey(path); err != nil {
		return err
	}

	var bad string

	var walk func(v model.Value) bool
	walk = func(v model.Value) bool {
		switch v.Kind() {
		case model.KindMap:
			for k, child := range v.Map().All() {
				if k == "" || k == model.ValueField || strings.Contains(k, keypath.Separator) {
					bad = k
					return false
				}

				if !walk(child) {
					return false
				}
			}
		case model.KindSequence:
			for _, child := range v.Sequence() {
				if !walk(child) {
					return false
				}
			}
		default:
		}

		return true
	}

	if !walk(v) {
		return fmt.Errorf("%w: field %q cannot be stored at %s", ErrInvalidValue, bad, path)
	}

	return nil
}
