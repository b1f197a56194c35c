package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/keysync/internal/keypath"
	"github.com/tonimelisma/keysync/internal/model"
	ksync "github.com/tonimelisma/keysync/internal/sync"
)

const (
	sqlLoadEntries = `SELECT path, value FROM entries`

	sqlSubtreeEntries = `SELECT path, value FROM entries
		WHERE path = ? OR (path >= ? AND path < ?)`

	sqlDeleteSubtree = `DELETE FROM entries
		WHERE path = ? OR (path >= ? AND path < ?)`

	sqlDeleteEntry = `DELETE FROM entries WHERE path = ?`

	sqlInsertEntry = `INSERT INTO entries (path, value) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value`

	sqlInsertChange = `INSERT INTO changes (origin, command, path, added_path, created_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlMaxSeq = `SELECT COALESCE(MAX(seq), 0) FROM changes`

	sqlChangesSince = `SELECT seq, origin, command, path, added_path FROM changes
		WHERE seq > ? ORDER BY seq LIMIT ?`

	sqlPruneChanges = `DELETE FROM changes WHERE seq <= ?`
)

// change is one row of the change log.
type change struct {
	Seq       int64
	Origin    string
	Command   ksync.Command
	Path      string
	AddedPath string
}

// journal persists the store tree in SQLite so it survives restarts and can
// be shared with other processes. Every write runs in one transaction that
// rewrites the affected leaves and appends to the change log.
type journal struct {
	db      *sql.DB
	origin  string
	logger  *slog.Logger
	decMode cbor.DecMode
	nowFunc func() time.Time
}

func openJournal(ctx context.Context, path, origin string, logger *slog.Logger) (*journal, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening journal %s: %w", path, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	decMode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: building CBOR decoder: %w", err)
	}

	logger.Info("journal opened", slog.String("path", path))

	return &journal{
		db:      db,
		origin:  origin,
		logger:  logger,
		decMode: decMode,
		nowFunc: time.Now,
	}, nil
}

func (j *journal) close() error {
	return j.db.Close()
}

// load rebuilds the tree from the entries table and returns it with the
// change-log cursor at which it is current.
func (j *journal) load(ctx context.Context) (*model.Map, int64, error) {
	var cursor int64
	if err := j.db.QueryRowContext(ctx, sqlMaxSeq).Scan(&cursor); err != nil {
		return nil, 0, fmt.Errorf("store: reading change cursor: %w", err)
	}

	rows, err := j.db.QueryContext(ctx, sqlLoadEntries)
	if err != nil {
		return nil, 0, fmt.Errorf("store: loading entries: %w", err)
	}
	defer rows.Close()

	tree, _, err := j.scanTree(rows, keypath.Root)
	if err != nil {
		return nil, 0, err
	}

	j.logger.Debug("journal loaded",
		slog.Int("fields", tree.Len()),
		slog.Int64("cursor", cursor),
	)

	return tree, cursor, nil
}

// subtree returns the current value at path, read from the entries table.
// The second result is false when nothing is stored at or below path.
func (j *journal) subtree(ctx context.Context, path string) (model.Value, bool, error) {
	lo, hi := subtreeBounds(path)

	rows, err := j.db.QueryContext(ctx, sqlSubtreeEntries, path, lo, hi)
	if err != nil {
		return model.Value{}, false, fmt.Errorf("store: reading %s: %w", path, err)
	}
	defer rows.Close()

	sub, n, err := j.scanTree(rows, path)
	if err != nil {
		return model.Value{}, false, err
	}

	if n == 0 {
		return model.Value{}, false, nil
	}

	if v, ok := sub.Get(model.ValueField); ok && sub.Len() == 1 {
		return v, true, nil
	}

	return model.MapOf(sub), true, nil
}

// scanTree builds a map from entry rows, placing each row relative to root,
// and returns the number of rows read. A scalar row at root itself is stored
// under model.ValueField; an empty-map marker there contributes nothing.
func (j *journal) scanTree(rows *sql.Rows, root string) (*model.Map, int, error) {
	tree := model.NewMap()
	n := 0

	for rows.Next() {
		var (
			path string
			raw  []byte
		)

		if err := rows.Scan(&path, &raw); err != nil {
			return nil, 0, fmt.Errorf("store: scanning entry: %w", err)
		}

		v, err := j.decodeLeaf(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("store: decoding entry %s: %w", path, err)
		}

		n++

		segs := keypath.Relative(path, root)
		if len(segs) == 0 && v.IsContainer() {
			continue
		}

		model.ReplaceAt(tree, segs, v)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: iterating entries: %w", err)
	}

	return tree, n, nil
}

// set records a replacement of path with v.
func (j *journal) set(ctx context.Context, path string, v model.Value) error {
	return j.write(ctx, ksync.CommandSet, path, "", v)
}

// add records the creation of child under parent.
func (j *journal) add(ctx context.Context, parent, child string, v model.Value) error {
	return j.write(ctx, ksync.CommandAdd, parent, child, v)
}

// remove records the deletion of path and everything below it.
func (j *journal) remove(ctx context.Context, path string) error {
	return j.write(ctx, ksync.CommandRemove, path, "", model.Value{})
}

func (j *journal) write(ctx context.Context, cmd ksync.Command, path, addedPath string, v model.Value) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning journal transaction: %w", err)
	}
	defer tx.Rollback()

	target := path
	if cmd == ksync.CommandAdd {
		target = addedPath
	}

	lo, hi := subtreeBounds(target)
	if _, err := tx.ExecContext(ctx, sqlDeleteSubtree, target, lo, hi); err != nil {
		return fmt.Errorf("store: clearing %s: %w", target, err)
	}

	if cmd != ksync.CommandRemove {
		if err := j.writeLeaves(ctx, tx, target, v); err != nil {
			return err
		}
	}

	var added sql.NullString
	if addedPath != "" {
		added = sql.NullString{String: addedPath, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, sqlInsertChange,
		j.origin, string(cmd), path, added, j.nowFunc().UnixNano(),
	); err != nil {
		return fmt.Errorf("store: appending change for %s: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing change for %s: %w", path, err)
	}

	return nil
}

// writeLeaves replaces the ancestors of target (scalars or empty-map markers
// that now gain a child) and inserts one row per leaf of v.
func (j *journal) writeLeaves(ctx context.Context, tx *sql.Tx, target string, v model.Value) error {
	for _, anc := range keypath.Ancestors(target) {
		if _, err := tx.ExecContext(ctx, sqlDeleteEntry, anc); err != nil {
			return fmt.Errorf("store: clearing ancestor %s: %w", anc, err)
		}
	}

	var werr error

	eachLeaf(target, v, func(p string, leaf model.Value) bool {
		raw, err := encodeLeaf(leaf)
		if err != nil {
			werr = fmt.Errorf("store: encoding %s: %w", p, err)
			return false
		}

		if _, err := tx.ExecContext(ctx, sqlInsertEntry, p, raw); err != nil {
			werr = fmt.Errorf("store: writing %s: %w", p, err)
			return false
		}

		return true
	})

	return werr
}

// changesSince returns up to limit changes after cursor, in order.
func (j *journal) changesSince(ctx context.Context, cursor int64, limit int) ([]change, error) {
	rows, err := j.db.QueryContext(ctx, sqlChangesSince, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("store: reading changes after %d: %w", cursor, err)
	}
	defer rows.Close()

	var out []change

	for rows.Next() {
		var (
			c     change
			cmd   string
			added sql.NullString
		)

		if err := rows.Scan(&c.Seq, &c.Origin, &cmd, &c.Path, &added); err != nil {
			return nil, fmt.Errorf("store: scanning change: %w", err)
		}

		c.Command = ksync.Command(cmd)
		c.AddedPath = added.String
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating changes: %w", err)
	}

	return out, nil
}

// prune deletes change-log rows up to and including seq.
func (j *journal) prune(ctx context.Context, seq int64) (int64, error) {
	res, err := j.db.ExecContext(ctx, sqlPruneChanges, seq)
	if err != nil {
		return 0, fmt.Errorf("store: pruning changes: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: pruning changes: %w", err)
	}

	return n, nil
}

// subtreeBounds returns the half-open range of paths strictly below p.
// '0' is the byte after '/', so [p+"/", p+"0") holds exactly p's descendants.
func subtreeBounds(p string) (string, string) {
	if p == keypath.Root {
		return keypath.Root, "0"
	}

	return p + keypath.Separator, p + "0"
}

// eachLeaf calls fn for every scalar and every empty map in v, with its
// absolute path under root. Sequences are visited as index-keyed maps.
// Iteration stops when fn returns false.
func eachLeaf(root string, v model.Value, fn func(path string, leaf model.Value) bool) bool {
	if v.IsPrimitive() {
		return fn(root, v)
	}

	m := v.Map()
	if v.Kind() == model.KindSequence {
		m = model.NewMap()
		model.ReplaceAt(m, nil, v)
	}

	if m.Len() == 0 {
		return fn(root, model.MapOf(nil))
	}

	for k, child := range m.All() {
		if !eachLeaf(keypath.Join(root, k), child, fn) {
			return false
		}
	}

	return true
}

func encodeLeaf(v model.Value) ([]byte, error) {
	if v.IsContainer() {
		return cbor.Marshal(map[string]any{})
	}

	return cbor.Marshal(v.Scalar())
}

func (j *journal) decodeLeaf(raw []byte) (model.Value, error) {
	var x any
	if err := j.decMode.Unmarshal(raw, &x); err != nil {
		return model.Value{}, fmt.Errorf("%w: %w", ErrCorruptJournal, err)
	}

	v, err := model.FromAny(x)
	if err != nil {
		return model.Value{}, fmt.Errorf("%w: %w", ErrCorruptJournal, err)
	}

	return v, nil
}
