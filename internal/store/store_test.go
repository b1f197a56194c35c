package store

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/keysync/internal/keypath"
	"github.com/tonimelisma/keysync/internal/model"
	ksync "github.com/tonimelisma/keysync/internal/sync"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), Config{Logger: testLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func valueOf(t *testing.T, x any) model.Value {
	t.Helper()

	v, err := model.FromAny(x)
	require.NoError(t, err)

	return v
}

// --- recorder: a Listener that keeps every event ---

type recorded struct {
	Event ksync.Event
	Value model.Value
	Ctx   ksync.EventContext
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) HandleKeyEvent(ev ksync.Event, v model.Value, ectx ksync.EventContext) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, recorded{Event: ev, Value: v, Ctx: ectx})
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]recorded(nil), r.events...)
}

func listenAll(t *testing.T, k *Key, opts ksync.ListenerOptions, l ksync.Listener) {
	t.Helper()

	for _, ev := range ksync.Events() {
		require.NoError(t, k.On(ev, opts, l))
	}
}

// --- reads and writes ---

func TestGet_MissingKeyIsNull(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	v, err := s.Session().Key("/nothing/here").Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.KindNull, v.Kind())
}

func TestGet_RootOfEmptyStoreIsEmptyMap(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	v, err := s.Session().Key("/").Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.KindMap, v.Kind())
	assert.Equal(t, 0, v.Map().Len())
}

func TestSet_Get(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	k := newTestStore(t).Session().Key("/a/b")

	require.NoError(t, k.Set(ctx, valueOf(t, map[string]any{"x": 1, "list": []any{"p", "q"}})))

	got, err := k.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"x":    int64(1),
		"list": map[string]any{"0": "p", "1": "q"},
	}, got.ToAny())

	leaf, err := k.Child("x").Get(ctx)
	require.NoError(t, err)
	assert.True(t, model.Int(1).Equal(leaf))
}

func TestSet_ReplacesSubtree(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	k := newTestStore(t).Session().Key("/a")

	require.NoError(t, k.Set(ctx, valueOf(t, map[string]any{"x": 1, "y": 2})))
	require.NoError(t, k.Set(ctx, valueOf(t, map[string]any{"z": 3})))

	got, err := k.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"z": int64(3)}, got.ToAny())
}

func TestSet_StructureWinsOverScalar(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sess := newTestStore(t).Session()

	require.NoError(t, sess.Key("/a").Set(ctx, model.String("scalar")))
	require.NoError(t, sess.Key("/a/b").Set(ctx, model.Int(1)))

	got, err := sess.Key("/a").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": int64(1)}, got.ToAny())
}

func TestSet_RootPrimitive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := newTestStore(t).Session().Key("")

	require.NoError(t, root.Set(ctx, model.Bool(true)))

	got, err := root.Get(ctx)
	require.NoError(t, err)
	assert.True(t, model.Bool(true).Equal(got))
}

func TestSet_CallerMayReuseValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	k := newTestStore(t).Session().Key("/a")

	m := model.NewMap()
	m.Set("x", model.Int(1))
	require.NoError(t, k.Set(ctx, model.MapOf(m)))

	m.Set("x", model.Int(2))

	got, err := k.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(1)}, got.ToAny())
}

func TestSet_InvalidFieldNames(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	k := newTestStore(t).Session().Key("/a")

	tests := []struct {
		name  string
		value any
	}{
		{"empty", map[string]any{"": 1}},
		{"separator", map[string]any{"a/b": 1}},
		{"reserved", map[string]any{model.ValueField: 1}},
		{"nested", map[string]any{"ok": []any{map[string]any{"bad/name": 1}}}},
	}

	for _, tt := range tests {
		err := k.Set(ctx, valueOf(t, tt.value))
		require.ErrorIs(t, err, ErrInvalidValue, tt.name)
	}

	err := k.Child(model.ValueField).Set(ctx, model.Int(1))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestAdd_CreatesULIDChild(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	list := newTestStore(t).Session().Key("/list")

	first, err := list.Add(ctx, model.String("one"))
	require.NoError(t, err)

	second, err := list.Add(ctx, model.String("two"))
	require.NoError(t, err)

	assert.Equal(t, "/list", keypath.Parent(first.Name()))

	_, err = ulid.ParseStrict(keypath.Base(first.Name()))
	require.NoError(t, err)

	assert.Less(t, first.Name(), second.Name())

	got, err := list.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keypath.Base(first.Name()), keypath.Base(second.Name())}, got.Map().Keys())
}

func TestRemove_CollapsesEmptyAncestors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sess := newTestStore(t).Session()

	require.NoError(t, sess.Key("/").Set(ctx, valueOf(t, map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 1}},
		"d": 2,
	})))

	require.NoError(t, sess.Key("/a/b/c").Remove(ctx))

	got, err := sess.Key("/").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"d": int64(2)}, got.ToAny())
}

func TestRemove_Root(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := newTestStore(t).Session().Key("/")

	require.NoError(t, root.Set(ctx, valueOf(t, map[string]any{"a": 1})))
	require.NoError(t, root.Remove(ctx))

	got, err := root.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, got.ToAny())
}

// --- events ---

func TestEvents_ExactAndBubbled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	sess := s.Session()

	exact := &recorder{}
	bubbling := &recorder{}
	flat := &recorder{}

	listenAll(t, sess.Key("/a/b"), ksync.ListenerOptions{Local: true}, exact)
	listenAll(t, sess.Key("/a"), ksync.ListenerOptions{Local: true, Bubble: true}, bubbling)
	listenAll(t, sess.Key("/a"), ksync.ListenerOptions{Local: true}, flat)

	require.NoError(t, sess.Key("/a/b").Set(ctx, model.Int(1)))
	require.NoError(t, s.Flush(ctx))

	require.Len(t, exact.all(), 1)
	assert.Equal(t, ksync.EventContext{Key: "/a/b", CurrentKey: "/a/b"}, exact.all()[0].Ctx)

	require.Len(t, bubbling.all(), 1)
	got := bubbling.all()[0]
	assert.Equal(t, ksync.EventSet, got.Event)
	assert.Equal(t, ksync.EventContext{Key: "/a/b", CurrentKey: "/a"}, got.Ctx)
	assert.True(t, model.Int(1).Equal(got.Value))

	assert.Empty(t, flat.all())
}

func TestEvents_DescendantsSeeReplacement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	sess := s.Session()

	below := &recorder{}
	listenAll(t, sess.Key("/a/b"), ksync.ListenerOptions{Local: true, Bubble: true}, below)

	require.NoError(t, sess.Key("/a").Set(ctx, valueOf(t, map[string]any{"b": map[string]any{"x": 1}})))
	require.NoError(t, s.Flush(ctx))

	require.Len(t, below.all(), 1)
	got := below.all()[0]
	assert.Equal(t, ksync.EventSet, got.Event)
	assert.Equal(t, ksync.EventContext{Key: "/a/b", CurrentKey: "/a/b"}, got.Ctx)
	assert.Equal(t, map[string]any{"x": int64(1)}, got.Value.Map().ToAny())
}

func TestEvents_DescendantsSeeRemoval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		write func(ctx context.Context, k *Key) error
	}{
		{"ancestor removed", func(ctx context.Context, k *Key) error { return k.Remove(ctx) }},
		{"ancestor set to scalar", func(ctx context.Context, k *Key) error { return k.Set(ctx, model.Int(5)) }},
		{"ancestor set without the key", func(ctx context.Context, k *Key) error {
			return k.Set(ctx, model.MustFromAny(map[string]any{"other": 1}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s := newTestStore(t)
			sess := s.Session()

			require.NoError(t, sess.Key("/a/b").Set(ctx, valueOf(t, map[string]any{"x": 1})))
			require.NoError(t, s.Flush(ctx))

			below := &recorder{}
			listenAll(t, sess.Key("/a/b/x"), ksync.ListenerOptions{Local: true}, below)

			require.NoError(t, tt.write(ctx, sess.Key("/a")))
			require.NoError(t, s.Flush(ctx))

			require.Len(t, below.all(), 1)
			got := below.all()[0]
			assert.Equal(t, ksync.EventRemove, got.Event)
			assert.Equal(t, ksync.EventContext{Key: "/a/b/x", CurrentKey: "/a/b/x"}, got.Ctx)
		})
	}
}

func TestEvents_DescendantsHonorLocal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	mine := s.Session()

	foreignOnly := &recorder{}
	listenAll(t, mine.Key("/a/b"), ksync.ListenerOptions{}, foreignOnly)

	require.NoError(t, mine.Key("/a").Remove(ctx))
	require.NoError(t, s.Session().Key("/a").Set(ctx, valueOf(t, map[string]any{"b": true})))
	require.NoError(t, s.Flush(ctx))

	require.Len(t, foreignOnly.all(), 1)
	assert.Equal(t, ksync.EventSet, foreignOnly.all()[0].Event)
}

func TestEvents_AddContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	sess := s.Session()

	rec := &recorder{}
	listenAll(t, sess.Key("/"), ksync.ListenerOptions{Local: true, Bubble: true}, rec)

	child, err := sess.Key("/list").Add(ctx, model.String("item"))
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	require.Len(t, rec.all(), 1)
	got := rec.all()[0]
	assert.Equal(t, ksync.EventAdd, got.Event)
	assert.Equal(t, ksync.EventContext{
		Key:        "/list",
		CurrentKey: "/",
		Command:    ksync.CommandAdd,
		AddedKey:   child.Name(),
	}, got.Ctx)
}

func TestEvents_LocalFiltersOwnSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	mine := s.Session()
	theirs := s.Session()

	local := &recorder{}
	foreignOnly := &recorder{}

	listenAll(t, mine.Key("/k"), ksync.ListenerOptions{Local: true, Bubble: true}, local)
	listenAll(t, mine.Key("/k"), ksync.ListenerOptions{Bubble: true}, foreignOnly)

	require.NoError(t, mine.Key("/k/x").Set(ctx, model.Int(1)))
	require.NoError(t, theirs.Key("/k/y").Set(ctx, model.Int(2)))
	require.NoError(t, s.Flush(ctx))

	assert.Len(t, local.all(), 2)

	require.Len(t, foreignOnly.all(), 1)
	assert.Equal(t, "/k/y", foreignOnly.all()[0].Ctx.Key)
}

func TestEvents_DeliveredInWriteOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	sess := s.Session()

	rec := &recorder{}
	listenAll(t, sess.Key("/k"), ksync.ListenerOptions{Local: true, Bubble: true}, rec)

	for i := range 20 {
		require.NoError(t, sess.Key("/k/n").Set(ctx, model.Int(int64(i))))
	}

	require.NoError(t, s.Flush(ctx))

	events := rec.all()
	require.Len(t, events, 20)

	for i, ev := range events {
		assert.True(t, model.Int(int64(i)).Equal(ev.Value))
	}
}

// blockingListener blocks its first delivery until release is closed.
type blockingListener struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingListener) HandleKeyEvent(ksync.Event, model.Value, ksync.EventContext) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
}

func TestOff_DropsQueuedEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	k := s.Session().Key("/k")

	blocker := &blockingListener{entered: make(chan struct{}), release: make(chan struct{})}
	late := &recorder{}

	require.NoError(t, k.On(ksync.EventSet, ksync.ListenerOptions{Local: true}, blocker))
	require.NoError(t, k.On(ksync.EventSet, ksync.ListenerOptions{Local: true}, late))

	require.NoError(t, k.Set(ctx, model.Int(1)))

	select {
	case <-blocker.entered:
	case <-time.After(5 * time.Second):
		require.Fail(t, "dispatcher never delivered")
	}

	// The event for late is queued behind the blocked delivery.
	require.NoError(t, k.Off(ksync.EventSet, late))
	close(blocker.release)

	require.NoError(t, s.Flush(ctx))
	assert.Empty(t, late.all())
}

func TestOff_UnknownListener(t *testing.T) {
	t.Parallel()

	k := newTestStore(t).Session().Key("/k")

	err := k.Off(ksync.EventSet, &recorder{})
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestListenerMayUnsubscribeDuringDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	k := s.Session().Key("/k")

	l := &selfRemoving{key: k}
	require.NoError(t, k.On(ksync.EventSet, ksync.ListenerOptions{Local: true}, l))

	require.NoError(t, k.Set(ctx, model.Int(1)))
	require.NoError(t, k.Set(ctx, model.Int(2)))
	require.NoError(t, s.Flush(ctx))

	assert.Equal(t, 1, l.calls)
	require.NoError(t, l.offErr)
}

type selfRemoving struct {
	key    *Key
	calls  int
	offErr error
}

func (r *selfRemoving) HandleKeyEvent(ev ksync.Event, _ model.Value, _ ksync.EventContext) {
	r.calls++
	r.offErr = r.key.Off(ev, r)
}

// --- lifecycle ---

func TestClose_RejectsFurtherUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	s, err := Open(ctx, Config{Logger: testLogger(t)})
	require.NoError(t, err)

	k := s.Session().Key("/k")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, k.Set(ctx, model.Int(1)), ErrClosed)
	require.ErrorIs(t, k.Remove(ctx), ErrClosed)
	require.ErrorIs(t, k.On(ksync.EventSet, ksync.ListenerOptions{}, &recorder{}), ErrClosed)
	require.ErrorIs(t, s.Flush(ctx), ErrClosed)

	_, err = k.Get(ctx)
	require.ErrorIs(t, err, ErrClosed)

	_, err = k.Add(ctx, model.Int(1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestFlush_HonorsContext(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	k := s.Session().Key("/k")

	blocker := &blockingListener{entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, k.On(ksync.EventSet, ksync.ListenerOptions{Local: true}, blocker))
	require.NoError(t, k.Set(context.Background(), model.Int(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, s.Flush(ctx), context.DeadlineExceeded)
	close(blocker.release)
}

func TestKey_Navigation(t *testing.T) {
	t.Parallel()

	sess := newTestStore(t).Session()
	k := sess.Key("a//b/")

	assert.Equal(t, "/a/b", k.Name())
	assert.Equal(t, "/a/b/c/d", k.Child("c/d").Name())
	assert.Equal(t, "/a/b/c", k.Key("c").Name())
	assert.Equal(t, "/a", k.Parent().Name())
	assert.Equal(t, "/", sess.Key("").Parent().Name())

	_, err := uuid.Parse(sess.ID())
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID(), newTestStore(t).Session().ID())
}
