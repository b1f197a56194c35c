package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"

	"github.com/tonimelisma/keysync/internal/keypath"
	"github.com/tonimelisma/keysync/internal/model"
)

// subscribeOptions are the options every Engine registers with: it observes
// its own writes (write-through-and-observe) and every descendant key.
var subscribeOptions = ListenerOptions{Local: true, Bubble: true}

// Engine keeps a caller-owned model in step with one key. The model is
// mutated in place and never replaced, so every holder of the *model.Map
// sees updates.
//
// Events for one store arrive on a single dispatch goroutine; the model lock
// exists for readers on other goroutines (Snapshot, View, notifiers) and is
// shared by every engine carved out of the same model tree.
type Engine struct {
	handle   KeyHandle
	rootKey  string
	factory  *Factory
	logger   *slog.Logger
	handlers map[Event]func(model.Value, EventContext)

	// mu guards model and state. Child engines share their parent's mutex.
	mu    *stdsync.Mutex
	model *model.Map
	state State

	// notifyPending coalesces mutations until the scheduled notifier runs.
	notifyPending atomic.Bool
}

func newEngine(f *Factory, handle KeyHandle, m *model.Map, mu *stdsync.Mutex) *Engine {
	e := &Engine{
		handle:  handle,
		rootKey: keypath.Clean(handle.Name()),
		factory: f,
		logger:  f.logger.With(slog.String("key", keypath.Clean(handle.Name()))),
		mu:      mu,
		model:   m,
	}

	e.handlers = map[Event]func(model.Value, EventContext){
		EventAdd:    e.HandleUpdate,
		EventSet:    e.HandleUpdate,
		EventRemove: e.HandleRemove,
	}

	return e
}

// Initialize fetches the key's current value into the model and subscribes
// to add, set and remove events at the key and its descendants. A primitive
// value becomes {"$value": v}; a container is merged field by field. Fetch
// and subscription errors are returned wrapped and leave the engine
// uninitialized with no listeners, so the call can be retried.
//
// Initialize must not be called concurrently on one engine. Once the engine
// has left StateUninitialized, further calls return the model without
// fetching again.
func (e *Engine) Initialize(ctx context.Context) (*model.Map, error) {
	e.mu.Lock()
	if e.state != StateUninitialized {
		e.mu.Unlock()
		return e.model, nil
	}
	e.mu.Unlock()

	v, err := e.handle.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: fetching %s: %w", e.rootKey, err)
	}

	e.mu.Lock()
	model.Assign(e.model, v)
	e.mu.Unlock()

	registered := make([]Event, 0, len(e.handlers))

	for _, ev := range Events() {
		if err := e.handle.On(ev, subscribeOptions, e); err != nil {
			e.unsubscribe(registered)

			return nil, fmt.Errorf("sync: subscribing to %s events on %s: %w", ev, e.rootKey, err)
		}

		registered = append(registered, ev)
	}

	// A remove delivered while subscribing has already destroyed the engine.
	e.mu.Lock()
	if e.state == StateUninitialized {
		e.state = StateActive
	}
	e.mu.Unlock()

	e.logger.Debug("engine initialized", slog.String("kind", v.Kind().String()))
	e.scheduleNotify()

	return e.model, nil
}

// HandleKeyEvent dispatches ev to its handler. It satisfies Listener.
func (e *Engine) HandleKeyEvent(ev Event, value model.Value, ectx EventContext) {
	h, ok := e.handlers[ev]
	if !ok {
		e.logger.Warn("ignoring unknown event", slog.String("event", string(ev)))
		return
	}

	h(value, ectx)
}

// HandleUpdate applies an add or set event. Additions are located by
// ectx.AddedKey, everything else by ectx.Key. At the engine's own key a
// primitive replaces the model with {"$value": v} and a container is merged
// onto it; below it, the value is written with model.WriteAt.
func (e *Engine) HandleUpdate(value model.Value, ectx EventContext) {
	key := ectx.Key
	if ectx.Command == CommandAdd {
		key = ectx.AddedKey
	}

	segs := keypath.Relative(key, ectx.CurrentKey)

	e.mu.Lock()
	model.WriteAt(e.model, segs, value)
	e.mu.Unlock()

	e.logger.Debug("applied update",
		slog.String("path", key),
		slog.String("command", string(ectx.Command)),
		slog.Int("depth", len(segs)),
	)

	e.scheduleNotify()
}

// HandleRemove applies a remove event. Removal of the engine's own key
// clears the model and unsubscribes every listener, after which no further
// events arrive. Removal of a descendant deletes it and collapses the
// branches it leaves empty.
func (e *Engine) HandleRemove(_ model.Value, ectx EventContext) {
	if keypath.Clean(ectx.Key) == keypath.Clean(ectx.CurrentKey) {
		e.destroy()
		return
	}

	segs := keypath.Relative(ectx.Key, ectx.CurrentKey)

	e.mu.Lock()
	removed := model.DeleteAt(e.model, segs)
	e.mu.Unlock()

	e.logger.Debug("applied remove",
		slog.String("path", ectx.Key),
		slog.Bool("removed", removed),
	)

	if removed {
		e.scheduleNotify()
	}
}

func (e *Engine) destroy() {
	e.mu.Lock()
	e.model.Clear()
	e.state = StateDestroyed
	e.mu.Unlock()

	e.unsubscribe(Events())

	e.logger.Info("engine destroyed: key removed")
	e.scheduleNotify()
}

func (e *Engine) unsubscribe(events []Event) {
	for _, ev := range events {
		if err := e.handle.Off(ev, e); err != nil {
			e.logger.Warn("unsubscribe failed",
				slog.String("event", string(ev)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Set writes v to the engine's key. The model changes when the resulting
// event comes back through the engine's own subscription, not before.
func (e *Engine) Set(ctx context.Context, v model.Value) error {
	if err := e.handle.Set(ctx, v); err != nil {
		return fmt.Errorf("sync: setting %s: %w", e.rootKey, err)
	}

	return nil
}

// Remove deletes the engine's key. The resulting event destroys the engine.
func (e *Engine) Remove(ctx context.Context) error {
	if err := e.handle.Remove(ctx); err != nil {
		return fmt.Errorf("sync: removing %s: %w", e.rootKey, err)
	}

	return nil
}

// Child returns an uninitialized engine for path below this engine's key.
// Its model is the map at path inside this engine's model, and it shares
// this engine's notifier, scheduler and model lock.
//
// Child is the one local change to the model that no store event backs: when
// path is absent, or holds a scalar, Child installs an empty map there (and
// drops "$value" on the maps along the way) so both engines can share it. The
// store is untouched; the child's Initialize fills the map from the key.
func (e *Engine) Child(path string) *Engine {
	e.mu.Lock()
	sub := model.Branch(e.model, keypath.Split(path))
	e.mu.Unlock()

	return newEngine(e.factory, e.handle.Key(path), sub, e.mu)
}

// Key returns the handle the engine is bound to.
func (e *Engine) Key() KeyHandle { return e.handle }

// Name returns the engine's root key path.
func (e *Engine) Name() string { return e.rootKey }

// Model returns the caller-owned model. Reads from goroutines other than the
// store's dispatcher should go through View or Snapshot.
func (e *Engine) Model() *model.Map { return e.model }

// State returns the engine's lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Snapshot returns a deep copy of the model.
func (e *Engine) Snapshot() *model.Map {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.model.Clone()
}

// View calls fn with the model while holding the model lock. fn must not
// retain the map or call back into the engine.
func (e *Engine) View(fn func(m *model.Map)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(e.model)
}

// scheduleNotify asks the scheduler to run the notifier unless a run is
// already pending.
func (e *Engine) scheduleNotify() {
	notify := e.factory.notifier
	if notify == nil {
		return
	}

	if e.notifyPending.Swap(true) {
		return
	}

	e.factory.scheduler(func() {
		e.notifyPending.Store(false)
		notify(e)
	})
}
