package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tonimelisma/keysync/internal/keypath"
	"github.com/tonimelisma/keysync/internal/model"
	ksync "github.com/tonimelisma/keysync/internal/sync"
)

// registration is one On call. active is cleared by Off; the dispatcher
// checks it at delivery time, so events queued before Off are dropped.
type registration struct {
	session  string
	path     string
	event    ksync.Event
	opts     ksync.ListenerOptions
	listener ksync.Listener
	active   atomic.Bool
}

// delivery is one queued listener call, or a Flush barrier when done is set.
type delivery struct {
	reg   *registration
	value model.Value
	ectx  ksync.EventContext
	done  chan struct{}
}

// dispatcher runs listener calls in order on one goroutine. The queue is
// unbounded so writers never block on slow listeners.
type dispatcher struct {
	logger *slog.Logger

	mu    sync.Mutex
	queue []delivery
	wake  chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

func (d *dispatcher) enqueue(items ...delivery) {
	if len(items) == 0 {
		return
	}

	d.mu.Lock()
	d.queue = append(d.queue, items...)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// barrier returns a channel closed once everything queued before it has
// been delivered.
func (d *dispatcher) barrier() <-chan struct{} {
	done := make(chan struct{})
	d.enqueue(delivery{done: done})

	return done
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("dispatcher stopped")
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			batch := d.queue
			d.queue = nil
			d.mu.Unlock()

			if len(batch) == 0 {
				break
			}

			for i := range batch {
				if ctx.Err() != nil {
					return
				}

				d.deliver(batch[i])
			}
		}
	}
}

func (d *dispatcher) deliver(item delivery) {
	if item.done != nil {
		close(item.done)
		return
	}

	if !item.reg.active.Load() {
		return
	}

	item.reg.listener.HandleKeyEvent(item.reg.event, item.value, item.ectx)
}

// publish queues ev for every live registration that should see a change
// at key: registrations on key itself and, with Bubble, on its ancestors.
// Registrations below the changed subtree are told about their own key
// afterwards (see descendantDeliveries). Registrations without Local skip
// changes made by their own session. The caller holds s.mu and has already
// applied the change to s.tree, which fixes the delivery order to the write
// order.
func (s *Store) publish(origin string, ev ksync.Event, key string, v model.Value, ectx ksync.EventContext) {
	value := v.Clone()

	var items []delivery

	appendFor := func(path string, bubbled bool) {
		for _, r := range s.regs[path] {
			if r.event != ev || !r.active.Load() {
				continue
			}

			if bubbled && !r.opts.Bubble {
				continue
			}

			if !r.opts.Local && r.session == origin {
				continue
			}

			c := ectx
			c.CurrentKey = r.path
			items = append(items, delivery{reg: r, value: value, ectx: c})
		}
	}

	appendFor(key, false)

	ancestors := keypath.Ancestors(key)
	for i := len(ancestors) - 1; i >= 0; i-- {
		appendFor(ancestors[i], true)
	}

	subtree := key
	if ev == ksync.EventAdd {
		subtree = ectx.AddedKey
	}

	items = append(items, s.descendantDeliveries(origin, ev, subtree)...)

	s.logger.Debug("publishing event",
		slog.String("event", string(ev)),
		slog.String("key", key),
		slog.Int("listeners", len(items)),
	)

	s.dispatch.enqueue(items...)
}

// descendantDeliveries addresses registrations strictly below root, whose
// keys the change at root replaced. Each gets an event for its own key: a
// set carrying the key's new value, or a remove when nothing is left there.
// Additions only create keys and never produce removes.
func (s *Store) descendantDeliveries(origin string, ev ksync.Event, root string) []delivery {
	var paths []string

	for p := range s.regs {
		if p != root && keypath.Within(p, root) {
			paths = append(paths, p)
		}
	}

	sort.Strings(paths)

	var items []delivery

	for _, p := range paths {
		want, value := ksync.EventSet, model.Null()

		v, ok := model.ReadAt(s.tree, keypath.Split(p))
		switch {
		case ok:
			value = v.Clone()
		case ev == ksync.EventAdd:
			continue
		default:
			want = ksync.EventRemove
		}

		for _, r := range s.regs[p] {
			if r.event != want || !r.active.Load() {
				continue
			}

			if !r.opts.Local && r.session == origin {
				continue
			}

			items = append(items, delivery{
				reg:   r,
				value: value,
				ectx:  ksync.EventContext{Key: p, CurrentKey: p},
			})
		}
	}

	return items
}

func (s *Store) on(session, path string, ev ksync.Event, opts ksync.ListenerOptions, l ksync.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	r := &registration{
		session:  session,
		path:     path,
		event:    ev,
		opts:     opts,
		listener: l,
	}
	r.active.Store(true)

	s.regs[path] = append(s.regs[path], r)

	return nil
}

func (s *Store) off(path string, ev ksync.Event, l ksync.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	regs := s.regs[path]

	for i, r := range regs {
		if r.event != ev || r.listener != l {
			continue
		}

		r.active.Store(false)

		regs = append(regs[:i:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(s.regs, path)
		} else {
			s.regs[path] = regs
		}

		return nil
	}

	return ErrNotRegistered
}
