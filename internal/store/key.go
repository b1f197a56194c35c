package store

import (
	"context"
	"fmt"

	"github.com/tonimelisma/keysync/internal/keypath"
	"github.com/tonimelisma/keysync/internal/model"
	ksync "github.com/tonimelisma/keysync/internal/sync"
)

// Session is one connection identity on a Store. Events caused by a
// session's writes carry its id, which is how ListenerOptions.Local is
// enforced.
type Session struct {
	store *Store
	id    string
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Key returns the handle for path. The path is cleaned; "" and "/" address
// the root.
func (s *Session) Key(path string) *Key {
	return &Key{session: s, path: keypath.Clean(path)}
}

// Key addresses one path of a Store through a Session. It implements
// sync.KeyHandle.
type Key struct {
	session *Session
	path    string
}

var _ ksync.KeyHandle = (*Key)(nil)

// Name returns the key's absolute path.
func (k *Key) Name() string { return k.path }

// Get returns a copy of the value at the key. A missing key is null.
func (k *Key) Get(ctx context.Context) (model.Value, error) {
	v, err := k.session.store.get(ctx, k.path)
	if err != nil {
		return model.Value{}, fmt.Errorf("store: getting %s: %w", k.path, err)
	}

	return v, nil
}

// Set replaces the value at the key and everything below it. Ancestors that
// hold scalars become maps. Sequences are stored as index-keyed maps.
func (k *Key) Set(ctx context.Context, v model.Value) error {
	if err := k.session.store.set(ctx, k.session.id, k.path, v); err != nil {
		return fmt.Errorf("store: setting %s: %w", k.path, err)
	}

	return nil
}

// Add stores v under a new child of the key named by a ULID, so children
// added later sort after earlier ones. It emits an add event whose Key is
// this key and whose AddedKey is the child.
func (k *Key) Add(ctx context.Context, v model.Value) (*Key, error) {
	child, err := k.session.store.add(ctx, k.session.id, k.path, v)
	if err != nil {
		return nil, fmt.Errorf("store: adding to %s: %w", k.path, err)
	}

	return &Key{session: k.session, path: child}, nil
}

// Remove deletes the key and its descendants. Ancestors left without
// children are deleted too.
func (k *Key) Remove(ctx context.Context) error {
	if err := k.session.store.remove(ctx, k.session.id, k.path); err != nil {
		return fmt.Errorf("store: removing %s: %w", k.path, err)
	}

	return nil
}

// On registers l for ev on the key.
func (k *Key) On(ev ksync.Event, opts ksync.ListenerOptions, l ksync.Listener) error {
	if err := k.session.store.on(k.session.id, k.path, ev, opts, l); err != nil {
		return fmt.Errorf("store: listening on %s: %w", k.path, err)
	}

	return nil
}

// Off removes the registration of l for ev on the key. Events already
// queued for it are not delivered.
func (k *Key) Off(ev ksync.Event, l ksync.Listener) error {
	if err := k.session.store.off(k.path, ev, l); err != nil {
		return fmt.Errorf("store: removing %s listener on %s: %w", ev, k.path, err)
	}

	return nil
}

// Key returns the handle of name below this key.
func (k *Key) Key(name string) ksync.KeyHandle {
	return k.Child(name)
}

// Child is Key with the concrete return type.
func (k *Key) Child(name string) *Key {
	return &Key{session: k.session, path: keypath.Join(k.path, name)}
}

// Parent returns the handle of the key's parent. The root is its own parent.
func (k *Key) Parent() *Key {
	return &Key{session: k.session, path: keypath.Parent(k.path)}
}
