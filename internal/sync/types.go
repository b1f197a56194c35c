// Package sync implements the synchronization engine for keysync. An Engine
// binds a local model to one key of a hierarchical key-value store: it seeds
// the model from the key's current value, turns add/set/remove events into
// in-place model mutations, and forwards local writes to the key.
package sync

import (
	"context"

	"github.com/tonimelisma/keysync/internal/model"
)

// Event names a kind of key notification.
type Event string

// Events delivered by a KeyHandle.
const (
	EventAdd    Event = "add"
	EventSet    Event = "set"
	EventRemove Event = "remove"
)

// Events returns every event an Engine subscribes to, in subscription order.
func Events() []Event {
	return []Event{EventAdd, EventSet, EventRemove}
}

// Command identifies the store operation that produced an event. Only
// additions carry a command; an empty Command means a plain set.
type Command string

// Store commands.
const (
	CommandAdd    Command = "ADD"
	CommandSet    Command = "SET"
	CommandRemove Command = "REMOVE"
)

// EventContext describes where an event happened relative to the listener.
type EventContext struct {
	Key        string  // absolute path of the affected node (the parent, for additions)
	CurrentKey string  // path the listener is registered on
	Command    Command // CommandAdd for additions, empty otherwise
	AddedKey   string  // absolute path of the new node, for additions
}

// ListenerOptions controls which events reach a listener.
type ListenerOptions struct {
	// Local delivers events caused by writes through the listener's own
	// connection as well as foreign ones.
	Local bool
	// Bubble delivers events from every descendant key, not only the key
	// the listener is registered on.
	Bubble bool
}

// Listener receives key events. Implementations must be comparable (pointer
// types) so that Off can find the registration On created.
type Listener interface {
	HandleKeyEvent(ev Event, value model.Value, ectx EventContext)
}

// KeyHandle addresses one path of a hierarchical key-value store. It is
// implemented by store clients; store.Key is the in-process implementation.
type KeyHandle interface {
	// Name returns the absolute path of the key.
	Name() string
	// Get returns the current value at the key; a missing key is null.
	Get(ctx context.Context) (model.Value, error)
	// Set replaces the value at the key.
	Set(ctx context.Context, v model.Value) error
	// Remove deletes the key and its descendants.
	Remove(ctx context.Context) error
	// On registers l for ev at this key.
	On(ev Event, opts ListenerOptions, l Listener) error
	// Off removes a registration created by On.
	Off(ev Event, l Listener) error
	// Key returns the handle of a descendant path relative to this key.
	Key(name string) KeyHandle
}

// State is the lifecycle state of an Engine.
type State int

// Engine states. StateDestroyed is terminal.
const (
	StateUninitialized State = iota
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
