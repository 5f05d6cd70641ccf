// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package names

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/bureau-foundation/busd/lib/wire"
)

// RequestFlags are the flags argument of RequestName.
type RequestFlags uint32

const (
	AllowReplacement RequestFlags = 0x1
	ReplaceExisting  RequestFlags = 0x2
	DoNotQueue       RequestFlags = 0x4
)

// RequestReply is the result code of RequestName.
type RequestReply uint32

const (
	PrimaryOwner RequestReply = 1
	InQueue      RequestReply = 2
	Exists       RequestReply = 3
	AlreadyOwner RequestReply = 4
)

// String returns the reply name for logs.
func (r RequestReply) String() string {
	switch r {
	case PrimaryOwner:
		return "primary_owner"
	case InQueue:
		return "in_queue"
	case Exists:
		return "exists"
	case AlreadyOwner:
		return "already_owner"
	}
	return fmt.Sprintf("request_reply(%d)", uint32(r))
}

// ReleaseReply is the result code of ReleaseName.
type ReleaseReply uint32

const (
	Released    ReleaseReply = 1
	NonExistent ReleaseReply = 2
	NotOwner    ReleaseReply = 3
)

var (
	// ErrInvalidName is returned for names that are not valid
	// well-known bus names.
	ErrInvalidName = errors.New("names: invalid well-known name")

	// ErrDuplicateUnique is returned when a unique name is registered
	// twice.
	ErrDuplicateUnique = errors.New("names: unique name already registered")

	// ErrUnknownConnection is returned when an operation names a
	// connection that never registered a unique name.
	ErrUnknownConnection = errors.New("names: unknown connection")

	// ErrNoOwner is returned by QueuedOwners for unowned names.
	ErrNoOwner = errors.New("names: name has no owner")
)

// OwnerChange records one transfer of a name. OldOwner or NewOwner is
// empty when the name was unowned before or after the change.
type OwnerChange struct {
	Name     string
	OldOwner string
	NewOwner string
}

type waiter struct {
	connection string
	flags      RequestFlags
}

type entry struct {
	owner string
	flags RequestFlags
	queue []waiter
}

func (e *entry) queueIndex(connection string) int {
	return slices.IndexFunc(e.queue, func(w waiter) bool { return w.connection == connection })
}

func (e *entry) dequeue(connection string) bool {
	index := e.queueIndex(connection)
	if index < 0 {
		return false
	}
	e.queue = slices.Delete(e.queue, index, index+1)
	return true
}

// Registry is the bus name table. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu sync.Mutex

	// names maps well-known names to their owner and queue.
	names map[string]*entry

	// connections maps each registered unique name to the set of
	// well-known names it owns or is queued for.
	connections map[string]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		names:       make(map[string]*entry),
		connections: make(map[string]map[string]struct{}),
	}
}

// AddUnique registers a connection's unique name.
func (r *Registry) AddUnique(unique string) (OwnerChange, error) {
	if !wire.IsUniqueName(unique) || !wire.ValidBusName(unique) {
		return OwnerChange{}, fmt.Errorf("names: invalid unique name %q", unique)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[unique]; exists {
		return OwnerChange{}, fmt.Errorf("%w: %s", ErrDuplicateUnique, unique)
	}
	r.connections[unique] = make(map[string]struct{})
	return OwnerChange{Name: unique, NewOwner: unique}, nil
}

// RequestName asks for ownership of a well-known name on behalf of the
// connection with the given unique name. A non-nil change means the
// primary owner changed.
func (r *Registry) RequestName(name, connection string, flags RequestFlags) (RequestReply, *OwnerChange, error) {
	if wire.IsUniqueName(name) || !wire.ValidBusName(name) {
		return 0, nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	memberships, registered := r.connections[connection]
	if !registered {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connection)
	}

	current := r.names[name]
	if current == nil {
		r.names[name] = &entry{owner: connection, flags: flags}
		memberships[name] = struct{}{}
		return PrimaryOwner, &OwnerChange{Name: name, NewOwner: connection}, nil
	}

	if current.owner == connection {
		current.flags = flags
		return AlreadyOwner, nil, nil
	}

	if current.flags&AllowReplacement != 0 && flags&ReplaceExisting != 0 {
		previous := waiter{connection: current.owner, flags: current.flags}
		current.dequeue(connection)
		current.owner = connection
		current.flags = flags
		memberships[name] = struct{}{}
		if previous.flags&DoNotQueue == 0 {
			current.queue = append(current.queue, previous)
		} else {
			delete(r.connections[previous.connection], name)
		}
		return PrimaryOwner, &OwnerChange{Name: name, OldOwner: previous.connection, NewOwner: connection}, nil
	}

	if flags&DoNotQueue != 0 {
		if current.dequeue(connection) {
			delete(memberships, name)
		}
		return Exists, nil, nil
	}

	if index := current.queueIndex(connection); index >= 0 {
		current.queue[index].flags = flags
		return InQueue, nil, nil
	}
	current.queue = append(current.queue, waiter{connection: connection, flags: flags})
	memberships[name] = struct{}{}
	return InQueue, nil, nil
}

// ReleaseName gives up ownership of, or a place in the queue for, a
// well-known name.
func (r *Registry) ReleaseName(name, connection string) (ReleaseReply, *OwnerChange, error) {
	if wire.IsUniqueName(name) || !wire.ValidBusName(name) {
		return 0, nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.names[name]
	if current == nil {
		return NonExistent, nil, nil
	}
	if current.owner == connection {
		change := r.promoteLocked(name, current)
		return Released, &change, nil
	}
	if current.dequeue(connection) {
		delete(r.connections[connection], name)
		return Released, nil, nil
	}
	return NotOwner, nil, nil
}

// promoteLocked hands name from its current owner to the head of its
// queue, or deletes it when nobody is waiting.
func (r *Registry) promoteLocked(name string, current *entry) OwnerChange {
	previous := current.owner
	if memberships, ok := r.connections[previous]; ok {
		delete(memberships, name)
	}
	if len(current.queue) == 0 {
		delete(r.names, name)
		return OwnerChange{Name: name, OldOwner: previous}
	}
	next := current.queue[0]
	current.queue = current.queue[1:]
	current.owner = next.connection
	current.flags = next.flags
	return OwnerChange{Name: name, OldOwner: previous, NewOwner: next.connection}
}

// RemoveConnection releases every name the connection owns, removes it
// from every queue, and unregisters its unique name. The returned
// changes are in name order, with the unique name's removal last.
func (r *Registry) RemoveConnection(unique string) []OwnerChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, registered := r.connections[unique]; !registered {
		return nil
	}
	changes := r.releaseAllLocked(unique)
	delete(r.connections, unique)
	return append(changes, OwnerChange{Name: unique, OldOwner: unique})
}

// ReleaseAll releases every well-known name the connection owns and
// removes it from every queue. Its unique name stays registered. The
// returned changes are in name order.
func (r *Registry) ReleaseAll(unique string) []OwnerChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseAllLocked(unique)
}

func (r *Registry) releaseAllLocked(unique string) []OwnerChange {
	memberships := r.connections[unique]
	held := make([]string, 0, len(memberships))
	for name := range memberships {
		held = append(held, name)
	}
	sort.Strings(held)

	var changes []OwnerChange
	for _, name := range held {
		current := r.names[name]
		if current == nil {
			continue
		}
		if current.owner == unique {
			changes = append(changes, r.promoteLocked(name, current))
		} else {
			current.dequeue(unique)
			delete(memberships, name)
		}
	}
	return changes
}

// Resolve returns the unique name of the connection that currently
// owns name, which may itself be a unique name.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(name)
}

func (r *Registry) resolveLocked(name string) (string, bool) {
	if wire.IsUniqueName(name) {
		_, ok := r.connections[name]
		return name, ok
	}
	if current := r.names[name]; current != nil {
		return current.owner, true
	}
	return "", false
}

// HasOwner reports whether name currently resolves.
func (r *Registry) HasOwner(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// ListNames returns every unique and well-known name with an owner,
// sorted.
func (r *Registry) ListNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]string, 0, len(r.connections)+len(r.names))
	for unique := range r.connections {
		list = append(list, unique)
	}
	for name := range r.names {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// QueuedOwners returns the primary owner followed by the waiting queue
// in order.
func (r *Registry) QueuedOwners(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wire.IsUniqueName(name) {
		if _, ok := r.connections[name]; ok {
			return []string{name}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoOwner, name)
	}
	current := r.names[name]
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOwner, name)
	}
	owners := []string{current.owner}
	for _, w := range current.queue {
		owners = append(owners, w.connection)
	}
	return owners, nil
}

// OwnedBy returns the well-known names for which unique is the primary
// owner, sorted.
func (r *Registry) OwnedBy(unique string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var owned []string
	for name := range r.connections[unique] {
		if current := r.names[name]; current != nil && current.owner == unique {
			owned = append(owned, name)
		}
	}
	sort.Strings(owned)
	return owned
}

// Memberships counts the well-known names a connection owns or is
// queued for.
func (r *Registry) Memberships(unique string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections[unique])
}

// Snapshot describes one well-known name for introspection.
type Snapshot struct {
	Name  string   `json:"name"`
	Owner string   `json:"owner"`
	Queue []string `json:"queue,omitempty"`
}

// Snapshot returns every well-known name with its owner and queue,
// sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshots := make([]Snapshot, 0, len(r.names))
	for name, current := range r.names {
		snapshot := Snapshot{Name: name, Owner: current.owner}
		for _, w := range current.queue {
			snapshot.Queue = append(snapshot.Queue, w.connection)
		}
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })
	return snapshots
}

// Counts returns the number of registered connections and owned
// well-known names.
func (r *Registry) Counts() (connections, wellKnown int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections), len(r.names)
}
