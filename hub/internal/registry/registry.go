// Package registry tracks the live connections of every connected identity.
package registry

import (
	"errors"
	"sync"
)

// Conn is a live connection as seen by the registry. The registry never owns
// the connection: it only tracks it and hands it payloads.
type Conn interface {
	// ID is unique per connection for the life of the process.
	ID() string
	// Send queues payload for delivery. It must not block.
	Send(payload []byte) error
	// Close initiates a server-side close with the given websocket close code.
	Close(code int, reason string)
}

// Registry maps identity id to its set of live connections.
//
// An identity key is present if and only if its set is non-empty.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]map[Conn]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[int64]map[Conn]struct{})}
}

// ErrLimit is returned by RegisterLimit when an identity is at its connection cap.
var ErrLimit = errors.New("too many connections")

// Register adds c to the set for identityID. It reports whether this is the
// identity's first connection. Registering the same connection twice is a no-op.
func (r *Registry) Register(identityID int64, c Conn) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(identityID, c)
}

// RegisterLimit is Register with a cap on the identity's connections. A
// non-positive max means no cap.
func (r *Registry) RegisterLimit(identityID int64, c Conn, max int) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.conns[identityID]; max > 0 && len(set) >= max {
		if _, dup := set[c]; !dup {
			return false, ErrLimit
		}
	}
	return r.addLocked(identityID, c), nil
}

func (r *Registry) addLocked(identityID int64, c Conn) bool {
	set, ok := r.conns[identityID]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[identityID] = set
	}
	if _, dup := set[c]; dup {
		return false
	}
	set[c] = struct{}{}
	return len(set) == 1
}

// Unregister removes c from the set for identityID and prunes the entry when
// it becomes empty. It reports whether the identity transitioned to having no
// connections. Removing an unknown connection reports false.
func (r *Registry) Unregister(identityID int64, c Conn) (becameEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[identityID]
	if !ok {
		return false
	}
	if _, present := set[c]; !present {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, identityID)
		return true
	}
	return false
}

// SendTo delivers payload to every connection of identityID and returns how
// many accepted it. An identity with no connections is not an error.
func (r *Registry) SendTo(identityID int64, payload []byte) int {
	return deliver(r.snapshot(identityID), payload)
}

// SendToMany delivers payload to every connection of each listed identity.
// Duplicate ids are delivered once.
func (r *Registry) SendToMany(identityIDs []int64, payload []byte) int {
	return deliver(r.snapshot(identityIDs...), payload)
}

// BroadcastAll delivers payload to every registered connection.
func (r *Registry) BroadcastAll(payload []byte) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, set := range r.conns {
		for c := range set {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	return deliver(targets, payload)
}

// CloseAll closes every connection of identityID and returns how many were
// closed. The connections unregister themselves as they shut down.
func (r *Registry) CloseAll(identityID int64, code int, reason string) int {
	targets := r.snapshot(identityID)
	for _, c := range targets {
		c.Close(code, reason)
	}
	return len(targets)
}

// CloseEverything closes every registered connection.
func (r *Registry) CloseEverything(code int, reason string) int {
	r.mu.RLock()
	var targets []Conn
	for _, set := range r.conns {
		for c := range set {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range targets {
		c.Close(code, reason)
	}
	return len(targets)
}

// Online reports whether identityID has at least one connection.
func (r *Registry) Online(identityID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[identityID]
	return ok
}

// Count returns the number of connections registered for identityID.
func (r *Registry) Count(identityID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[identityID])
}

// Len returns the number of identities with at least one connection.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// snapshot copies the connections of the given identities under the read lock.
func (r *Registry) snapshot(identityIDs ...int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conn
	seen := make(map[int64]bool, len(identityIDs))
	for _, id := range identityIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		for c := range r.conns[id] {
			out = append(out, c)
		}
	}
	return out
}

func deliver(targets []Conn, payload []byte) int {
	n := 0
	for _, c := range targets {
		if err := c.Send(payload); err == nil {
			n++
		}
	}
	return n
}
