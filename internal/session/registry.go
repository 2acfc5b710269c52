package session

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/1ureka/kcpnet/internal/protocol"
)

// entry is one live session owned by the registry.
type entry struct {
	engine  Engine
	remote  *net.UDPAddr
	created time.Time
}

// Info is a read-only view of a registry entry.
type Info struct {
	Conv      uint32    `json:"conv"`
	Remote    string    `json:"remote"`
	Connected bool      `json:"connected"`
	Created   time.Time `json:"created"`
}

// Registry maintains the conv → engine table. It is the single source of
// truth for which sessions exist. All mutation, including conv allocation,
// happens under one mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[uint32]*entry
	counter uint32 // last conv handed out by Allocate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uint32]*entry),
	}
}

// Allocate returns a conv that is nonzero, below MaxUint32, and not held by
// any live entry. The counter keeps increasing across calls and wraps back
// to 1.
//
// It does not reserve the conv: the entry is only created once the peer
// speaks with it.
func (r *Registry) Allocate() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		r.counter++
		if !protocol.Assignable(r.counter) {
			r.counter = 1
		}
		if _, taken := r.entries[r.counter]; !taken {
			return r.counter
		}
	}
}

// SetCounter positions the allocation counter; the next Allocate starts
// from n+1.
func (r *Registry) SetCounter(n uint32) {
	r.mu.Lock()
	r.counter = n
	r.mu.Unlock()
}

// Lookup returns the engine registered for conv.
func (r *Registry) Lookup(conv uint32) (Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conv]
	if !ok {
		return nil, false
	}
	return e.engine, true
}

// Insert registers engine under conv. It returns false and leaves the table
// untouched when conv is already live or not assignable.
func (r *Registry) Insert(conv uint32, engine Engine, remote *net.UDPAddr) bool {
	if !protocol.Assignable(conv) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[conv]; exists {
		return false
	}
	r.entries[conv] = &entry{engine: engine, remote: remote, created: time.Now()}
	return true
}

// Remove deletes conv from the table if it is still held by engine; a nil
// engine matches any holder. It reports how long the entry lived and whether
// anything was removed.
func (r *Registry) Remove(conv uint32, engine Engine) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conv]
	if !ok || (engine != nil && e.engine != engine) {
		return 0, false
	}
	delete(r.entries, conv)
	return time.Since(e.created), true
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Engines returns a snapshot of every live engine. Callers iterate the
// snapshot without holding the lock, so engines may close mid-iteration.
func (r *Registry) Engines() []Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Engine, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.engine)
	}
	return out
}

// Snapshot returns Info for every live entry, ordered by conv.
// IsConnected is queried after the lock is released.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.entries))
	engines := make([]Engine, 0, len(r.entries))
	for conv, e := range r.entries {
		infos = append(infos, Info{Conv: conv, Remote: e.remote.String(), Created: e.created})
		engines = append(engines, e.engine)
	}
	r.mu.Unlock()

	for i := range infos {
		infos[i].Connected = engines[i].IsConnected()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Conv < infos[j].Conv })
	return infos
}

// Drain empties the table and returns the engines it held.
func (r *Registry) Drain() []Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Engine, 0, len(r.entries))
	for conv, e := range r.entries {
		out = append(out, e.engine)
		delete(r.entries, conv)
	}
	return out
}
