package ws

import (
	"errors"
	"sort"
	"sync"
)

// ErrCapacity is returned by Registry.Add when the connection limit is
// reached.
var ErrCapacity = errors.New("ws: connection limit reached")

// Registry tracks live terminal connections and the account each one serves.
// Capacity is enforced on Add, so a rejected connection is never visible to
// Send or the admin API.
type Registry struct {
	mu        sync.RWMutex
	max       int
	conns     map[string]*Conn
	byAccount map[string]*Conn
	peak      int
	total     int64
}

// NewRegistry creates a registry admitting at most max connections.
func NewRegistry(max int) *Registry {
	if max < 1 {
		max = 1
	}
	return &Registry{
		max:       max,
		conns:     make(map[string]*Conn),
		byAccount: make(map[string]*Conn),
	}
}

// Add registers c, or returns ErrCapacity.
func (r *Registry) Add(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) >= r.max {
		return ErrCapacity
	}
	r.conns[c.id] = c
	r.total++
	if len(r.conns) > r.peak {
		r.peak = len(r.conns)
	}
	return nil
}

// Remove unregisters c and its account binding. It reports whether c was
// registered.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return false
	}
	delete(r.conns, c.id)
	for acct, bound := range r.byAccount {
		if bound == c {
			delete(r.byAccount, acct)
		}
	}
	return true
}

// Bind routes accountID to c. A connection previously bound to the account
// is returned so the caller can close it.
func (r *Registry) Bind(c *Conn, accountID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byAccount[accountID]
	r.byAccount[accountID] = c
	if prev == c {
		return nil
	}
	return prev
}

// ByAccount returns the connection serving accountID.
func (r *Registry) ByAccount(accountID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byAccount[accountID]
	return c, ok
}

// Get returns the connection with the given ID.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Snapshot returns the registered connections ordered by connect time.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].connectedAt.Equal(out[j].connectedAt) {
			return out[i].id < out[j].id
		}
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Peak returns the highest concurrent connection count seen.
func (r *Registry) Peak() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peak
}

// Total returns how many connections were ever admitted.
func (r *Registry) Total() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Max returns the configured capacity.
func (r *Registry) Max() int { return r.max }
