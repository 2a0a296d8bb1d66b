package session

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

var (
	ErrRegistryFull  = errors.New("session: registry full")
	ErrSessionExists = errors.New("session: session already exists")
)

// Registry is a fixed-capacity table of sessions keyed by address.
//
// Every slot mutation and liveness write goes through the registry lock.
// Slots are never compacted, so an index stays valid for the lifetime of
// its session.
type Registry struct {
	mu     sync.RWMutex
	slots  []*Session
	byAddr map[netip.AddrPort]int
}

// NewRegistry creates an empty registry with capacity slots.
func NewRegistry(capacity int) *Registry {
	if capacity < 0 {
		capacity = 0
	}
	return &Registry{
		slots:  make([]*Session, capacity),
		byAddr: make(map[netip.AddrPort]int, capacity),
	}
}

// Capacity is the fixed slot count.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Len is the number of occupied slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

// Lookup returns the session at addr.
func (r *Registry) Lookup(addr netip.AddrPort) (*Session, bool) {
	addr = NormalizeAddr(addr)
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}
	return r.slots[slot], true
}

// At returns the session in slot.
func (r *Registry) At(slot int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if slot < 0 || slot >= len(r.slots) || r.slots[slot] == nil {
		return nil, false
	}
	return r.slots[slot], true
}

// Admit places a new session for addr in the lowest free slot.
func (r *Registry) Admit(addr netip.AddrPort) (*Session, error) {
	addr = NormalizeAddr(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAddr[addr]; ok {
		return nil, ErrSessionExists
	}
	for i, s := range r.slots {
		if s != nil {
			continue
		}
		sess := newSession(addr, i)
		r.slots[i] = sess
		r.byAddr[addr] = i
		return sess, nil
	}
	return nil, ErrRegistryFull
}

// Remove frees the slot held by s. It reports false when s no longer
// holds its slot.
func (r *Registry) Remove(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.slot < 0 || s.slot >= len(r.slots) || r.slots[s.slot] != s {
		return false
	}
	r.clearLocked(s.slot)
	return true
}

// RemoveSlot frees slot and returns the session that held it.
func (r *Registry) RemoveSlot(slot int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot < 0 || slot >= len(r.slots) || r.slots[slot] == nil {
		return nil, false
	}
	s := r.slots[slot]
	r.clearLocked(slot)
	return s, true
}

func (r *Registry) clearLocked(slot int) {
	delete(r.byAddr, r.slots[slot].addr)
	r.slots[slot] = nil
}

// Sessions returns occupied slots in slot order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byAddr))
	for _, s := range r.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot returns point-in-time views of occupied slots in slot order.
func (r *Registry) Snapshot() []Info {
	sessions := r.Sessions()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// UpdateLiveness records rtt for the session currently at addr. It reports
// false when no session holds addr, so a probe that raced a removal is
// dropped.
func (r *Registry) UpdateLiveness(addr netip.AddrPort, rtt time.Duration) bool {
	addr = NormalizeAddr(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byAddr[addr]
	if !ok {
		return false
	}
	r.slots[slot].liveness.Store(int64(rtt))
	return true
}
