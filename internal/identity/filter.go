package identity

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrFilterFull   = errors.New("topology filter full")
	ErrFilterSealed = errors.New("topology filter sealed")
)

// Filter is the accept list of predecessor identities. It is written during
// startup, sealed, and read-only afterwards.
type Filter struct {
	mu       sync.RWMutex
	capacity int
	accepted []Identity
	sealed   bool
}

// NewFilter returns a filter holding at most capacity identities. A capacity
// below one is treated as one.
func NewFilter(capacity int) *Filter {
	if capacity < 1 {
		capacity = 1
	}
	return &Filter{capacity: capacity}
}

// Accept registers id as an acceptable predecessor.
func (f *Filter) Accept(id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return ErrFilterSealed
	}
	for _, a := range f.accepted {
		if a == id {
			return nil
		}
	}
	if len(f.accepted) >= f.capacity {
		return fmt.Errorf("%w: capacity %d", ErrFilterFull, f.capacity)
	}
	f.accepted = append(f.accepted, id)
	return nil
}

// Seal makes the filter read-only.
func (f *Filter) Seal() {
	f.mu.Lock()
	f.sealed = true
	f.mu.Unlock()
}

// Accepts reports whether id, including its address type, was registered.
func (f *Filter) Accepts(id Identity) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, a := range f.accepted {
		if a == id {
			return true
		}
	}
	return false
}

// Accepted returns a copy of the registered identities.
func (f *Filter) Accepted() []Identity {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Identity(nil), f.accepted...)
}

// Len returns the number of registered identities.
func (f *Filter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.accepted)
}
