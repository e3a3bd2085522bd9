// Package profile resolves participant identities to the entitlement
// attributes the matchmaker consumes. The user store itself is external.
package profile

import (
	"context"
	"sync"
)

// Profile carries the attributes the core needs: entitlement and gender.
// Anonymous participants resolve to the zero value.
type Profile struct {
	Premium bool
	Trial   bool
	Gender  string
}

type Directory interface {
	Lookup(ctx context.Context, participant string) (Profile, error)
}

// InMemoryDirectory is a mutex-guarded directory used in wiring and tests.
type InMemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{profiles: make(map[string]Profile)}
}

func (d *InMemoryDirectory) Put(participant string, p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[participant] = p
}

// Lookup returns the stored profile, or the zero profile for unknown
// (anonymous) participants.
func (d *InMemoryDirectory) Lookup(ctx context.Context, participant string) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.profiles[participant], nil
}
