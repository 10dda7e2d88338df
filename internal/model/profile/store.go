package profile

import (
	"context"
	"sync"
)

// MemoryStore implements Provider and IdentityProvider with fixed values,
// suitable for the CLI and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profile  Profile
	identity Identity
}

// NewMemoryStore returns a MemoryStore for the supplied patient.
func NewMemoryStore(identity Identity, p Profile) *MemoryStore {
	if identity.DisplayName == "" {
		identity.DisplayName = p.DisplayName()
	}
	return &MemoryStore{profile: p, identity: identity}
}

// GetProfile returns a copy of the stored profile.
func (s *MemoryStore) GetProfile(context.Context) Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// GetPatientIdentity returns the stored identity.
func (s *MemoryStore) GetPatientIdentity(context.Context) Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Update replaces the profile.
func (s *MemoryStore) Update(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
}
