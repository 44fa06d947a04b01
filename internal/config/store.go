package config

import (
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store holds the active configuration snapshot. Readers never see a partly
// updated configuration.
type Store struct {
	current atomic.Pointer[domain.Config]
}

// NewStore creates a store holding cfg.
func NewStore(cfg *domain.Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Load returns the current snapshot. Callers must not modify it.
func (s *Store) Load() *domain.Config {
	return s.current.Load()
}

// Swap validates cfg and makes it current, returning the previous snapshot.
func (s *Store) Swap(cfg *domain.Config) (*domain.Config, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return s.current.Swap(cfg), nil
}
