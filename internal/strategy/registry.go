package strategy

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Registry holds the active strategy set. Readers take an immutable
// snapshot; reloads swap the whole set.
type Registry struct {
	env *cel.Env

	mu     sync.Mutex // serializes writers
	active atomic.Pointer[[]Strategy]
	wanted atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() (*Registry, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}
	r := &Registry{env: env}
	empty := []Strategy{}
	r.active.Store(&empty)
	return r, nil
}

// Validate compiles a strategy config without touching the active set.
func (r *Registry) Validate(cfg domain.StrategyConfig) error {
	_, err := CompileCEL(r.env, cfg)
	return err
}

// Load compiles every enabled config and replaces the active set.
// On any compile error the active set is left unchanged and Wanted reports
// the size of the rejected set.
func (r *Registry) Load(configs []domain.StrategyConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := 0
	for _, cfg := range configs {
		if cfg.Enabled {
			enabled++
		}
	}
	r.wanted.Store(int64(enabled))

	strategies := make([]Strategy, 0, len(configs))
	seen := make(map[string]bool, len(configs))

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if seen[cfg.ID] {
			return fmt.Errorf("duplicate strategy id %q", cfg.ID)
		}
		seen[cfg.ID] = true

		s, err := CompileCEL(r.env, cfg)
		if err != nil {
			return err
		}
		strategies = append(strategies, s)
	}

	r.install(strategies)
	return nil
}

// Replace installs an already built strategy set.
func (r *Registry) Replace(strategies []Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.install(strategies)
}

// install swaps in a sorted copy of strategies. r.mu must be held.
func (r *Registry) install(strategies []Strategy) {
	set := append([]Strategy(nil), strategies...)
	sort.Slice(set, func(i, j int) bool { return set[i].ID() < set[j].ID() })
	r.active.Store(&set)
	r.wanted.Store(int64(len(set)))
}

// Snapshot returns the active set sorted by id. Callers must not modify it.
func (r *Registry) Snapshot() []Strategy {
	return *r.active.Load()
}

// Count returns the number of active strategies.
func (r *Registry) Count() int {
	return len(r.Snapshot())
}

// Wanted returns how many strategies the last load asked for.
func (r *Registry) Wanted() int {
	return int(r.wanted.Load())
}

// IDs returns the ids of the active strategies.
func (r *Registry) IDs() []string {
	set := r.Snapshot()
	ids := make([]string, len(set))
	for i, s := range set {
		ids[i] = s.ID()
	}
	return ids
}
