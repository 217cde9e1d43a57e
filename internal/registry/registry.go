package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loopwork/svcman/internal/service"
)

// Registry maps service names to their declarative configs. Registration is
// explicit: nothing is attached to command objects, and a duplicate name is
// a hard configuration error rather than a silent overwrite. Configs are
// cloned on the way in and on the way out, so callers can never mutate what
// a supervisor will later read.
type Registry struct {
	mu   sync.RWMutex
	cfgs map[string]service.Config
}

func New() *Registry {
	return &Registry{cfgs: make(map[string]service.Config)}
}

// Register normalizes, validates and stores a config.
func (r *Registry) Register(cfg service.Config) error {
	c := cfg.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cfgs[c.Name]; exists {
		return fmt.Errorf("%q: %w", c.Name, service.ErrDuplicateService)
	}
	r.cfgs[c.Name] = c
	return nil
}

// Get returns a clone of the named config.
func (r *Registry) Get(name string) (service.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cfgs[name]
	if !ok {
		return service.Config{}, fmt.Errorf("%q: %w", name, service.ErrServiceNotFound)
	}
	return c.Clone(), nil
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cfgs))
	for n := range r.cfgs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// List returns clones of all registered configs, sorted by name.
func (r *Registry) List() []service.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]service.Config, 0, len(r.cfgs))
	for _, c := range r.cfgs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cfgs)
}
