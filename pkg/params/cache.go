package params

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nanofab/stratum/pkg/log"
	"github.com/nanofab/stratum/pkg/types"
)

// ErrNotFound means no parameter matches the lookup
var ErrNotFound = errors.New("params: parameter not found")

// Loader provides the parameter catalog rows; implemented by store.Client
type Loader interface {
	ListParameters(ctx context.Context, machineID string) ([]*types.Parameter, error)
}

// Cache holds the parameter catalog for one machine, loaded once at
// terminal startup and immutable afterwards. Lookups are O(1). Staleness
// is accepted by design: parameters added or removed at runtime are not
// seen until the terminal restarts (Reload exists but nothing schedules it).
type Cache struct {
	machineID string
	loader    Loader

	mu       sync.RWMutex
	byID     map[string]*types.Parameter
	byName   map[string][]*types.Parameter
	byColumn map[string]string
	all      []*types.Parameter
}

// Load builds the cache from the catalog. A load failure returns both an
// empty, usable cache and the error so the terminal can log and continue.
func Load(ctx context.Context, loader Loader, machineID string) (*Cache, error) {
	c := &Cache{
		machineID: machineID,
		loader:    loader,
		byID:      make(map[string]*types.Parameter),
		byName:    make(map[string][]*types.Parameter),
		byColumn:  make(map[string]string),
	}
	if err := c.Reload(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Reload replaces the cache contents from the catalog
func (c *Cache) Reload(ctx context.Context) error {
	parameters, err := c.loader.ListParameters(ctx, c.machineID)
	if err != nil {
		return fmt.Errorf("failed to load parameter catalog: %w", err)
	}

	byID := make(map[string]*types.Parameter, len(parameters))
	byName := make(map[string][]*types.Parameter)
	byColumn := make(map[string]string, len(parameters))
	for _, p := range parameters {
		byID[p.ID] = p
		byName[p.Name] = append(byName[p.Name], p)
		if p.ColumnName != "" {
			byColumn[p.ColumnName] = p.ID
		}
	}

	c.mu.Lock()
	c.byID = byID
	c.byName = byName
	c.byColumn = byColumn
	c.all = parameters
	c.mu.Unlock()

	logger := log.WithComponent("params")
	logger.Info().
		Int("parameters", len(parameters)).
		Str("machine_id", c.machineID).
		Msg("Parameter catalog loaded")
	return nil
}

// GetByID returns the parameter with the given identifier
func (c *Cache) GetByID(id string) (*types.Parameter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	return p, ok
}

// GetByName resolves a parameter by human-readable name. On collisions
// writable parameters are preferred; remaining candidates resolve to the
// lowest id, so repeated lookups are deterministic. Ids are unique, which
// makes the resolution total.
func (c *Cache) GetByName(name string) (*types.Parameter, error) {
	c.mu.RLock()
	candidates := c.byName[name]
	c.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		switch {
		case p.Writable() && !best.Writable():
			best = p
		case p.Writable() == best.Writable() && p.ID < best.ID:
			best = p
		}
	}
	return best, nil
}

// WritableIDs returns the ids of all writable parameters, sorted
func (c *Cache) WritableIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.all))
	for _, p := range c.all {
		if p.Writable() {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Readable returns all parameters with a read address
func (c *Cache) Readable() []*types.Parameter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Parameter, 0, len(c.all))
	for _, p := range c.all {
		if p.Readable() {
			out = append(out, p)
		}
	}
	return out
}

// Writable returns all writable parameters
func (c *Cache) Writable() []*types.Parameter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Parameter, 0, len(c.all))
	for _, p := range c.all {
		if p.Writable() {
			out = append(out, p)
		}
	}
	return out
}

// ColumnName returns the stable wide-row column for a parameter id
func (c *Cache) ColumnName(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	if !ok || p.ColumnName == "" {
		return "", false
	}
	return p.ColumnName, true
}

// IDFromColumn returns the parameter id owning a wide-row column
func (c *Cache) IDFromColumn(column string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byColumn[column]
	return id, ok
}

// All returns every cached parameter
func (c *Cache) All() []*types.Parameter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.all
}

// Len returns the number of cached parameters
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.all)
}
