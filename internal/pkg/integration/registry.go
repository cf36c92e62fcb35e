package integration

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

var (
	errAlreadyLoaded = errors.New("entry already loaded")
	errDuplicate     = errors.New("integration already registered")
)

// Registry holds the runtimes of loaded entries keyed by entry id.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]*Runtime)}
}

func (r *Registry) Add(entryID string, rt *Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runtimes[entryID]; ok {
		return fmt.Errorf("%w: %s", errAlreadyLoaded, entryID)
	}
	r.runtimes[entryID] = rt
	return nil
}

func (r *Registry) Get(entryID string) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[entryID]
	return rt, ok
}

// Remove unloads and forgets a runtime. It reports false when the entry was
// not loaded.
func (r *Registry) Remove(entryID string) (bool, error) {
	r.mu.Lock()
	rt, ok := r.runtimes[entryID]
	delete(r.runtimes, entryID)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, rt.Unload()
}

func (r *Registry) EntryIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.runtimes)
	slices.Sort(ids)
	return ids
}

// Integrations indexes integrations by domain.
type Integrations struct {
	byDomain map[string]Integration
}

func NewIntegrations(list ...Integration) (*Integrations, error) {
	in := &Integrations{byDomain: make(map[string]Integration, len(list))}
	for _, i := range list {
		if _, ok := in.byDomain[i.Domain()]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicate, i.Domain())
		}
		in.byDomain[i.Domain()] = i
	}
	return in, nil
}

func (in *Integrations) Get(domain string) (Integration, bool) {
	i, ok := in.byDomain[domain]
	return i, ok
}

func (in *Integrations) All() []Integration {
	all := lo.Values(in.byDomain)
	slices.SortFunc(all, func(a, b Integration) int {
		return strings.Compare(a.Domain(), b.Domain())
	})
	return all
}
