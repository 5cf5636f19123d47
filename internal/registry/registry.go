// Package registry maintains the inventory of deployed capabilities:
// name, signatures, tags and source artifact identity. The in-memory
// view is authoritative for lookups; every mutation is mirrored to the
// SQLite store so the registry can be rebuilt at process start.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"capforge/internal/logging"
)

// Runner executes a capability's source artifact with an input and
// returns its output. The sandbox package provides the implementation;
// the registry only holds the contract.
type Runner interface {
	Run(ctx context.Context, sourcePath, input string) (string, error)
}

// Registry is the thread-safe capability inventory.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]*Descriptor
	store  *Store
	runner Runner
}

// New creates a registry backed by the given store. store may be nil in
// tests that only need the in-memory view.
func New(store *Store, runner Runner) *Registry {
	return &Registry{
		caps:   make(map[string]*Descriptor),
		store:  store,
		runner: runner,
	}
}

// Load rebuilds the in-memory view from the store.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	descs, err := r.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps = make(map[string]*Descriptor, len(descs))
	for _, d := range descs {
		r.caps[d.Name] = d
	}
	logging.Registry("Loaded %d capabilities from store", len(descs))
	return nil
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.caps))
	for _, d := range r.caps {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d.Clone(), nil
}

// Has reports whether a capability with the given name exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// Count returns the number of deployed capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Upsert records a new or updated capability. An existing name gets a
// new descriptor revision; the prior descriptor is replaced, not
// mutated.
func (r *Registry) Upsert(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := d.Clone()
	if prev, ok := r.caps[d.Name]; ok {
		next.Revision = prev.Revision + 1
	} else {
		next.Revision = 1
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}

	if r.store != nil {
		if err := r.store.Save(next); err != nil {
			return fmt.Errorf("persist descriptor %s: %w", next.Name, err)
		}
	}
	r.caps[next.Name] = next
	logging.Registry("Registered capability %s (rev %d)", next.Name, next.Revision)
	return nil
}

// Remove deletes a capability from the inventory. Used by rollback when
// the restored version predates the capability's creation.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.caps[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if r.store != nil {
		if err := r.store.Delete(name); err != nil {
			return fmt.Errorf("delete descriptor %s: %w", name, err)
		}
	}
	delete(r.caps, name)
	logging.Registry("Removed capability %s", name)
	return nil
}

// Resolve returns an invocable handle for the named capability. This is
// the consumer interface used by the external command router.
func (r *Registry) Resolve(name string) (*Handle, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(d.SourcePath); err != nil {
		return nil, fmt.Errorf("capability %s artifact missing: %w", name, err)
	}
	return &Handle{Descriptor: d, runner: r.runner}, nil
}

// Snapshot serializes the full descriptor set, for checkpoints.
func (r *Registry) Snapshot() ([]byte, error) {
	return json.Marshal(r.List())
}

// RestoreSnapshot replaces the registry contents with a previously
// captured descriptor set. Descriptors created after the snapshot are
// removed from the store as well, so the registry never lists a
// capability whose artifact a checkpoint restore just deleted.
func (r *Registry) RestoreSnapshot(data []byte) error {
	var descs []*Descriptor
	if err := json.Unmarshal(data, &descs); err != nil {
		return fmt.Errorf("parse registry snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Descriptor, len(descs))
	for _, d := range descs {
		next[d.Name] = d
	}
	if r.store != nil {
		for name := range r.caps {
			if _, ok := next[name]; !ok {
				if err := r.store.Delete(name); err != nil {
					return fmt.Errorf("delete descriptor %s: %w", name, err)
				}
			}
		}
		for _, d := range next {
			if err := r.store.Save(d); err != nil {
				return fmt.Errorf("persist descriptor %s: %w", d.Name, err)
			}
		}
	}
	r.caps = next
	logging.Registry("Restored %d capabilities from snapshot", len(next))
	return nil
}

// Names returns all capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle is an invocable reference to a deployed capability.
type Handle struct {
	Descriptor *Descriptor
	runner     Runner
}

// Invoke executes the capability with the given input.
func (h *Handle) Invoke(ctx context.Context, input string) (string, error) {
	if h.runner == nil {
		return "", fmt.Errorf("capability %s has no runner attached", h.Descriptor.Name)
	}
	logging.RegistryDebug("Invoking capability %s", h.Descriptor.Name)
	return h.runner.Run(ctx, h.Descriptor.SourcePath, input)
}
