package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lablup/kernelmgr/pkg/types"
)

// ErrKernelNotFound is returned by Get/Remove for an unknown kernel id.
var ErrKernelNotFound = errors.New("registry: no such kernel")

// KernelRegistry is the in-memory catalog of live kernels keyed by
// kernel id (C4). Per spec's single-writer discipline, only the
// lifecycle coordinator mutates this registry directly; anything else
// that needs a kernel destroyed must go through the coordinator.
type KernelRegistry struct {
	mu      sync.Mutex
	kernels map[string]*types.Kernel
}

// NewKernelRegistry constructs an empty registry.
func NewKernelRegistry() *KernelRegistry {
	return &KernelRegistry{kernels: make(map[string]*types.Kernel)}
}

// Put records a kernel, keyed by its id. Populated by placement, then
// mutated in place by probe and socket-info fetch.
func (r *KernelRegistry) Put(k *types.Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[k.ID] = k
}

// Get looks up a kernel by id.
func (r *KernelRegistry) Get(id string) (*types.Kernel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.kernels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, id)
	}
	return k, nil
}

// Remove deletes a kernel record. A kernel id never reappears after
// this: callers must not reuse an id once removed.
func (r *KernelRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.kernels, id)
}

// Count returns the number of kernels currently registered.
func (r *KernelRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kernels)
}

// List returns a snapshot of all kernels. Order is unspecified.
func (r *KernelRegistry) List() []*types.Kernel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Kernel, 0, len(r.kernels))
	for _, k := range r.kernels {
		out = append(out, k)
	}
	return out
}

// SetState updates a kernel's lifecycle state in place.
func (r *KernelRegistry) SetState(id string, state types.KernelState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.kernels[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKernelNotFound, id)
	}
	k.State = state
	return nil
}
