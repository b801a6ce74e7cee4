package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lablup/kernelmgr/pkg/types"
)

// ErrNoCapacity is returned when no instance has headroom for another
// kernel.
var ErrNoCapacity = errors.New("registry: no instance is available to launch a new kernel")

// ErrInstanceNotFound is returned for lookups against an unknown tag.
var ErrInstanceNotFound = errors.New("registry: instance not found")

// ErrPortRangeExhausted is returned when an instance has no free port
// left in its configured range.
var ErrPortRangeExhausted = errors.New("registry: no free port in range")

// InstanceRegistry is the in-memory catalog of known worker instances
// (C3). The lifecycle coordinator is the registry's single writer
// (spec's single-writer discipline extended to placement); every
// mutating method still takes the lock itself so the invariant holds
// even under concurrent callers.
type InstanceRegistry struct {
	mu        sync.Mutex
	instances map[string]*types.Instance
	order     []string // insertion order, for deterministic iteration
}

// NewInstanceRegistry constructs an empty registry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{instances: make(map[string]*types.Instance)}
}

// Register adds an instance to the registry, created at startup or via
// explicit registration. OccupiedPorts is initialized if nil.
func (r *InstanceRegistry) Register(inst *types.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst.OccupiedPorts == nil {
		inst.OccupiedPorts = make(map[int]struct{})
	}
	if _, exists := r.instances[inst.Tag]; !exists {
		r.order = append(r.order, inst.Tag)
	}
	r.instances[inst.Tag] = inst
}

// Get returns the instance with the given tag.
func (r *InstanceRegistry) Get(tag string) (*types.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, tag)
	}
	return inst, nil
}

// AddressFilter narrows which instances FindAndReserve considers.
type AddressFilter func(*types.Instance) bool

// LoopbackOnly accepts only instances whose address is the loopback
// address, the local driver's placement filter.
func LoopbackOnly(inst *types.Instance) bool {
	return inst.Address == "127.0.0.1" || inst.Address == "localhost" || inst.Address == "::1"
}

// AnyAddress accepts every instance, the container driver's filter.
func AnyAddress(*types.Instance) bool {
	return true
}

// FindAndReserve scans the registry, in insertion order, for the first
// instance matching filter with current < maximum, and atomically
// increments its current count before returning it (step 1 of
// create_kernel: find_available_instance). Returns ErrNoCapacity if
// none match.
func (r *InstanceRegistry) FindAndReserve(filter AddressFilter) (*types.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tag := range r.order {
		inst := r.instances[tag]
		if !filter(inst) {
			continue
		}
		if inst.Current < inst.Maximum {
			inst.Current++
			return inst, nil
		}
	}
	return nil, ErrNoCapacity
}

// ReservePort picks the smallest free port in portRange on inst and
// marks it occupied, under the registry lock. Callers must already
// hold a capacity reservation from FindAndReserve.
func (r *InstanceRegistry) ReservePort(inst *types.Instance, portRange types.PortRange) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst.OccupiedPorts == nil {
		inst.OccupiedPorts = make(map[int]struct{})
	}
	for p := portRange.Lo; p < portRange.Hi; p++ {
		if _, occupied := inst.OccupiedPorts[p]; !occupied {
			inst.OccupiedPorts[p] = struct{}{}
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: [%d,%d) on instance %s", ErrPortRangeExhausted, portRange.Lo, portRange.Hi, inst.Tag)
}

// Release frees a previously reserved port and decrements Current as
// one atomic step, undoing FindAndReserve+ReservePort together. Used
// both by destroy_kernel (post-condition: current decreased by
// exactly one) and by the create_kernel failure-cleanup path.
func (r *InstanceRegistry) Release(inst *types.Instance, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(inst.OccupiedPorts, port)
	if inst.Current > 0 {
		inst.Current--
	}
}

// ReleaseCapacityOnly decrements Current without releasing any port,
// for rolling back a FindAndReserve that never progressed to
// ReservePort (e.g. the port-range assertion failed first).
func (r *InstanceRegistry) ReleaseCapacityOnly(inst *types.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst.Current > 0 {
		inst.Current--
	}
}

// List returns a snapshot of all instances in insertion order.
func (r *InstanceRegistry) List() []*types.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Instance, 0, len(r.order))
	for _, tag := range r.order {
		out = append(out, r.instances[tag])
	}
	return out
}
