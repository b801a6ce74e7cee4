package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lablup/kernelmgr/pkg/log"
	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/types"
)

// Errors surfaced by Driver, matching the error-kind table in §7.
var (
	ErrBackendSpawnFailed    = errors.New("driver: backend spawn failed")
	ErrBackendTeardownFailed = errors.New("driver: backend teardown failed")
	ErrCapacityAssertion     = errors.New("driver: instance maximum exceeds configured port range")
)

// Driver is the capability set of C2: find_available_instance,
// create_kernel, destroy_kernel, ping_kernel, fetch_socket_info. The
// Local and Container variants differ only in backend: placement
// filter, spawn, and teardown; everything else (port bookkeeping,
// naming, probing) is shared here.
type Driver struct {
	backend   backend
	instances *registry.InstanceRegistry
	kernels   *registry.KernelRegistry
	portRange types.PortRange
	logger    zerolog.Logger
}

// backend is the small seam between the two concrete driver variants.
// maxAssertion enforces the capacity-vs-port-range headroom check
// that differs by a single comparison operator between variants
// (strict < for local, <= for container).
type backend interface {
	tag() string
	addressFilter() registry.AddressFilter
	maxAssertion(maximum, portRangeLen int) error
	spawn(ctx context.Context, inst *types.Instance, port int, specTag string) (localID string, handle interface{}, err error)
	teardown(ctx context.Context, handle interface{}) error

	// resolveAgentHost reports the address a probe should dial for
	// handle, overriding the instance's configured address. The local
	// backend always defers to the instance address ("", nil); the
	// container backend looks up the spawned container's own IP, since
	// a container's network address isn't known until it's running.
	resolveAgentHost(ctx context.Context, handle interface{}) (string, error)
}

func newDriver(b backend, instances *registry.InstanceRegistry, kernels *registry.KernelRegistry, portRange types.PortRange) *Driver {
	return &Driver{
		backend:   b,
		instances: instances,
		kernels:   kernels,
		portRange: portRange,
		logger:    log.WithComponent("driver-" + b.tag()),
	}
}

// Tag identifies the driver variant ("local" or "docker"), for
// labeling metrics and logs by backend.
func (d *Driver) Tag() string {
	return d.backend.tag()
}

// FindAvailableInstance implements step 1 of create_kernel.
func (d *Driver) FindAvailableInstance() (*types.Instance, error) {
	return d.instances.FindAndReserve(d.backend.addressFilter())
}

// CreateKernel implements step 2 of create_kernel: asserts capacity
// headroom, reserves a port, spawns the backend, and records the
// Kernel. On any failure after the capacity reservation it releases
// what it reserved before propagating the error.
func (d *Driver) CreateKernel(ctx context.Context, inst *types.Instance, specTag string) (string, error) {
	if err := d.backend.maxAssertion(inst.Maximum, d.portRange.Len()); err != nil {
		d.instances.ReleaseCapacityOnly(inst)
		return "", err
	}

	port, err := d.instances.ReservePort(inst, d.portRange)
	if err != nil {
		d.instances.ReleaseCapacityOnly(inst)
		return "", err
	}

	localID, handle, err := d.backend.spawn(ctx, inst, port, specTag)
	if err != nil {
		d.instances.Release(inst, port)
		return "", fmt.Errorf("%w: %v", ErrBackendSpawnFailed, err)
	}

	host, err := d.backend.resolveAgentHost(ctx, handle)
	if err != nil {
		d.logger.Warn().Err(err).Str("local_id", localID).Msg("resolve agent host failed, falling back to instance address")
	}

	id := types.NewKernelID(d.backend.tag(), localID)
	k := &types.Kernel{
		ID:           id,
		Instance:     inst,
		SpecTag:      specTag,
		AgentPort:    port,
		AgentHost:    host,
		State:        types.KernelStateSpawned,
		DriverHandle: handle,
	}
	d.kernels.Put(k)
	return id, nil
}

// DestroyKernel implements step 3: tears down the backend handle,
// releases the port reservation, and removes the record. A teardown
// failure is logged and still results in registry removal (the
// BACKEND_TEARDOWN_FAILED disposition in §7), but is reported to the
// caller so the RPC layer can reply FAILURE.
func (d *Driver) DestroyKernel(ctx context.Context, id string) error {
	k, err := d.kernels.Get(id)
	if err != nil {
		return err
	}

	teardownErr := d.backend.teardown(ctx, k.DriverHandle)
	if teardownErr != nil {
		d.logger.Error().Err(teardownErr).Str("kernel_id", id).Msg("backend teardown failed")
	}

	d.instances.Release(k.Instance, k.AgentPort)
	d.kernels.Remove(id)

	if teardownErr != nil {
		return fmt.Errorf("%w: %v", ErrBackendTeardownFailed, teardownErr)
	}
	return nil
}

// PingKernel implements step 4: sends a HEARTBEAT with a fresh
// correlation token and returns true iff the reply echoes it back
// within a 2-second deadline. Never returns an error; any I/O failure
// or timeout is a false probe, per spec.
func (d *Driver) PingKernel(ctx context.Context, id string) bool {
	k, err := d.kernels.Get(id)
	if err != nil {
		return false
	}
	return pingAgent(ctx, agentAddr(k))
}

// FetchSocketInfo implements step 5: requests SOCKET_INFO from the
// kernel's agent and populates its three I/O endpoints.
func (d *Driver) FetchSocketInfo(ctx context.Context, id string) error {
	k, err := d.kernels.Get(id)
	if err != nil {
		return err
	}
	endpoints, err := fetchSocketInfo(ctx, agentAddr(k))
	if err != nil {
		return err
	}
	endpoints.AgentSock = fmt.Sprintf("tcp://%s", agentAddr(k))
	k.Endpoints = endpoints
	return nil
}

// agentAddr prefers a kernel's resolved AgentHost (set when the
// backend can only learn its spawned unit's address after start, e.g.
// a container's own IP) over its instance's configured address.
func agentAddr(k *types.Kernel) string {
	host := k.Instance.Address
	if k.AgentHost != "" {
		host = k.AgentHost
	}
	return fmt.Sprintf("%s:%d", host, k.AgentPort)
}
