package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/runtime"
	"github.com/lablup/kernelmgr/pkg/types"
)

// containerTeardownTimeout bounds how long StopContainer waits for a
// graceful exit before the runtime escalates to SIGKILL.
const containerTeardownTimeout = 10 * time.Second

// containerBackend spawns one container per kernel via containerd.
// Its local-id is the container id containerd assigns.
type containerBackend struct {
	rt        *runtime.ContainerdRuntime
	imageRef  string
	namespace string
}

// NewContainer constructs the container Driver variant: no loopback
// filter on placement, and capacity may use the port range fully
// (maximum <= len(port range)).
func NewContainer(rt *runtime.ContainerdRuntime, imageRef, namespace string, instances *registry.InstanceRegistry, kernels *registry.KernelRegistry, portRange types.PortRange) *Driver {
	return newDriver(&containerBackend{rt: rt, imageRef: imageRef, namespace: namespace}, instances, kernels, portRange)
}

func (b *containerBackend) tag() string { return "docker" }

func (b *containerBackend) addressFilter() registry.AddressFilter {
	return registry.AnyAddress
}

func (b *containerBackend) maxAssertion(maximum, portRangeLen int) error {
	if maximum <= portRangeLen {
		return nil
	}
	return fmt.Errorf("%w: container driver requires maximum (%d) <= port range length (%d)", ErrCapacityAssertion, maximum, portRangeLen)
}

func (b *containerBackend) spawn(ctx context.Context, inst *types.Instance, port int, specTag string) (string, interface{}, error) {
	if err := b.rt.PullImage(ctx, b.imageRef); err != nil {
		return "", nil, err
	}

	id := fmt.Sprintf("%s-kernel-%d", b.namespace, port)
	env := []string{fmt.Sprintf("KERNEL_AGENT_PORT=%d", port), fmt.Sprintf("KERNEL_SPEC=%s", specTag)}

	containerID, err := b.rt.CreateContainer(ctx, id, b.imageRef, env)
	if err != nil {
		return "", nil, err
	}
	if err := b.rt.StartContainer(ctx, containerID); err != nil {
		return "", nil, err
	}
	return containerID, containerID, nil
}

// resolveAgentHost looks up the container's own network address: the
// instance's configured address identifies the containerd host, not
// the per-container IP the agent actually binds on.
func (b *containerBackend) resolveAgentHost(ctx context.Context, handle interface{}) (string, error) {
	containerID, ok := handle.(string)
	if !ok {
		return "", fmt.Errorf("container backend: unexpected handle type %T", handle)
	}
	return b.rt.GetContainerIP(ctx, containerID)
}

func (b *containerBackend) teardown(ctx context.Context, handle interface{}) error {
	containerID, ok := handle.(string)
	if !ok {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, containerTeardownTimeout)
	defer cancel()
	return b.rt.DeleteContainer(stopCtx, containerID)
}
