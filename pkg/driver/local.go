package driver

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/types"
)

// localTeardownGrace bounds how long a local kernel process is given
// to exit after SIGTERM before SIGKILL.
const localTeardownGrace = 5 * time.Second

// localBackend spawns one child process per kernel. Its local-id is a
// fresh UUID, matching §3's naming rule for the local variant.
type localBackend struct {
	// execPath is the kernel runtime executable; it is run with the
	// agent port and the kernel spec tag as its two arguments.
	execPath string
}

// NewLocal constructs the local Driver variant: placement is filtered
// to loopback instances, and capacity must leave strict headroom in
// the port range (maximum < len(port range)).
func NewLocal(execPath string, instances *registry.InstanceRegistry, kernels *registry.KernelRegistry, portRange types.PortRange) *Driver {
	return newDriver(&localBackend{execPath: execPath}, instances, kernels, portRange)
}

func (b *localBackend) tag() string { return "local" }

func (b *localBackend) addressFilter() registry.AddressFilter {
	return registry.LoopbackOnly
}

func (b *localBackend) maxAssertion(maximum, portRangeLen int) error {
	if maximum < portRangeLen {
		return nil
	}
	return fmt.Errorf("%w: local driver requires maximum (%d) < port range length (%d)", ErrCapacityAssertion, maximum, portRangeLen)
}

func (b *localBackend) spawn(ctx context.Context, inst *types.Instance, port int, specTag string) (string, interface{}, error) {
	cmd := exec.CommandContext(ctx, b.execPath, strconv.Itoa(port), specTag)
	if err := cmd.Start(); err != nil {
		return "", nil, err
	}
	return uuid.New().String(), cmd, nil
}

// resolveAgentHost is a no-op for the local backend: a loopback
// instance's configured address is always where its child processes
// listen.
func (b *localBackend) resolveAgentHost(ctx context.Context, handle interface{}) (string, error) {
	return "", nil
}

func (b *localBackend) teardown(ctx context.Context, handle interface{}) error {
	cmd, ok := handle.(*exec.Cmd)
	if !ok || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(localTeardownGrace):
		if err := cmd.Process.Kill(); err != nil {
			return err
		}
		<-done
		return nil
	}
}
