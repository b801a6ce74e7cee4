package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lablup/kernelmgr/pkg/driver"
	"github.com/lablup/kernelmgr/pkg/log"
	"github.com/lablup/kernelmgr/pkg/metrics"
	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/types"
)

// warmupGrace is the pause after spawn before the first probe attempt.
const warmupGrace = 200 * time.Millisecond

// probeAttempts and probeInterval bound readiness probing: up to 5
// pings, 1s apart, first success wins.
const (
	probeAttempts = 5
	probeInterval = 1 * time.Second
)

// Errors returned by Create/Destroy carry the exact reply body text the
// request server echoes back to the client.
var (
	ErrNoInstanceAvailable = errors.New("No instance is available to launch a new kernel.")
	ErrKernelUnresponsive  = errors.New("The created kernel did not respond!")
	ErrNoSuchKernel        = errors.New("No such kernel.")
)

// Mirror is the optional coordinator's replication surface. A
// Coordinator with a Mirror set applies every Kernel registry mutation
// through it in addition to the in-memory registry write; a mirror
// failure is logged and otherwise ignored; it never changes the
// CREATE/DESTROY/PING reply the client sees.
type Mirror interface {
	MirrorKernel(namespace string, k *types.Kernel) error
	MirrorKernelDelete(namespace, id string) error
}

// Coordinator owns the CREATE/DESTROY state machine and is the sole
// writer of the Kernel registry; the reaper and any other caller that
// needs a kernel gone must go through ForceDestroy rather than touching
// the registry directly.
type Coordinator struct {
	driver  *driver.Driver
	kernels *registry.KernelRegistry
	logger  zerolog.Logger

	namespace string
	mirror    Mirror
}

// NewCoordinator wires a Coordinator around one driver variant.
func NewCoordinator(d *driver.Driver, kernels *registry.KernelRegistry) *Coordinator {
	return &Coordinator{
		driver:  d,
		kernels: kernels,
		logger:  log.WithComponent("lifecycle"),
	}
}

// Create runs the full placement pipeline: find an instance, spawn a
// kernel, wait out the warm-up grace, probe up to 5 times, then fetch
// socket endpoints. On probe exhaustion the partial kernel is torn
// down and its reservation released before returning
// ErrKernelUnresponsive.
func (c *Coordinator) Create(ctx context.Context, specTag string) (string, types.SocketEndpoints, error) {
	placementTimer := metrics.NewTimer()

	inst, err := c.driver.FindAvailableInstance()
	if err != nil {
		metrics.KernelsFailedTotal.WithLabelValues("no_instance").Inc()
		return "", types.SocketEndpoints{}, ErrNoInstanceAvailable
	}

	id, err := c.driver.CreateKernel(ctx, inst, specTag)
	if err != nil {
		c.logger.Error().Err(err).Str("instance_tag", inst.Tag).Msg("create_kernel failed")
		metrics.KernelsFailedTotal.WithLabelValues("spawn_failed").Inc()
		return "", types.SocketEndpoints{}, err
	}
	placementTimer.ObserveDuration(metrics.PlacementLatency)
	kernelLog := log.WithKernelID(id)

	if err := sleepCtx(ctx, warmupGrace); err != nil {
		c.abandon(ctx, id, kernelLog)
		metrics.KernelsFailedTotal.WithLabelValues("cancelled").Inc()
		return "", types.SocketEndpoints{}, err
	}

	if err := c.kernels.SetState(id, types.KernelStateProbing); err != nil {
		return "", types.SocketEndpoints{}, err
	}

	probeTimer := metrics.NewTimer()
	ready := false
	for attempt := 0; attempt < probeAttempts; attempt++ {
		if c.driver.PingKernel(ctx, id) {
			ready = true
			break
		}
		if attempt < probeAttempts-1 {
			if err := sleepCtx(ctx, probeInterval); err != nil {
				c.abandon(ctx, id, kernelLog)
				metrics.KernelsFailedTotal.WithLabelValues("cancelled").Inc()
				return "", types.SocketEndpoints{}, err
			}
		}
	}

	if !ready {
		kernelLog.Warn().Msg("kernel did not respond after 5 probes, tearing down")
		c.abandon(ctx, id, kernelLog)
		metrics.KernelsFailedTotal.WithLabelValues("unresponsive").Inc()
		return "", types.SocketEndpoints{}, ErrKernelUnresponsive
	}
	probeTimer.ObserveDuration(metrics.ProbeToReadyLatency)

	if err := c.driver.FetchSocketInfo(ctx, id); err != nil {
		kernelLog.Error().Err(err).Msg("fetch_socket_info failed")
		c.abandon(ctx, id, kernelLog)
		metrics.KernelsFailedTotal.WithLabelValues("fetch_socket_info_failed").Inc()
		return "", types.SocketEndpoints{}, ErrKernelUnresponsive
	}

	if err := c.kernels.SetState(id, types.KernelStateReady); err != nil {
		return "", types.SocketEndpoints{}, err
	}

	k, err := c.kernels.Get(id)
	if err != nil {
		return "", types.SocketEndpoints{}, err
	}
	c.mirrorKernel(k)
	metrics.KernelsCreatedTotal.WithLabelValues(c.driver.Tag()).Inc()
	return id, k.Endpoints, nil
}

// Destroy tears down a known kernel and replies SUCCESS, or
// ErrNoSuchKernel if the id is not registered.
func (c *Coordinator) Destroy(ctx context.Context, kernelID string) error {
	if _, err := c.kernels.Get(kernelID); err != nil {
		return ErrNoSuchKernel
	}
	if err := c.kernels.SetState(kernelID, types.KernelStateDestroying); err != nil {
		return ErrNoSuchKernel
	}
	if err := c.driver.DestroyKernel(ctx, kernelID); err != nil {
		return err
	}
	c.mirrorKernelDelete(kernelID)
	metrics.KernelsDestroyedTotal.WithLabelValues(c.driver.Tag()).Inc()
	return nil
}

// EnableMirror activates replication of Kernel registry mutations
// through m, scoped to namespace. Called once at startup when the
// optional coordinator is configured; a Coordinator with no mirror set
// behaves exactly as before.
func (c *Coordinator) EnableMirror(namespace string, m Mirror) {
	c.namespace = namespace
	c.mirror = m
}

func (c *Coordinator) mirrorKernel(k *types.Kernel) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.MirrorKernel(c.namespace, k); err != nil {
		c.logger.Warn().Err(err).Str("kernel_id", k.ID).Msg("mirror kernel failed")
	}
}

func (c *Coordinator) mirrorKernelDelete(id string) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.MirrorKernelDelete(c.namespace, id); err != nil {
		c.logger.Warn().Err(err).Str("kernel_id", id).Msg("mirror kernel delete failed")
	}
}

// HandleUnresponsive is the dispatcher handler for "kernel.unresponsive"
// events (published by the optional reaper). It calls ForceDestroy
// rather than mutating the Kernel registry inline, so an unresponsive
// report is subject to the same single-writer discipline as a client
// DESTROY.
func (c *Coordinator) HandleUnresponsive(kernelID string, _ []byte) {
	if err := c.ForceDestroy(context.Background(), kernelID); err != nil {
		c.logger.Warn().Err(err).Str("kernel_id", kernelID).Msg("force destroy of unresponsive kernel failed")
	}
}

// ForceDestroy is Destroy's entry point for callers outside the normal
// client request path (the reaper), preserving single-writer
// discipline over the Kernel registry.
func (c *Coordinator) ForceDestroy(ctx context.Context, kernelID string) error {
	return c.Destroy(ctx, kernelID)
}

// abandon marks a kernel FAILED and tears it down, logging but not
// propagating a teardown failure: the caller already has the error it
// will report (probe timeout or cancellation).
func (c *Coordinator) abandon(ctx context.Context, id string, kernelLog zerolog.Logger) {
	if err := c.kernels.SetState(id, types.KernelStateFailed); err != nil {
		kernelLog.Error().Err(err).Msg("failed to mark kernel FAILED")
	}
	if err := c.driver.DestroyKernel(ctx, id); err != nil {
		kernelLog.Error().Err(err).Msg("teardown of abandoned kernel failed")
	}
}

// sleepCtx sleeps for d, returning early with ctx's error if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
