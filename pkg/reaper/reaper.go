/*
Package reaper implements the optional heartbeat sweep over READY
kernels (off by default). On a fixed interval it pings every READY
kernel through the driver; a kernel that fails sweepFailureThreshold
consecutive sweeps is reported by publishing a "kernel.unresponsive"
event onto the event plane rather than being torn down directly,
preserving the lifecycle coordinator's single-writer discipline over
the Kernel registry. A handler registered on the dispatcher (wired by
the CLI entrypoint) is what actually calls ForceDestroy.
*/
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lablup/kernelmgr/pkg/driver"
	"github.com/lablup/kernelmgr/pkg/events"
	"github.com/lablup/kernelmgr/pkg/log"
	"github.com/lablup/kernelmgr/pkg/metrics"
	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/types"
)

const sweepInterval = 30 * time.Second

// sweepFailureThreshold is how many consecutive failed sweeps a kernel
// must accumulate before it is reported unresponsive.
const sweepFailureThreshold = 3

// Reaper periodically probes every READY kernel and reports
// persistently unresponsive ones through the event plane.
type Reaper struct {
	driver      *driver.Driver
	kernels     *registry.KernelRegistry
	ingressAddr string

	logger zerolog.Logger

	mu       sync.Mutex
	failures map[string]int
	stopCh   chan struct{}
}

// NewReaper wires a Reaper around one driver variant. ingressAddr is
// the event router's TCP ingress address, used to publish
// kernel.unresponsive events the same way an external agent would.
func NewReaper(d *driver.Driver, kernels *registry.KernelRegistry, ingressAddr string) *Reaper {
	return &Reaper{
		driver:      d,
		kernels:     kernels,
		ingressAddr: ingressAddr,
		logger:      log.WithComponent("reaper"),
		failures:    make(map[string]int),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the sweep loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reaper) sweep() {
	metrics.ReaperSweepsTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), sweepInterval)
	defer cancel()

	for _, k := range r.kernels.List() {
		if k.State != types.KernelStateReady {
			r.clearFailures(k.ID)
			continue
		}
		if r.driver.PingKernel(ctx, k.ID) {
			r.clearFailures(k.ID)
			continue
		}
		r.recordFailure(k.ID)
	}
}

func (r *Reaper) clearFailures(id string) {
	r.mu.Lock()
	delete(r.failures, id)
	r.mu.Unlock()
}

func (r *Reaper) recordFailure(id string) {
	r.mu.Lock()
	r.failures[id]++
	n := r.failures[id]
	if n >= sweepFailureThreshold {
		delete(r.failures, id)
	}
	r.mu.Unlock()

	if n < sweepFailureThreshold {
		return
	}

	metrics.ReaperUnresponsiveTotal.Inc()
	r.logger.Warn().Str("kernel_id", id).Msg("kernel unresponsive after repeated probes")

	if err := events.Publish(r.ingressAddr, "kernel.unresponsive", id, nil); err != nil {
		r.logger.Error().Err(err).Str("kernel_id", id).Msg("failed to publish kernel.unresponsive")
	}
}
