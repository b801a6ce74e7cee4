package metrics

import (
	"time"

	"github.com/lablup/kernelmgr/pkg/registry"
)

// RaftStats is the slice of the optional coordinator's Manager this
// collector needs. Defined here (rather than imported) to avoid a
// pkg/coordinator <-> pkg/metrics import cycle, since the coordinator
// already depends on pkg/metrics to time its Raft applies.
type RaftStats interface {
	IsLeader() bool
	GetRaftStats() map[string]interface{}
}

// Collector periodically snapshots the in-memory registries (and, when
// the optional coordinator is active, its Raft state) into the
// Prometheus gauges.
type Collector struct {
	instances *registry.InstanceRegistry
	kernels   *registry.KernelRegistry
	raft      RaftStats
	stopCh    chan struct{}
}

// NewCollector creates a collector. raft may be nil when no
// coordinator is configured; Raft gauges are simply left unset.
func NewCollector(instances *registry.InstanceRegistry, kernels *registry.KernelRegistry, raft RaftStats) *Collector {
	return &Collector{
		instances: instances,
		kernels:   kernels,
		raft:      raft,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectInstanceMetrics()
	c.collectKernelMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectInstanceMetrics() {
	instances := c.instances.List()
	InstancesTotal.Set(float64(len(instances)))
	for _, inst := range instances {
		InstanceOccupiedSlots.WithLabelValues(inst.Tag).Set(float64(inst.Current))
	}
}

func (c *Collector) collectKernelMetrics() {
	kernels := c.kernels.List()

	counts := make(map[string]int)
	for _, k := range kernels {
		counts[string(k.State)]++
	}

	for state, count := range counts {
		KernelsTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.raft == nil {
		return
	}

	if c.raft.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.raft.GetRaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(uint64); ok {
		RaftPeers.Set(float64(peers))
	}
}
