package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernelmgr_instances_total",
			Help: "Total number of registered worker instances",
		},
	)

	InstanceOccupiedSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernelmgr_instance_occupied_slots",
			Help: "Occupied kernel slots by instance tag",
		},
		[]string{"instance_tag"},
	)

	// Kernel metrics
	KernelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernelmgr_kernels_total",
			Help: "Total number of kernels by lifecycle state",
		},
		[]string{"state"},
	)

	KernelsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernelmgr_kernels_created_total",
			Help: "Total number of CREATE requests that reached SUCCESS, by driver",
		},
		[]string{"driver"},
	)

	KernelsDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernelmgr_kernels_destroyed_total",
			Help: "Total number of DESTROY requests that reached SUCCESS, by driver",
		},
		[]string{"driver"},
	)

	KernelsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernelmgr_kernels_failed_total",
			Help: "Total number of kernels that never became READY, by reason",
		},
		[]string{"reason"},
	)

	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kernelmgr_placement_latency_seconds",
			Help:    "Time taken by find_available_instance + create_kernel",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbeToReadyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kernelmgr_probe_to_ready_latency_seconds",
			Help:    "Time from the end of the warm-up grace to the first successful probe",
			Buckets: []float64{0.2, 0.5, 1, 2, 3, 5, 7},
		},
	)

	// Raft coordinator metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernelmgr_raft_is_leader",
			Help: "Whether this process is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernelmgr_raft_peers_total",
			Help: "Total number of Raft peers in the coordinator cluster",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kernelmgr_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernelmgr_raft_last_log_index",
			Help: "Index of the last Raft log entry on this node",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernelmgr_raft_applied_index",
			Help: "Index of the last Raft log entry applied to the FSM on this node",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernelmgr_api_requests_total",
			Help: "Total number of Manager RPC requests by action and reply",
		},
		[]string{"action", "reply"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kernelmgr_api_request_duration_seconds",
			Help:    "Manager RPC request duration in seconds by action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Event plane metrics
	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernelmgr_events_dispatched_total",
			Help: "Total number of events handed to at least one handler, by event name",
		},
		[]string{"event_name"},
	)

	EventsUnknownTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernelmgr_events_unknown_total",
			Help: "Total number of events received with no registered handler",
		},
	)

	// Reaper metrics
	ReaperSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernelmgr_reaper_sweeps_total",
			Help: "Total number of reaper sweep cycles completed",
		},
	)

	ReaperUnresponsiveTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernelmgr_reaper_unresponsive_total",
			Help: "Total number of READY kernels found unresponsive by the reaper",
		},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstanceOccupiedSlots)
	prometheus.MustRegister(KernelsTotal)
	prometheus.MustRegister(KernelsCreatedTotal)
	prometheus.MustRegister(KernelsDestroyedTotal)
	prometheus.MustRegister(KernelsFailedTotal)
	prometheus.MustRegister(PlacementLatency)
	prometheus.MustRegister(ProbeToReadyLatency)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EventsDispatchedTotal)
	prometheus.MustRegister(EventsUnknownTotal)
	prometheus.MustRegister(ReaperSweepsTotal)
	prometheus.MustRegister(ReaperUnresponsiveTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
