/*
Package metrics provides Prometheus metrics collection and exposition
for the kernel manager.

All metrics are registered at package init and exposed over HTTP via
Handler(). Collector periodically snapshots the Instance and Kernel
registries (and, when the optional coordinator is active, its Raft
state) into the gauges below; counters and histograms are updated
inline by the packages that own the events they measure
(pkg/lifecycle, pkg/api, pkg/events, pkg/reaper).

# Metrics catalog

Instance and kernel state:

	kernelmgr_instances_total                          gauge
	kernelmgr_instance_occupied_slots{instance_tag}     gauge
	kernelmgr_kernels_total{state}                      gauge
	kernelmgr_kernels_created_total{driver}             counter
	kernelmgr_kernels_destroyed_total{driver}           counter
	kernelmgr_kernels_failed_total{reason}              counter
	kernelmgr_placement_latency_seconds                 histogram
	kernelmgr_probe_to_ready_latency_seconds            histogram

Optional coordinator:

	kernelmgr_raft_is_leader                            gauge
	kernelmgr_raft_peers_total                          gauge
	kernelmgr_raft_apply_duration_seconds               histogram
	kernelmgr_raft_last_log_index                       gauge
	kernelmgr_raft_applied_index                        gauge

Request server and event plane:

	kernelmgr_api_requests_total{action,reply}          counter
	kernelmgr_api_request_duration_seconds{action}      histogram
	kernelmgr_events_dispatched_total{event_name}       counter
	kernelmgr_events_unknown_total                      counter

Reaper (off by default):

	kernelmgr_reaper_sweeps_total                       counter
	kernelmgr_reaper_unresponsive_total                 counter

# Usage

	timer := metrics.NewTimer()
	// ... perform the operation being measured ...
	timer.ObserveDurationVec(metrics.APIRequestDuration, "CREATE")

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
