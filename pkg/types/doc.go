/*
Package types defines the core data structures shared across kernelmgr.

It holds the domain model consumed by the driver, registry, lifecycle,
event, and wire packages: instances, kernels, port ranges, and the
resolved configuration record.

# Core Types

Placement & capacity:
  - Instance: a worker host, identified by a stable tag, bounded by a
    maximum concurrent kernel count and a set of occupied agent ports.
  - PortRange: the contiguous [Lo, Hi) range agent ports are drawn from.

Kernel lifecycle:
  - Kernel: a live sandboxed compute worker, keyed by a globally unique
    id of the form "<driver-tag>/<local-id>".
  - KernelState: PLACING, SPAWNED, PROBING, READY, DESTROYING, GONE,
    with an off-path FAILED terminal for probe timeout.

Configuration:
  - Config: namespace, coordinator address (optional), RPC and event
    ingress addresses, driver selection, port range, logging knobs.

# Invariants

For every Instance i: 0 <= i.Current <= i.Maximum and
len(i.OccupiedPorts) == i.Current. For every Kernel k held by a
registry, k.Instance.OccupiedPorts contains k.AgentPort.

# Thread Safety

Types in this package carry no locking of their own. Instance and
Kernel records are mutated under the locks held by pkg/registry; this
package only defines their shape.
*/
package types
