/*
Package manager implements the optional Raft-backed coordinator that
mirrors the Instance and Kernel registries across manager replicas.

A single kernelmgr process is fully functional on its own: the
in-memory registries in pkg/registry are the only source of truth, and
CREATE/DESTROY/PING never touch this package. Setting
Config.CoordinatorAddr activates it: the CLI entrypoint mirrors each
instance it registers at startup, and the lifecycle coordinator
mirrors each kernel that reaches READY and each kernel it destroys, so
other replicas see which instances and kernels exist. An instance's
current count and occupied ports, and a kernel's intermediate states,
are not mirrored.

# Architecture

	┌────────────────────── MANAGER NODE ───────────────────────┐
	│                                                             │
	│  pkg/lifecycle.Coordinator                                 │
	│    - owns CREATE/DESTROY/PING semantics                    │
	│    - writes pkg/registry, then mirrors via Manager          │
	│                     │                                       │
	│  Manager (this package)                                    │
	│    - Apply(Command) replicates one registry mutation        │
	│    - Bootstrap / Join / AddVoter / RemoveServer             │
	│                     │                                       │
	│  raft.Raft (hashicorp/raft)                                 │
	│    - leader election, log replication                      │
	│                     │                                       │
	│  FSM                                                        │
	│    - Apply/Snapshot/Restore against pkg/storage             │
	│                     │                                       │
	│  pkg/storage.BoltStore (bbolt)                              │
	│    - instances bucket: <namespace>/<tag>                    │
	│    - kernels bucket:   <namespace>/<kernel_id>              │
	└─────────────────────────────────────────────────────────────┘

# Cluster-admin surface

AdminServer/AdminClient expose join-token issuance, voter join and
removal, listing and lookup of the mirrored records, and instance
register/deregister over a small JSON protocol framed with pkg/wire's length-prefixing, kept
separate from the Manager RPC protocol used for kernel dispatch.
Joining a node to the cluster requires a token from GenerateJoinToken,
validated by TokenManager before the leader adds the new voter.

# Non-goals

This package only ever replicates Instance and Kernel records. It does
not manage certificates, DNS, ingress, or secrets; those concerns
belonged to the cluster-management system this package is adapted
from and have no equivalent in the kernel dispatch domain.
*/
package manager
