package types

import (
	"fmt"
)

// KernelDriverType selects which backend a driver variant targets.
type KernelDriverType string

const (
	KernelDriverLocal     KernelDriverType = "local"
	KernelDriverContainer KernelDriverType = "docker"
)

// KernelState is the per-kernel lifecycle state.
type KernelState string

const (
	KernelStatePlacing    KernelState = "placing"
	KernelStateSpawned    KernelState = "spawned"
	KernelStateProbing    KernelState = "probing"
	KernelStateReady      KernelState = "ready"
	KernelStateDestroying KernelState = "destroying"
	KernelStateGone       KernelState = "gone"
	KernelStateFailed     KernelState = "failed"
)

// Instance is a worker host that can run one or more kernels.
//
// Mutation of Instance records (current, occupied ports) must happen
// under the owning registry's lock, covering the full
// reserve-then-spawn or release-then-decrement span.
type Instance struct {
	Tag                 string
	Address             string
	ContainerDaemonPort int
	Maximum             int
	Current             int
	OccupiedPorts       map[int]struct{}
}

// HasCapacity reports whether the instance can host another kernel.
func (i *Instance) HasCapacity() bool {
	return i.Current < i.Maximum
}

// SocketEndpoints holds the three I/O addresses an agent exposes for a
// kernel, populated by fetch_socket_info.
type SocketEndpoints struct {
	AgentSock  string
	StdinSock  string
	StdoutSock string
	StderrSock string
}

// Kernel is a live sandboxed compute worker.
//
// DriverHandle is opaque to everything outside the driver that created
// it: a child-process handle for the local driver, a container handle
// for the container driver.
type Kernel struct {
	ID        string
	Instance  *Instance
	SpecTag   string
	AgentPort int
	// AgentHost overrides Instance.Address for dialing this kernel's
	// agent, when the driver backend only learns the unit's real
	// address after spawning it (a container's own network IP). Empty
	// means dial Instance.Address as usual.
	AgentHost    string
	Endpoints    SocketEndpoints
	State        KernelState
	DriverHandle interface{} `json:"-"`
}

// NewKernelID composes the globally unique kernel id from a driver tag
// and a fresh local id (container id or UUID, depending on variant).
func NewKernelID(driverTag, localID string) string {
	return fmt.Sprintf("%s/%s", driverTag, localID)
}

// PortRange is the statically configured contiguous range of TCP ports
// used for agent sockets, [Lo, Hi).
type PortRange struct {
	Lo int
	Hi int
}

// Len returns the number of ports in the range.
func (r PortRange) Len() int {
	if r.Hi <= r.Lo {
		return 0
	}
	return r.Hi - r.Lo
}

// Contains reports whether port p falls in [Lo, Hi).
func (r PortRange) Contains(p int) bool {
	return p >= r.Lo && p < r.Hi
}

// Config is the resolved configuration record the core is handed at
// startup. The loader that produces it (flags, env vars) is an
// external collaborator; the CLI entrypoint in cmd/kernelmgr builds
// one of these from cobra flags.
type Config struct {
	Namespace string

	// CoordinatorAddr, when non-empty, activates the optional Raft
	// coordinator (pkg/coordinator) that mirrors both registries.
	CoordinatorAddr string

	AgentEventIngressAddr string
	ManagerRPCAddr        string

	KernelDriver      KernelDriverType
	DockerRegistryURL string

	PortRangeLo int
	PortRangeHi int

	InstanceMaxKernels int

	LogLevel string
	LogJSON  bool
}

// Range builds the types.PortRange this config describes.
func (c Config) Range() PortRange {
	return PortRange{Lo: c.PortRangeLo, Hi: c.PortRangeHi}
}
