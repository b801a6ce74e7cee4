package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/lablup/kernelmgr/pkg/log"
	"github.com/lablup/kernelmgr/pkg/metrics"
	"github.com/lablup/kernelmgr/pkg/storage"
	"github.com/lablup/kernelmgr/pkg/types"
)

// Manager is one voting member of the optional coordinator cluster. It
// wraps a Raft group whose FSM mirrors the Instance and Kernel
// registries into a replicated bbolt store: an instances bucket keyed
// <namespace>/<tag> and a kernels bucket keyed <namespace>/<kernel_id>.
// The bucket name is not part of the key.
//
// Manager never changes CREATE/DESTROY/PING reply semantics; the
// lifecycle coordinator calls MirrorKernel/MirrorKernelDelete after
// its in-memory registry writes (MirrorInstance is called by the CLI
// entrypoint and the admin surface), treating the Raft apply as a
// best-effort mirror rather than a blocking dependency of the reply
// path.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *FSM
	store  storage.Store
	tokens *TokenManager
	logger zerolog.Logger
}

// Config holds the configuration needed to stand up a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager opens the local store and FSM but does not start Raft;
// call Bootstrap or Join next.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	fsm := NewFSM(store)

	m := &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      fsm,
		store:    store,
		tokens:   NewTokenManager(),
		logger:   log.WithComponent("coordinator"),
	}

	return m, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned down from the library defaults (1s/1s/500ms) for LAN-local
	// manager replicas rather than WAN quorums: heartbeats every
	// ~250ms, election within ~500ms, total failover in 2-3s.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (m *Manager) newTransport() (*raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	return raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
}

func (m *Manager) newRaft(config *raft.Config, transport raft.Transport) (*raft.Raft, error) {
	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	return raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
}

// Bootstrap initializes a new single-node Raft cluster with this node
// as the only voter.
func (m *Manager) Bootstrap() error {
	config := m.raftConfig()

	transport, err := m.newTransport()
	if err != nil {
		return err
	}

	r, err := m.newRaft(config, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: config.LocalID, Address: transport.LocalAddr()},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	m.logger.Info().Str("node_id", m.nodeID).Msg("coordinator cluster bootstrapped")
	return nil
}

// Join starts this node's Raft participant and asks the leader at
// leaderAddr to admit it as a voter, authenticated with token.
func (m *Manager) Join(leaderAddr, token string) error {
	config := m.raftConfig()

	transport, err := m.newTransport()
	if err != nil {
		return err
	}

	r, err := m.newRaft(config, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	client := NewAdminClient(leaderAddr)
	defer client.Close()

	if err := client.JoinCluster(m.nodeID, m.bindAddr, token); err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}

	m.logger.Info().Str("leader_addr", leaderAddr).Msg("joined coordinator cluster")
	return nil
}

// AddVoter adds a new coordinator node to the Raft cluster. Only the
// leader may call this.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a node from the Raft cluster. Only the leader
// may call this.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns the current Raft configuration's servers.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node is the current Raft leader.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader, or "".
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// GetRaftStats returns a snapshot of Raft state for /metrics and
// operator tooling.
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         string(m.raft.Leader()),
	}

	if configFuture := m.raft.GetConfiguration(); configFuture.Error() == nil {
		stats["peers"] = uint64(len(configFuture.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}

	return stats
}

// NodeID returns this coordinator node's Raft server ID.
func (m *Manager) NodeID() string {
	return m.nodeID
}

func (m *Manager) apply(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	future := m.raft.Apply(data, 5*time.Second)
	timer.ObserveDuration(metrics.RaftApplyDuration)

	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("fsm apply: %w", err)
	}
	return nil
}

// MirrorInstance replicates an Instance record write. Non-leader nodes
// return an error from the underlying Raft apply; callers treat a
// mirror failure as non-fatal to the client-facing reply.
func (m *Manager) MirrorInstance(namespace string, inst *types.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return m.apply(Command{Op: opPutInstance, Namespace: namespace, Data: data})
}

// MirrorInstanceDelete replicates an Instance removal.
func (m *Manager) MirrorInstanceDelete(namespace, tag string) error {
	data, err := json.Marshal(tag)
	if err != nil {
		return err
	}
	return m.apply(Command{Op: opDeleteInstance, Namespace: namespace, Data: data})
}

// MirrorKernel replicates a Kernel record write.
func (m *Manager) MirrorKernel(namespace string, k *types.Kernel) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	return m.apply(Command{Op: opPutKernel, Namespace: namespace, Data: data})
}

// MirrorKernelDelete replicates a Kernel removal.
func (m *Manager) MirrorKernelDelete(namespace, id string) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return m.apply(Command{Op: opDeleteKernel, Namespace: namespace, Data: data})
}

// ListInstances and ListKernels serve local (possibly stale on a
// follower) reads straight from the mirrored store, for the
// cluster-admin surface.
func (m *Manager) ListInstances(namespace string) ([]*types.Instance, error) {
	return m.store.ListInstances(namespace)
}

func (m *Manager) ListKernels(namespace string) ([]*types.Kernel, error) {
	return m.store.ListKernels(namespace)
}

// GetInstance and GetKernel serve a single-record lookup from the
// mirrored store, for cluster-admin inspection of one instance or
// kernel without pulling the whole namespace.
func (m *Manager) GetInstance(namespace, tag string) (*types.Instance, error) {
	return m.store.GetInstance(namespace, tag)
}

func (m *Manager) GetKernel(namespace, id string) (*types.Kernel, error) {
	return m.store.GetKernel(namespace, id)
}

// GenerateJoinToken issues a token admitting a new coordinator voter.
func (m *Manager) GenerateJoinToken(ttl time.Duration) (*JoinToken, error) {
	return m.tokens.GenerateToken("coordinator", ttl)
}

// Shutdown stops the Raft participant and closes the store.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	return m.store.Close()
}
