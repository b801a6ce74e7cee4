package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/lablup/kernelmgr/pkg/log"
	"github.com/lablup/kernelmgr/pkg/types"
	"github.com/lablup/kernelmgr/pkg/wire"
)

// adminRequest and adminResponse carry the coordinator's cluster-admin
// surface (join, list mirrored instances/kernels). The teacher's
// original cluster-admin client spoke gRPC against a generated
// api/proto package that isn't part of this tree; these two types
// are JSON payloads framed with the same wire.WriteFramed/ReadFramed
// length-prefixing the Manager RPC codec uses, kept deliberately
// separate from the kernel dispatch wire protocol in pkg/wire.
type adminRequest struct {
	Op           string          `json:"op"`
	NodeID       string          `json:"node_id,omitempty"`
	BindAddr     string          `json:"bind_addr,omitempty"`
	Token        string          `json:"token,omitempty"`
	Namespace    string          `json:"namespace,omitempty"`
	Instance     *types.Instance `json:"instance,omitempty"`
	Tag          string          `json:"tag,omitempty"`
	KernelID     string          `json:"kernel_id,omitempty"`
	TokenTTLSecs int             `json:"token_ttl_secs,omitempty"`
}

type adminResponse struct {
	OK        bool              `json:"ok"`
	Error     string            `json:"error,omitempty"`
	Instances []*types.Instance `json:"instances,omitempty"`
	Kernels   []*types.Kernel   `json:"kernels,omitempty"`
	Instance  *types.Instance   `json:"instance,omitempty"`
	Kernel    *types.Kernel     `json:"kernel,omitempty"`
	Servers   []raft.Server     `json:"servers,omitempty"`
	Token     string            `json:"token,omitempty"`
}

const (
	adminOpJoinCluster        = "join_cluster"
	adminOpListInstances      = "list_instances"
	adminOpListKernels        = "list_kernels"
	adminOpGetInstance        = "get_instance"
	adminOpGetKernel          = "get_kernel"
	adminOpRegisterInstance   = "register_instance"
	adminOpDeregisterInstance = "deregister_instance"
	adminOpIssueJoinToken     = "issue_join_token"
	adminOpRemoveServer       = "remove_server"
	adminOpListServers        = "list_servers"
)

// defaultJoinTokenTTL bounds a token requested without an explicit TTL.
const defaultJoinTokenTTL = 10 * time.Minute

// AdminServer exposes the cluster-admin surface: voter admission and
// removal, join-token issuance, listing and lookup of the mirrored
// registries, and instance register/deregister in the mirror.
type AdminServer struct {
	addr    string
	manager *Manager
	logger  zerolog.Logger
	ln      net.Listener
}

func NewAdminServer(addr string, m *Manager) *AdminServer {
	return &AdminServer{addr: addr, manager: m, logger: log.WithComponent("coordinator-admin")}
}

func (s *AdminServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("coordinator admin: bind: %w", err)
	}
	s.ln = ln
	go s.accept()
	return nil
}

func (s *AdminServer) Stop() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *AdminServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *AdminServer) serve(conn net.Conn) {
	defer conn.Close()

	payload, err := wire.ReadFramed(conn)
	if err != nil {
		return
	}

	var req adminRequest
	resp := adminResponse{OK: true}
	if err := json.Unmarshal(payload, &req); err != nil {
		resp = adminResponse{OK: false, Error: "malformed request"}
	} else {
		resp = s.handle(req)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = wire.WriteFramed(conn, data)
}

func (s *AdminServer) handle(req adminRequest) adminResponse {
	switch req.Op {
	case adminOpJoinCluster:
		if _, err := s.manager.tokens.ValidateToken(req.Token); err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		if err := s.manager.AddVoter(req.NodeID, req.BindAddr); err != nil {
			s.logger.Error().Err(err).Str("node_id", req.NodeID).Msg("add voter failed")
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true}
	case adminOpListInstances:
		instances, err := s.manager.ListInstances(req.Namespace)
		if err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true, Instances: instances}
	case adminOpListKernels:
		kernels, err := s.manager.ListKernels(req.Namespace)
		if err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true, Kernels: kernels}
	case adminOpGetInstance:
		inst, err := s.manager.GetInstance(req.Namespace, req.Tag)
		if err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true, Instance: inst}
	case adminOpGetKernel:
		k, err := s.manager.GetKernel(req.Namespace, req.KernelID)
		if err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true, Kernel: k}
	case adminOpRegisterInstance:
		if req.Instance == nil {
			return adminResponse{OK: false, Error: "missing instance"}
		}
		if err := s.manager.MirrorInstance(req.Namespace, req.Instance); err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true}
	case adminOpDeregisterInstance:
		if err := s.manager.MirrorInstanceDelete(req.Namespace, req.Tag); err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true}
	case adminOpRemoveServer:
		if err := s.manager.RemoveServer(req.NodeID); err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true}
	case adminOpListServers:
		servers, err := s.manager.GetClusterServers()
		if err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true, Servers: servers}
	case adminOpIssueJoinToken:
		ttl := time.Duration(req.TokenTTLSecs) * time.Second
		if ttl <= 0 {
			ttl = defaultJoinTokenTTL
		}
		jt, err := s.manager.GenerateJoinToken(ttl)
		if err != nil {
			return adminResponse{OK: false, Error: err.Error()}
		}
		return adminResponse{OK: true, Token: jt.Token}
	default:
		return adminResponse{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// AdminClient is the counterpart used by a joining node (Manager.Join)
// and by the cmd/kernelmgr join-token and cluster subcommands.
type AdminClient struct {
	addr string
	conn net.Conn
}

func NewAdminClient(addr string) *AdminClient {
	return &AdminClient{addr: addr}
}

func (c *AdminClient) dial() (net.Conn, error) {
	return net.Dial("tcp", c.addr)
}

func (c *AdminClient) call(req adminRequest) (adminResponse, error) {
	conn, err := c.dial()
	if err != nil {
		return adminResponse{}, err
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return adminResponse{}, err
	}
	if err := wire.WriteFramed(conn, data); err != nil {
		return adminResponse{}, err
	}

	payload, err := wire.ReadFramed(conn)
	if err != nil {
		return adminResponse{}, err
	}

	var resp adminResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return adminResponse{}, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func (c *AdminClient) JoinCluster(nodeID, bindAddr, token string) error {
	_, err := c.call(adminRequest{Op: adminOpJoinCluster, NodeID: nodeID, BindAddr: bindAddr, Token: token})
	return err
}

func (c *AdminClient) ListInstances(namespace string) ([]*types.Instance, error) {
	resp, err := c.call(adminRequest{Op: adminOpListInstances, Namespace: namespace})
	if err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

func (c *AdminClient) ListKernels(namespace string) ([]*types.Kernel, error) {
	resp, err := c.call(adminRequest{Op: adminOpListKernels, Namespace: namespace})
	if err != nil {
		return nil, err
	}
	return resp.Kernels, nil
}

// GetInstance and GetKernel fetch one record from the cluster-wide
// mirror, for operator tooling that already knows the tag or kernel
// id and doesn't need the whole namespace listing.
func (c *AdminClient) GetInstance(namespace, tag string) (*types.Instance, error) {
	resp, err := c.call(adminRequest{Op: adminOpGetInstance, Namespace: namespace, Tag: tag})
	if err != nil {
		return nil, err
	}
	return resp.Instance, nil
}

func (c *AdminClient) GetKernel(namespace, kernelID string) (*types.Kernel, error) {
	resp, err := c.call(adminRequest{Op: adminOpGetKernel, Namespace: namespace, KernelID: kernelID})
	if err != nil {
		return nil, err
	}
	return resp.Kernel, nil
}

// RegisterInstance publishes an Instance record into the cluster-wide
// mirror, so a node joining later sees the instance through
// ListInstances even though only the registering node's driver can
// actually place kernels onto it.
func (c *AdminClient) RegisterInstance(namespace string, inst *types.Instance) error {
	_, err := c.call(adminRequest{Op: adminOpRegisterInstance, Namespace: namespace, Instance: inst})
	return err
}

// DeregisterInstance removes an Instance record from the cluster-wide
// mirror, for decommissioning a worker instance the operator has
// already drained of kernels.
func (c *AdminClient) DeregisterInstance(namespace, tag string) error {
	_, err := c.call(adminRequest{Op: adminOpDeregisterInstance, Namespace: namespace, Tag: tag})
	return err
}

// RemoveServer asks the leader to remove nodeID as a Raft voter.
func (c *AdminClient) RemoveServer(nodeID string) error {
	_, err := c.call(adminRequest{Op: adminOpRemoveServer, NodeID: nodeID})
	return err
}

// ListServers returns the cluster's current Raft configuration.
func (c *AdminClient) ListServers() ([]raft.Server, error) {
	resp, err := c.call(adminRequest{Op: adminOpListServers})
	if err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// IssueJoinToken asks the node at c's address (normally the leader) to
// mint a join token usable with JoinCluster. ttl <= 0 requests the
// server's default.
func (c *AdminClient) IssueJoinToken(ttl time.Duration) (string, error) {
	resp, err := c.call(adminRequest{Op: adminOpIssueJoinToken, TokenTTLSecs: int(ttl.Seconds())})
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Close is a no-op: AdminClient dials fresh per call rather than
// holding a persistent connection.
func (c *AdminClient) Close() error {
	return nil
}
