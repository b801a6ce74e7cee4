package driver

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/lablup/kernelmgr/pkg/types"
	"github.com/lablup/kernelmgr/pkg/wire"
)

// pingTimeout is the hard deadline for a single HEARTBEAT round trip
// (§4.2.4).
const pingTimeout = 2 * time.Second

// socketInfoTimeout caps the SOCKET_INFO round trip; spec leaves it
// uncapped but recommends implementers bound it at >= 5s.
const socketInfoTimeout = 5 * time.Second

// pingAgent sends a HEARTBEAT with a fresh correlation token to addr
// and returns true iff the reply arrives within pingTimeout and echoes
// the token back verbatim.
func pingAgent(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	token := uuid.New().String()
	resp, err := callAgent(ctx, addr, wire.AgentRequest{ReqType: wire.AgentReqHeartbeat, Body: []byte(token)})
	if err != nil {
		return false
	}
	return string(resp.Body) == token
}

// socketInfoPayload is the JSON record the agent's SOCKET_INFO reply
// body carries.
type socketInfoPayload struct {
	Stdin  string `json:"stdin"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// fetchSocketInfo sends SOCKET_INFO with an empty body and parses the
// reply into the kernel's three I/O endpoints. No retry at this layer.
func fetchSocketInfo(ctx context.Context, addr string) (types.SocketEndpoints, error) {
	ctx, cancel := context.WithTimeout(ctx, socketInfoTimeout)
	defer cancel()

	resp, err := callAgent(ctx, addr, wire.AgentRequest{ReqType: wire.AgentReqSocketInfo, Body: nil})
	if err != nil {
		return types.SocketEndpoints{}, err
	}

	var payload socketInfoPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return types.SocketEndpoints{}, err
	}
	return types.SocketEndpoints{
		StdinSock:  payload.Stdin,
		StdoutSock: payload.Stdout,
		StderrSock: payload.Stderr,
	}, nil
}

// callAgent dials addr, writes a single framed AgentRequest, and reads
// back one framed AgentResponse, honoring ctx's deadline for the whole
// round trip.
func callAgent(ctx context.Context, addr string, req wire.AgentRequest) (wire.AgentResponse, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.AgentResponse{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := wire.WriteFramed(conn, wire.EncodeAgentRequest(req)); err != nil {
		return wire.AgentResponse{}, err
	}

	payload, err := wire.ReadFramed(conn)
	if err != nil {
		return wire.AgentResponse{}, err
	}
	return wire.DecodeAgentResponse(payload)
}
