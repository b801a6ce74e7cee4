package api

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/kernelmgr/pkg/driver"
	"github.com/lablup/kernelmgr/pkg/lifecycle"
	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/types"
	"github.com/lablup/kernelmgr/pkg/wire"
)

func fakeAgentServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					payload, err := wire.ReadFramed(conn)
					if err != nil {
						return
					}
					req, err := wire.DecodeAgentRequest(payload)
					if err != nil {
						return
					}
					var resp wire.AgentResponse
					switch req.ReqType {
					case wire.AgentReqHeartbeat:
						resp = wire.AgentResponse{Body: req.Body}
					case wire.AgentReqSocketInfo:
						resp = wire.AgentResponse{Body: []byte(`{"stdin":"tcp://x:1","stdout":"tcp://x:2","stderr":"tcp://x:3"}`)}
					}
					if err := wire.WriteFramed(conn, wire.EncodeAgentResponse(resp)); err != nil {
						return
					}
				}
			}()
		}
	}()
}

func callManager(t *testing.T, addr string, req wire.ManagerRequest) wire.ManagerResponse {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFramed(conn, wire.EncodeManagerRequest(req)))
	payload, err := wire.ReadFramed(conn)
	require.NoError(t, err)

	resp, err := wire.DecodeManagerResponse(payload)
	require.NoError(t, err)
	return resp
}

func TestServerPing(t *testing.T) {
	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: 1, Hi: 2})
	c := lifecycle.NewCoordinator(d, kernels)

	// find a free port, then bind the server there directly
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()

	s := NewServer(ln.Addr().String(), c)
	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	resp := callManager(t, s.addr, wire.ManagerRequest{Action: wire.ActionPing, Body: []byte("abc")})
	assert.Equal(t, wire.ReplyPong, resp.Reply)
	assert.Equal(t, "abc", string(resp.Body))
	assert.Empty(t, resp.KernelID)
}

func TestServerCreateAndDestroy(t *testing.T) {
	agentLn, agentPort := func() (net.Listener, int) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		return ln, ln.Addr().(*net.TCPAddr).Port
	}()
	defer agentLn.Close()
	fakeAgentServer(t, agentLn)

	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	instances.Register(&types.Instance{Tag: "test", Address: "127.0.0.1", Maximum: 2})

	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: agentPort, Hi: agentPort + 3})
	c := lifecycle.NewCoordinator(d, kernels)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()

	s := NewServer(ln.Addr().String(), c)
	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	resp := callManager(t, s.addr, wire.ManagerRequest{Action: wire.ActionCreate, Body: []byte("python:3.10")})
	require.Equal(t, wire.ReplySuccess, resp.Reply)
	assert.Contains(t, resp.KernelID, "local/")

	var body socketInfoBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Nil(t, body.StdinSock)
	assert.Equal(t, "tcp://x:2", body.StdoutSock)

	destroyResp := callManager(t, s.addr, wire.ManagerRequest{Action: wire.ActionDestroy, KernelID: resp.KernelID})
	assert.Equal(t, wire.ReplySuccess, destroyResp.Reply)

	missingResp := callManager(t, s.addr, wire.ManagerRequest{Action: wire.ActionDestroy, KernelID: "local/missing"})
	assert.Equal(t, wire.ReplyInvalidInput, missingResp.Reply)
	assert.Equal(t, "No such kernel.", string(missingResp.Body))
}
