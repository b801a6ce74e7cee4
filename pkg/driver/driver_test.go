package driver

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/types"
	"github.com/lablup/kernelmgr/pkg/wire"
)

// fakeAgent answers the single request on each accepted connection
// (echoing a HEARTBEAT token, or a fixed SOCKET_INFO payload) and then
// closes that connection; it keeps accepting until ln is closed.
func fakeAgent(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
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
				wire.WriteFramed(conn, wire.EncodeAgentResponse(resp))
			}()
		}
	}()
}

func newLoopbackListener(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestLocalCreatePingFetchDestroy(t *testing.T) {
	ln, port := newLoopbackListener(t)
	defer ln.Close()
	fakeAgent(t, ln)

	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	instances.Register(&types.Instance{Tag: "inst-1", Address: "127.0.0.1", Maximum: 2})

	d := NewLocal("sleep", instances, kernels, types.PortRange{Lo: port, Hi: port + 3})

	inst, err := d.FindAvailableInstance()
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Current)

	id, err := d.CreateKernel(context.Background(), inst, "python:3.10")
	require.NoError(t, err)
	assert.Contains(t, id, "local/")

	assert.True(t, d.PingKernel(context.Background(), id))

	require.NoError(t, d.FetchSocketInfo(context.Background(), id))
	k, err := kernels.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "tcp://x:1", k.Endpoints.StdinSock)
	assert.NotEmpty(t, k.Endpoints.AgentSock)

	require.NoError(t, d.DestroyKernel(context.Background(), id))
	_, err = kernels.Get(id)
	assert.ErrorIs(t, err, registry.ErrKernelNotFound)
	assert.Equal(t, 0, inst.Current)
}

func TestLocalMaxAssertionRejectsEqualBoundary(t *testing.T) {
	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	inst := &types.Instance{Tag: "inst-1", Address: "127.0.0.1", Maximum: 1}
	instances.Register(inst)

	d := NewLocal("sleep", instances, kernels, types.PortRange{Lo: 40000, Hi: 40001})

	_, err := d.FindAvailableInstance()
	require.NoError(t, err)

	_, err = d.CreateKernel(context.Background(), inst, "python:3.10")
	assert.ErrorIs(t, err, ErrCapacityAssertion)
	// failed assertion must roll back the capacity reservation
	assert.Equal(t, 0, inst.Current)
}

func TestContainerMaxAssertionAllowsEqualBoundary(t *testing.T) {
	b := &containerBackend{}
	assert.NoError(t, b.maxAssertion(4, 4))
	assert.Error(t, b.maxAssertion(5, 4))
}

func TestPingUnknownKernelReturnsFalse(t *testing.T) {
	d := NewLocal("sleep", registry.NewInstanceRegistry(), registry.NewKernelRegistry(), types.PortRange{Lo: 1, Hi: 2})
	assert.False(t, d.PingKernel(context.Background(), "local/missing"))
}

func TestDestroyUnknownKernelReturnsError(t *testing.T) {
	d := NewLocal("sleep", registry.NewInstanceRegistry(), registry.NewKernelRegistry(), types.PortRange{Lo: 1, Hi: 2})
	err := d.DestroyKernel(context.Background(), "local/missing")
	assert.ErrorIs(t, err, registry.ErrKernelNotFound)
}

func TestLocalTeardownSignalsProcess(t *testing.T) {
	b := &localBackend{execPath: "sleep"}
	localID, handle, err := b.spawn(context.Background(), &types.Instance{}, 1, strconv.Itoa(1))
	require.NoError(t, err)
	assert.NotEmpty(t, localID)

	done := make(chan error, 1)
	go func() { done <- b.teardown(context.Background(), handle) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(localTeardownGrace + 2*time.Second):
		t.Fatal("teardown did not return in time")
	}
}
