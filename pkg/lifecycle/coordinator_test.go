package lifecycle

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/kernelmgr/pkg/driver"
	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/types"
	"github.com/lablup/kernelmgr/pkg/wire"
)

// fakeAgentServer answers agent requests on every accepted connection:
// a HEARTBEAT is echoed when answerHeartbeat is true (otherwise the
// connection is closed unanswered), and SOCKET_INFO gets a fixed reply.
func fakeAgentServer(t *testing.T, ln net.Listener, answerHeartbeat bool) {
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
						if !answerHeartbeat {
							conn.Close()
							return
						}
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

func newLoopbackListener(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestCreateSucceedsAndPopulatesEndpoints(t *testing.T) {
	ln, port := newLoopbackListener(t)
	defer ln.Close()
	fakeAgentServer(t, ln, true)

	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	instances.Register(&types.Instance{Tag: "test", Address: "127.0.0.1", Maximum: 2})

	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: port, Hi: port + 3})
	c := NewCoordinator(d, kernels)

	id, endpoints, err := c.Create(context.Background(), "python:3.10")
	require.NoError(t, err)
	assert.Contains(t, id, "local/")
	assert.Equal(t, "tcp://x:1", endpoints.StdinSock)

	k, err := kernels.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.KernelStateReady, k.State)

	inst, err := instances.Get("test")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Current)
}

func TestCreateNoCapacityReturnsStableMessage(t *testing.T) {
	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	instances.Register(&types.Instance{Tag: "test", Address: "127.0.0.1", Maximum: 0})

	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: 41000, Hi: 41001})
	c := NewCoordinator(d, kernels)

	_, _, err := c.Create(context.Background(), "python:3.10")
	assert.ErrorIs(t, err, ErrNoInstanceAvailable)
	assert.Equal(t, 0, kernels.Count())
}

func TestDestroyUnknownIDReturnsNoSuchKernel(t *testing.T) {
	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: 1, Hi: 2})
	c := NewCoordinator(d, kernels)

	err := c.Destroy(context.Background(), "local/missing")
	assert.ErrorIs(t, err, ErrNoSuchKernel)
}

func TestDestroyKnownKernelRemovesItAndReleasesCapacity(t *testing.T) {
	ln, port := newLoopbackListener(t)
	defer ln.Close()
	fakeAgentServer(t, ln, true)

	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	instances.Register(&types.Instance{Tag: "test", Address: "127.0.0.1", Maximum: 2})

	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: port, Hi: port + 3})
	c := NewCoordinator(d, kernels)

	id, _, err := c.Create(context.Background(), "python:3.10")
	require.NoError(t, err)

	require.NoError(t, c.Destroy(context.Background(), id))

	_, err = kernels.Get(id)
	assert.ErrorIs(t, err, registry.ErrKernelNotFound)

	inst, err := instances.Get("test")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.Current)
}

func TestCreateUnresponsiveKernelReleasesReservation(t *testing.T) {
	ln, port := newLoopbackListener(t)
	defer ln.Close()
	fakeAgentServer(t, ln, false)

	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	instances.Register(&types.Instance{Tag: "test", Address: "127.0.0.1", Maximum: 2})

	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: port, Hi: port + 3})
	c := NewCoordinator(d, kernels)

	_, _, err := c.Create(context.Background(), "python:3.10")
	assert.ErrorIs(t, err, ErrKernelUnresponsive)
	assert.Equal(t, 0, kernels.Count())

	inst, err := instances.Get("test")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.Current)
}
