package reaper

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/kernelmgr/pkg/driver"
	"github.com/lablup/kernelmgr/pkg/registry"
	"github.com/lablup/kernelmgr/pkg/types"
	"github.com/lablup/kernelmgr/pkg/wire"
)

// readEventFrame parses one frame off the event router's wire format:
// a 4-byte length prefix around three length-prefixed fields (event
// name, agent id, args). Mirrors pkg/events' unexported frame codec,
// duplicated here since that package does not export a decoder.
func readEventFrame(r io.Reader) (eventName, agentID string, err error) {
	var lenBytes [4]byte
	if _, err = io.ReadFull(r, lenBytes[:]); err != nil {
		return "", "", err
	}
	payload := make([]byte, binary.BigEndian.Uint32(lenBytes[:]))
	if _, err = io.ReadFull(r, payload); err != nil {
		return "", "", err
	}

	readField := func(b []byte) ([]byte, []byte) {
		n := binary.BigEndian.Uint32(b[:4])
		return b[4 : 4+n], b[4+n:]
	}
	name, rest := readField(payload)
	agent, _ := readField(rest)
	return string(name), string(agent), nil
}

// fakeAgent answers every HEARTBEAT by echoing the token back, so
// PingKernel always succeeds against it.
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
				if req.ReqType != wire.AgentReqHeartbeat {
					return
				}
				wire.WriteFramed(conn, wire.EncodeAgentResponse(wire.AgentResponse{Body: req.Body}))
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

func newTestReaper(d *driver.Driver, kernels *registry.KernelRegistry) *Reaper {
	return NewReaper(d, kernels, "127.0.0.1:0")
}

func TestSweepClearsFailuresOnSuccessfulPing(t *testing.T) {
	ln, port := newLoopbackListener(t)
	defer ln.Close()
	fakeAgent(t, ln)

	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	inst := &types.Instance{Tag: "inst-1", Address: "127.0.0.1", Maximum: 1, Current: 1}
	instances.Register(inst)
	kernels.Put(&types.Kernel{ID: "local/k1", Instance: inst, AgentPort: port, State: types.KernelStateReady})

	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: port, Hi: port + 1})
	r := newTestReaper(d, kernels)

	r.recordFailure("local/k1")
	r.recordFailure("local/k1")
	assert.Equal(t, 2, r.failures["local/k1"])

	r.sweep()
	assert.Equal(t, 0, r.failures["local/k1"])
}

func TestSweepSkipsKernelsNotReady(t *testing.T) {
	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	inst := &types.Instance{Tag: "inst-1", Address: "127.0.0.1", Maximum: 1, Current: 1}
	instances.Register(inst)
	kernels.Put(&types.Kernel{ID: "local/k1", Instance: inst, AgentPort: 1, State: types.KernelStateProbing})

	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: 1, Hi: 2})
	r := newTestReaper(d, kernels)
	r.failures["local/k1"] = 2

	r.sweep()
	assert.Equal(t, 0, r.failures["local/k1"])
}

func TestRecordFailureReportsAtThreshold(t *testing.T) {
	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()

	ln, _ := newLoopbackListener(t)
	defer ln.Close()

	type frame struct{ eventName, agentID string }
	received := make(chan frame, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		name, agentID, err := readEventFrame(conn)
		if err == nil {
			received <- frame{eventName: name, agentID: agentID}
		}
	}()

	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: 1, Hi: 2})
	r := NewReaper(d, kernels, ln.Addr().String())

	r.recordFailure("local/k1")
	r.recordFailure("local/k1")
	assert.Equal(t, sweepFailureThreshold-1, r.failures["local/k1"])

	r.recordFailure("local/k1")
	_, stillTracked := r.failures["local/k1"]
	assert.False(t, stillTracked)

	select {
	case f := <-received:
		assert.Equal(t, "kernel.unresponsive", f.eventName)
		assert.Equal(t, "local/k1", f.agentID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a kernel.unresponsive event to be published")
	}
}

func TestStartStopDoesNotPanic(t *testing.T) {
	instances := registry.NewInstanceRegistry()
	kernels := registry.NewKernelRegistry()
	d := driver.NewLocal("sleep", instances, kernels, types.PortRange{Lo: 1, Hi: 2})
	r := newTestReaper(d, kernels)

	r.Start()
	r.Stop()
}
