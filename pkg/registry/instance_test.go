package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/kernelmgr/pkg/types"
)

func newTestInstance(tag, addr string, maximum int) *types.Instance {
	return &types.Instance{Tag: tag, Address: addr, Maximum: maximum, OccupiedPorts: map[int]struct{}{}}
}

func TestFindAndReserveSkipsFullInstances(t *testing.T) {
	reg := NewInstanceRegistry()
	full := newTestInstance("full", "127.0.0.1", 1)
	full.Current = 1
	avail := newTestInstance("avail", "127.0.0.1", 2)
	reg.Register(full)
	reg.Register(avail)

	got, err := reg.FindAndReserve(LoopbackOnly)
	require.NoError(t, err)
	assert.Equal(t, "avail", got.Tag)
	assert.Equal(t, 1, got.Current)
}

func TestFindAndReserveNoCapacity(t *testing.T) {
	reg := NewInstanceRegistry()
	inst := newTestInstance("only", "127.0.0.1", 1)
	inst.Current = 1
	reg.Register(inst)

	_, err := reg.FindAndReserve(AnyAddress)
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestFindAndReserveLoopbackFilterExcludesRemote(t *testing.T) {
	reg := NewInstanceRegistry()
	reg.Register(newTestInstance("remote", "10.0.0.5", 2))

	_, err := reg.FindAndReserve(LoopbackOnly)
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestReservePortPicksSmallestFree(t *testing.T) {
	reg := NewInstanceRegistry()
	inst := newTestInstance("i", "127.0.0.1", 4)
	inst.OccupiedPorts[5002] = struct{}{}
	reg.Register(inst)

	port, err := reg.ReservePort(inst, types.PortRange{Lo: 5002, Hi: 5010})
	require.NoError(t, err)
	assert.Equal(t, 5003, port)
}

func TestReservePortExhausted(t *testing.T) {
	reg := NewInstanceRegistry()
	inst := newTestInstance("i", "127.0.0.1", 4)
	reg.Register(inst)

	_, err := reg.ReservePort(inst, types.PortRange{Lo: 5002, Hi: 5002})
	assert.ErrorIs(t, err, ErrPortRangeExhausted)
}

func TestReleaseUndoesReservation(t *testing.T) {
	reg := NewInstanceRegistry()
	inst := newTestInstance("i", "127.0.0.1", 2)
	reg.Register(inst)

	reserved, err := reg.FindAndReserve(AnyAddress)
	require.NoError(t, err)
	port, err := reg.ReservePort(reserved, types.PortRange{Lo: 5002, Hi: 5010})
	require.NoError(t, err)

	reg.Release(reserved, port)

	assert.Equal(t, 0, inst.Current)
	assert.Empty(t, inst.OccupiedPorts)
}
