package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lablup/kernelmgr/pkg/types"
)

func TestKernelRegistryPutGetRemove(t *testing.T) {
	reg := NewKernelRegistry()
	k := &types.Kernel{ID: "local/abc", State: types.KernelStateSpawned}
	reg.Put(k)

	got, err := reg.Get("local/abc")
	assert.NoError(t, err)
	assert.Equal(t, k, got)
	assert.Equal(t, 1, reg.Count())

	reg.Remove("local/abc")
	assert.Equal(t, 0, reg.Count())

	_, err = reg.Get("local/abc")
	assert.ErrorIs(t, err, ErrKernelNotFound)
}

func TestKernelRegistrySetState(t *testing.T) {
	reg := NewKernelRegistry()
	k := &types.Kernel{ID: "local/abc", State: types.KernelStateSpawned}
	reg.Put(k)

	assert.NoError(t, reg.SetState("local/abc", types.KernelStateReady))
	got, _ := reg.Get("local/abc")
	assert.Equal(t, types.KernelStateReady, got.State)

	assert.ErrorIs(t, reg.SetState("missing", types.KernelStateReady), ErrKernelNotFound)
}
