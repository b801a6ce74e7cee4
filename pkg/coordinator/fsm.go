package manager

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/lablup/kernelmgr/pkg/storage"
	"github.com/lablup/kernelmgr/pkg/types"
)

// Command is the unit of work replicated through Raft. Op selects which
// registry mutation Apply performs; Namespace prefixes the record's
// storage key (<namespace>/<tag> or <namespace>/<kernel_id>). The
// in-memory registries in pkg/registry are not namespaced.
type Command struct {
	Op        string          `json:"op"`
	Namespace string          `json:"namespace"`
	Data      json.RawMessage `json:"data"`
}

const (
	opPutInstance    = "put_instance"
	opDeleteInstance = "delete_instance"
	opPutKernel      = "put_kernel"
	opDeleteKernel   = "delete_kernel"
)

// FSM mirrors registry mutations into the replicated bbolt store. One
// FSM backs one Raft group; Apply, Snapshot and Restore only ever run
// on the Raft goroutine that owns them.
type FSM struct {
	store storage.Store
}

func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("fsm: decode command: %w", err)
	}

	switch cmd.Op {
	case opPutInstance:
		var inst types.Instance
		if err := json.Unmarshal(cmd.Data, &inst); err != nil {
			return err
		}
		return f.store.PutInstance(cmd.Namespace, &inst)
	case opDeleteInstance:
		var tag string
		if err := json.Unmarshal(cmd.Data, &tag); err != nil {
			return err
		}
		return f.store.DeleteInstance(cmd.Namespace, tag)
	case opPutKernel:
		var k types.Kernel
		if err := json.Unmarshal(cmd.Data, &k); err != nil {
			return err
		}
		return f.store.PutKernel(cmd.Namespace, &k)
	case opDeleteKernel:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteKernel(cmd.Namespace, id)
	default:
		return fmt.Errorf("fsm: unknown op %q", cmd.Op)
	}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	instances, err := f.store.AllInstances()
	if err != nil {
		return nil, err
	}
	kernels, err := f.store.AllKernels()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{instances: instances, kernels: kernels}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap struct {
		Instances map[string]*types.Instance `json:"instances"`
		Kernels   map[string]*types.Kernel    `json:"kernels"`
	}
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}
	if err := f.store.ReplaceAllInstances(snap.Instances); err != nil {
		return err
	}
	return f.store.ReplaceAllKernels(snap.Kernels)
}

type fsmSnapshot struct {
	instances map[string]*types.Instance
	kernels   map[string]*types.Kernel
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(struct {
		Instances map[string]*types.Instance `json:"instances"`
		Kernels   map[string]*types.Kernel    `json:"kernels"`
	}{Instances: s.instances, Kernels: s.kernels})
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
