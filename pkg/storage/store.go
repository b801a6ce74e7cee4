package storage

import (
	"github.com/lablup/kernelmgr/pkg/types"
)

// Store defines the interface for the coordinator's replicated state:
// the Instance and Kernel registries, mirrored through Raft onto
// BoltDB. Implementations must be safe under sequential access from a
// single FSM goroutine; no additional locking is required internally.
type Store interface {
	PutInstance(namespace string, inst *types.Instance) error
	GetInstance(namespace, tag string) (*types.Instance, error)
	ListInstances(namespace string) ([]*types.Instance, error)
	DeleteInstance(namespace, tag string) error

	PutKernel(namespace string, k *types.Kernel) error
	GetKernel(namespace, id string) (*types.Kernel, error)
	ListKernels(namespace string) ([]*types.Kernel, error)
	DeleteKernel(namespace, id string) error

	// AllInstances and AllKernels return every record across every
	// namespace, keyed by their raw namespaced key
	// (<namespace>/<tag-or-id>). The coordinator's Raft snapshot uses
	// these to serialize the full store without needing to enumerate
	// namespaces first.
	AllInstances() (map[string]*types.Instance, error)
	AllKernels() (map[string]*types.Kernel, error)

	// ReplaceAllInstances and ReplaceAllKernels overwrite a bucket's
	// entire contents with the given raw-keyed records, used when
	// restoring from a Raft snapshot.
	ReplaceAllInstances(records map[string]*types.Instance) error
	ReplaceAllKernels(records map[string]*types.Kernel) error

	Close() error
}
