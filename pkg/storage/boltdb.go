package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/lablup/kernelmgr/pkg/types"
)

var (
	bucketInstances = []byte("instances")
	bucketKernels   = []byte("kernels")
)

// BoltStore implements Store using BoltDB. Keys are namespace-scoped
// (<namespace>/<tag or id>) so one file can back several namespaces.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "kernelmgr.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketInstances, bucketKernels} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func namespacedKey(namespace, id string) []byte {
	return []byte(namespace + "/" + id)
}

func (s *BoltStore) PutInstance(namespace string, inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketInstances).Put(namespacedKey(namespace, inst.Tag), data)
	})
}

func (s *BoltStore) GetInstance(namespace, tag string) (*types.Instance, error) {
	var inst types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get(namespacedKey(namespace, tag))
		if data == nil {
			return fmt.Errorf("instance not found: %s/%s", namespace, tag)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) ListInstances(namespace string) ([]*types.Instance, error) {
	var out []*types.Instance
	prefix := []byte(namespace + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketInstances).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			out = append(out, &inst)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteInstance(namespace, tag string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete(namespacedKey(namespace, tag))
	})
}

func (s *BoltStore) PutKernel(namespace string, k *types.Kernel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(k)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKernels).Put(namespacedKey(namespace, k.ID), data)
	})
}

func (s *BoltStore) GetKernel(namespace, id string) (*types.Kernel, error) {
	var k types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKernels).Get(namespacedKey(namespace, id))
		if data == nil {
			return fmt.Errorf("kernel not found: %s/%s", namespace, id)
		}
		return json.Unmarshal(data, &k)
	})
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *BoltStore) ListKernels(namespace string) ([]*types.Kernel, error) {
	var out []*types.Kernel
	prefix := []byte(namespace + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKernels).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var kernel types.Kernel
			if err := json.Unmarshal(v, &kernel); err != nil {
				return err
			}
			out = append(out, &kernel)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteKernel(namespace, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).Delete(namespacedKey(namespace, id))
	})
}

func (s *BoltStore) AllInstances() (map[string]*types.Instance, error) {
	out := make(map[string]*types.Instance)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			out[string(k)] = &inst
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) AllKernels() (map[string]*types.Kernel, error) {
	out := make(map[string]*types.Kernel)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).ForEach(func(k, v []byte) error {
			var kernel types.Kernel
			if err := json.Unmarshal(v, &kernel); err != nil {
				return err
			}
			out[string(k)] = &kernel
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ReplaceAllInstances(records map[string]*types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketInstances); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketInstances)
		if err != nil {
			return err
		}
		for key, inst := range records {
			data, err := json.Marshal(inst)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ReplaceAllKernels(records map[string]*types.Kernel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKernels); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketKernels)
		if err != nil {
			return err
		}
		for key, kernel := range records {
			data, err := json.Marshal(kernel)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
