/*
Package storage provides BoltDB-backed persistence for the optional
coordinator's replicated state: the Instance and Kernel registries.

Both buckets key their records as <namespace>/<tag-or-id>, so one
BoltDB file can back every namespace the coordinator serves. All
records are serialized as JSON; Kernel's driver handle is excluded
from serialization (it is only ever meaningful to the process that
spawned it).
*/
package storage
