/*
Package wire implements the tagged-frame codec for Manager RPC and
Agent RPC (C1). Frames are tag-length-delimited records built on
google.golang.org/protobuf/encoding/protowire at the raw field-encoding
layer, not through protoc-generated code: the message set is small and
fixed, so a handwritten encode/decode pair is clearer than a .proto
build step.

Field layout (AgentRequest has no field 2; AgentResponse carries only
field 3):

	1  discriminant  varint  (action / reply / req_type)
	2  kernel_id     bytes   (Manager RPC only)
	3  body          bytes

Unknown discriminant values decode to the dedicated *Unknown variant
rather than an error; it is the caller's job to reject those with
INVALID_INPUT. The Encode/Decode functions only convert between a
message value and its encoded bytes; WriteFramed and ReadFramed add
the 4-byte big-endian length prefix that pkg/api, pkg/driver and the
coordinator's admin surface put around each message on a connection.
pkg/events carries its own copy of the same framing.
*/
package wire
