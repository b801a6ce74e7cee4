package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrDecode is wrapped by every decode failure returned from this
// package.
var ErrDecode = errors.New("wire: malformed frame")

const (
	fieldDiscriminant protowire.Number = 1
	fieldKernelID     protowire.Number = 2
	fieldBody         protowire.Number = 3
)

// ManagerAction is the action field of a Manager RPC request.
type ManagerAction int32

const (
	ActionUnknown ManagerAction = iota
	ActionPing
	ActionCreate
	ActionDestroy
)

// ManagerReply is the reply field of a Manager RPC response.
type ManagerReply int32

const (
	ReplyUnknown ManagerReply = iota
	ReplyPong
	ReplySuccess
	ReplyInvalidInput
	ReplyFailure
)

// AgentReqType is the req_type field of an Agent RPC request.
type AgentReqType int32

const (
	AgentReqUnknown AgentReqType = iota
	AgentReqHeartbeat
	AgentReqSocketInfo
)

// ManagerRequest is {action, kernel_id, body} per spec.
type ManagerRequest struct {
	Action   ManagerAction
	KernelID string
	Body     []byte
}

// ManagerResponse is {reply, kernel_id, body} per spec.
type ManagerResponse struct {
	Reply    ManagerReply
	KernelID string
	Body     []byte
}

// AgentRequest is {req_type, body} per spec.
type AgentRequest struct {
	ReqType AgentReqType
	Body    []byte
}

// AgentResponse is {body} per spec.
type AgentResponse struct {
	Body []byte
}

// EncodeManagerRequest serializes a ManagerRequest.
func EncodeManagerRequest(req ManagerRequest) []byte {
	b := protowire.AppendTag(nil, fieldDiscriminant, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.Action))
	b = protowire.AppendTag(b, fieldKernelID, protowire.BytesType)
	b = protowire.AppendString(b, req.KernelID)
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, req.Body)
	return b
}

// DecodeManagerRequest parses a frame written by EncodeManagerRequest.
// An action value outside the known set decodes to ActionUnknown
// rather than an error; callers reject ActionUnknown with
// INVALID_INPUT per spec.
func DecodeManagerRequest(b []byte) (ManagerRequest, error) {
	var req ManagerRequest
	err := consumeFields(b, func(f field) error {
		switch f.num {
		case fieldDiscriminant:
			req.Action = clampManagerAction(f.varint)
		case fieldKernelID:
			req.KernelID = string(f.bytes)
		case fieldBody:
			req.Body = append([]byte(nil), f.bytes...)
		}
		return nil
	})
	if err != nil {
		return ManagerRequest{}, err
	}
	return req, nil
}

// EncodeManagerResponse serializes a ManagerResponse.
func EncodeManagerResponse(resp ManagerResponse) []byte {
	b := protowire.AppendTag(nil, fieldDiscriminant, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.Reply))
	b = protowire.AppendTag(b, fieldKernelID, protowire.BytesType)
	b = protowire.AppendString(b, resp.KernelID)
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, resp.Body)
	return b
}

// DecodeManagerResponse parses a frame written by EncodeManagerResponse.
func DecodeManagerResponse(b []byte) (ManagerResponse, error) {
	var resp ManagerResponse
	err := consumeFields(b, func(f field) error {
		switch f.num {
		case fieldDiscriminant:
			resp.Reply = clampManagerReply(f.varint)
		case fieldKernelID:
			resp.KernelID = string(f.bytes)
		case fieldBody:
			resp.Body = append([]byte(nil), f.bytes...)
		}
		return nil
	})
	if err != nil {
		return ManagerResponse{}, err
	}
	return resp, nil
}

// EncodeAgentRequest serializes an AgentRequest. The kernel_id field is
// omitted; agent RPC has no kernel_id (it is addressed by socket, not
// by id).
func EncodeAgentRequest(req AgentRequest) []byte {
	b := protowire.AppendTag(nil, fieldDiscriminant, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.ReqType))
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, req.Body)
	return b
}

// DecodeAgentRequest parses a frame written by EncodeAgentRequest.
func DecodeAgentRequest(b []byte) (AgentRequest, error) {
	var req AgentRequest
	err := consumeFields(b, func(f field) error {
		switch f.num {
		case fieldDiscriminant:
			req.ReqType = clampAgentReqType(f.varint)
		case fieldBody:
			req.Body = append([]byte(nil), f.bytes...)
		}
		return nil
	})
	if err != nil {
		return AgentRequest{}, err
	}
	return req, nil
}

// EncodeAgentResponse serializes an AgentResponse.
func EncodeAgentResponse(resp AgentResponse) []byte {
	b := protowire.AppendTag(nil, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, resp.Body)
	return b
}

// DecodeAgentResponse parses a frame written by EncodeAgentResponse.
func DecodeAgentResponse(b []byte) (AgentResponse, error) {
	var resp AgentResponse
	err := consumeFields(b, func(f field) error {
		if f.num == fieldBody {
			resp.Body = append([]byte(nil), f.bytes...)
		}
		return nil
	})
	if err != nil {
		return AgentResponse{}, err
	}
	return resp, nil
}

// field is one decoded tag-value pair: either a varint or a
// length-delimited byte string, depending on which the wire type
// indicated.
type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

// consumeFields walks every tag-length-delimited field in b, handing
// each decoded field to fn keyed by field number. Fields the caller
// doesn't recognize are silently skipped, matching a
// forward-compatible wire format.
func consumeFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag", ErrDecode)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: varint", ErrDecode)
			}
			if err := fn(field{num: num, varint: v}); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bytes", ErrDecode)
			}
			if err := fn(field{num: num, bytes: v}); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: unsupported field type", ErrDecode)
			}
			b = b[n:]
		}
	}
	return nil
}

func clampManagerAction(v uint64) ManagerAction {
	if v >= uint64(ActionPing) && v <= uint64(ActionDestroy) {
		return ManagerAction(v)
	}
	return ActionUnknown
}

func clampManagerReply(v uint64) ManagerReply {
	if v >= uint64(ReplyPong) && v <= uint64(ReplyFailure) {
		return ManagerReply(v)
	}
	return ReplyUnknown
}

func clampAgentReqType(v uint64) AgentReqType {
	if v >= uint64(AgentReqHeartbeat) && v <= uint64(AgentReqSocketInfo) {
		return AgentReqType(v)
	}
	return AgentReqUnknown
}
