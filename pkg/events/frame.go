package events

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"io"
	"net"
)

// ErrDecodeFrame is returned when a frame cannot be parsed into its
// three parts (event name, agent id, args blob).
var ErrDecodeFrame = errors.New("events: malformed frame")

// EventFrame is the 3-tuple carried end to end from the router's
// ingress socket to a dispatcher handler: event name, originating
// agent id, and an opaque args blob.
//
// The args blob is encoded with encoding/gob rather than MsgPack: no
// MsgPack library is available, and gob offers the same
// self-describing round-trip property for the Go values handlers
// expect to receive.
type EventFrame struct {
	EventName string
	AgentID   string
	Args      []byte
}

// EncodeArgs gob-encodes an arbitrary args value into the blob carried
// by an EventFrame.
func EncodeArgs(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeArgs gob-decodes a frame's args blob into v.
func DecodeArgs(blob []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(blob)).Decode(v)
}

// encodeFrame serializes an EventFrame into its on-wire representation:
// three length-prefixed fields concatenated, in EventName, AgentID,
// Args order.
func encodeFrame(f EventFrame) []byte {
	var buf bytes.Buffer
	writeField(&buf, []byte(f.EventName))
	writeField(&buf, []byte(f.AgentID))
	writeField(&buf, f.Args)
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, b []byte) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(b)))
	buf.Write(lenBytes[:])
	buf.Write(b)
}

// decodeFrame parses the payload written by encodeFrame.
func decodeFrame(payload []byte) (EventFrame, error) {
	r := bytes.NewReader(payload)
	name, err := readField(r)
	if err != nil {
		return EventFrame{}, err
	}
	agentID, err := readField(r)
	if err != nil {
		return EventFrame{}, err
	}
	args, err := readField(r)
	if err != nil {
		return EventFrame{}, err
	}
	return EventFrame{EventName: string(name), AgentID: string(agentID), Args: args}, nil
}

func readField(r *bytes.Reader) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, ErrDecodeFrame
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrDecodeFrame
	}
	return b, nil
}

// writeFramed writes a length-prefixed frame onto the transport: a
// 4-byte big-endian length prefix around the raw payload. This is the
// framing used by both the router's ingress/bus legs and anything
// reading the bus directly.
func writeFramed(w io.Writer, payload []byte) error {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	if _, err := w.Write(lenBytes[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFramed reads one length-prefixed frame from the transport.
func readFramed(r io.Reader) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Publish dials the router's ingress address and writes a single
// event frame, for in-process producers (the reaper) that need to put
// an event on the bus the same way an external agent would. It opens
// and closes its own connection per call; callers publishing at
// volume should not use this on a hot path.
func Publish(ingressAddr, eventName, agentID string, args []byte) error {
	conn, err := net.Dial("tcp", ingressAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := encodeFrame(EventFrame{EventName: eventName, AgentID: agentID, Args: args})
	return writeFramed(conn, payload)
}
