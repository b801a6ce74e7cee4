package wire

import (
	"encoding/binary"
	"io"
)

// WriteFramed writes a 4-byte big-endian length prefix followed by
// payload onto w. This is the length-prefixed framing spec.md requires
// on top of the codec; the codec itself only converts a message to and
// from bytes.
func WriteFramed(w io.Writer, payload []byte) error {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	if _, err := w.Write(lenBytes[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFramed reads one length-prefixed frame written by WriteFramed.
func ReadFramed(r io.Reader) ([]byte, error) {
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
