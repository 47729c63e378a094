// Package wire implements LoopCache's custom binary wire protocol (spec
// section 6): a one-byte message type, a big-endian 32-bit payload length,
// and the payload itself, on every request and response, on every
// connection. The protocol is request/response per connection; pipelining
// is not required.
//
// This framing is spec-mandated rather than delegated to an RPC framework:
// section 6.1 pins the exact byte layout as part of the interop contract,
// which rules out gRPC/protobuf (a different wire format) the way it rules
// out a pluggable hash function in the ring.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPayloadBytes is the default ceiling on a single frame's payload.
// Larger frames are a protocol error and MUST close the connection
// (spec section 6.2).
const MaxPayloadBytes = 64 << 20 // 64 MiB

const headerSize = 1 + 4 // MessageType + PayloadLength

// Frame is one decoded message: its type and raw payload bytes.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// ReadFrame reads exactly one frame from r. It returns an error wrapping
// ErrOversizePayload if the declared length exceeds maxPayload; callers
// MUST close the connection on any error from ReadFrame (spec section
// 6.2/7: malformed frames are protocol errors with no server state
// change).
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	msgType := MessageType(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	if maxPayload > 0 && int64(length) > int64(maxPayload) {
		return Frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrOversizePayload, length, maxPayload)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: msgType, Payload: payload}, nil
}

// WriteFrame writes one frame to w as a single header-then-payload
// sequence. Callers that need to avoid interleaving partial writes on a
// shared connection must serialize calls to WriteFrame themselves.
func WriteFrame(w io.Writer, msgType MessageType, payload []byte) error {
	var header [headerSize]byte
	header[0] = byte(msgType)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}
