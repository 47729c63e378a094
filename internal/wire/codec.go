package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/LoopLLC/LoopCache-sub001/internal/ring"
)

// Encoder builds a payload out of the primitive types the wire protocol
// defines: 32-bit length-prefixed UTF-8 strings, 32-bit length-prefixed
// byte arrays, and big-endian fixed-width integers (spec section 6.1).
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) String(s string) *Encoder {
	if len(s) > math.MaxInt32 {
		panic("wire: string exceeds 2^31-1 bytes")
	}
	e.Uint32(uint32(len(s)))
	e.buf.WriteString(s)
	return e
}

func (e *Encoder) Bytes(b []byte) *Encoder {
	if len(b) > math.MaxInt32 {
		panic("wire: byte array exceeds 2^31-1 bytes")
	}
	e.Uint32(uint32(len(b)))
	e.buf.Write(b)
	return e
}

func (e *Encoder) Uint8(v uint8) *Encoder {
	e.buf.WriteByte(v)
	return e
}

func (e *Encoder) Uint32(v uint32) *Encoder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
	return e
}

func (e *Encoder) Uint64(v uint64) *Encoder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
	return e
}

func (e *Encoder) Bytes32Slice(positions []uint32) *Encoder {
	e.Uint32(uint32(len(positions)))
	for _, p := range positions {
		e.Uint32(p)
	}
	return e
}

func (e *Encoder) Payload() []byte { return e.buf.Bytes() }

// Decoder reads the primitive types back out of a payload in the order
// they were written. Every accessor returns an error rather than panicking
// on a short buffer, since payload bytes arrive from the network (spec
// section 7: malformed frames are protocol errors, not crashes).
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

func (d *Decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return fmt.Errorf("wire: short payload: need %d bytes at offset %d, have %d", n, d.pos, len(d.buf))
	}
	return nil
}

func (d *Decoder) Uint8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) Uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

func (d *Decoder) Uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return b, nil
}

func (d *Decoder) Uint32Slice() ([]uint32, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		v, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Remaining reports whether unconsumed bytes remain; a well-formed message
// should fully consume its payload.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// EncodeConfig writes the ConfigResponse/ChangeConfig/NotOwner-embedded
// payload layout from spec section 6.2: version, nodeCount, then per node
// host, port, maxBytes, status, posCount, positions.
func EncodeConfig(cfg *ring.Config) []byte {
	e := NewEncoder()
	e.Uint32(cfg.Version)
	e.Uint32(uint32(len(cfg.Nodes)))
	for _, n := range cfg.Nodes {
		positions := positionsForNode(cfg, n)
		e.String(n.Host)
		e.Uint32(n.Port)
		e.Uint64(n.MaxBytes)
		e.Uint8(uint8(n.Status))
		e.Bytes32Slice(positions)
	}
	return e.Payload()
}

func positionsForNode(cfg *ring.Config, n ring.NodeDescriptor) []uint32 {
	id := n.Identity()
	var positions []uint32
	for _, e := range cfg.Entries {
		if ring.NodeDescriptor{Host: e.Host, Port: e.Port}.Identity() == id {
			positions = append(positions, e.Position)
		}
	}
	return positions
}

// DecodeConfig parses the layout EncodeConfig writes back into a
// *ring.Config. Ring entries are reconstructed from the transmitted
// per-node position lists, with VNodeID assigned by transmission order
// (VNodeID is only used locally to break position ties deterministically
// on the sender; on the wire the positions alone are authoritative).
func DecodeConfig(payload []byte) (*ring.Config, error) {
	d := NewDecoder(payload)
	version, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	nodeCount, err := d.Uint32()
	if err != nil {
		return nil, err
	}

	cfg := &ring.Config{Version: version}
	for i := uint32(0); i < nodeCount; i++ {
		host, err := d.String()
		if err != nil {
			return nil, err
		}
		port, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		maxBytes, err := d.Uint64()
		if err != nil {
			return nil, err
		}
		status, err := d.Uint8()
		if err != nil {
			return nil, err
		}
		positions, err := d.Uint32Slice()
		if err != nil {
			return nil, err
		}

		n := ring.NodeDescriptor{Host: host, Port: port, MaxBytes: maxBytes, Status: ring.Status(status)}
		cfg.Nodes = append(cfg.Nodes, n)
		for i, p := range positions {
			cfg.Entries = append(cfg.Entries, ring.Entry{Position: p, Host: host, Port: port, VNodeID: i})
		}
	}
	ring.SortConfigEntries(cfg)
	return cfg, nil
}
