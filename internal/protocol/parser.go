package protocol

import (
	"encoding/binary"
)

// cursor reads little-endian values from a byte slice and records the first
// failure instead of panicking on short input.
type cursor struct {
	data []byte
	off  int
	err  error
}

func (c *cursor) remaining() int {
	return len(c.data) - c.off
}

func (c *cursor) need(what string, n int) bool {
	if c.err != nil {
		return false
	}
	if c.remaining() < n {
		c.err = &UnderflowError{What: what, Have: c.remaining(), Need: n}
		return false
	}
	return true
}

func (c *cursor) u8(what string) (uint8, bool) {
	if !c.need(what, 1) {
		return 0, false
	}
	v := c.data[c.off]
	c.off++
	return v, true
}

func (c *cursor) u16(what string) (uint16, bool) {
	if !c.need(what, 2) {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v, true
}

func (c *cursor) u32(what string) (uint32, bool) {
	if !c.need(what, 4) {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, true
}

// bytes returns a copy so decoded values never alias a reused read buffer.
func (c *cursor) bytes(what string, n int) ([]byte, bool) {
	if !c.need(what, n) {
		return nil, false
	}
	if n == 0 {
		return nil, true
	}
	out := make([]byte, n)
	copy(out, c.data[c.off:c.off+n])
	c.off += n
	return out, true
}

// FrameReader yields the sub-messages of one decoded frame. It is lazy and
// single pass: once Next returns false the reader is spent.
type FrameReader struct {
	c    cursor
	done bool
}

// DecodeFrame reads the sequence header and returns a reader over the
// sub-messages that follow. Input shorter than the header is an
// UnderflowError and yields no reader.
func DecodeFrame(data []byte) (uint32, *FrameReader, error) {
	r := &FrameReader{c: cursor{data: data}}
	seq, ok := r.c.u32("frame sequence")
	if !ok {
		return 0, nil, r.c.err
	}
	return seq, r, nil
}

// Next returns the next sub-message. It returns false at End, when the input
// runs out, or at the first malformed sub-message; Err tells these apart.
// Everything returned before that point was fully contained in the input.
func (r *FrameReader) Next() (SubMessage, bool) {
	if r.done {
		return nil, false
	}
	m, ok := r.next()
	if !ok {
		r.done = true
	}
	return m, ok
}

// Err returns nil when the frame ended with End, or the reason decoding
// stopped early.
func (r *FrameReader) Err() error {
	return r.c.err
}

// Collect drains the reader. Convenient for tests and small frames.
func (r *FrameReader) Collect() ([]SubMessage, error) {
	var out []SubMessage
	for {
		m, ok := r.Next()
		if !ok {
			return out, r.Err()
		}
		out = append(out, m)
	}
}

func (r *FrameReader) next() (SubMessage, bool) {
	c := &r.c
	tag, ok := c.u32("sub-message tag")
	if !ok {
		return nil, false
	}

	switch tag {
	case TagEnd:
		return nil, false

	case TagHello:
		id, _ := c.u16("hello id")
		base, ok := c.u32("hello base")
		if !ok {
			return nil, false
		}
		return Hello{ID: id, Base: base}, true

	case TagRoute:
		peer, _ := c.u16("route peer")
		length, _ := c.u16("route length")
		payload, ok := c.bytes("route payload", int(length))
		if !ok {
			return nil, false
		}
		return Route{Peer: peer, Payload: payload}, true

	case TagNetClones:
		length, _ := c.u16("clone batch length")
		data, ok := c.bytes("clone batch", int(length))
		if !ok {
			return nil, false
		}
		return CloneBatch{Data: data}, true

	case TagCloneAcks:
		acks, ok := readAcks(c)
		if !ok {
			return nil, false
		}
		return CloneAcks{Acks: acks}, true

	case TagReliableAck:
		id, ok := c.u32("reliable ack")
		if !ok {
			return nil, false
		}
		return ReliableAck{ID: id}, true
	}

	id, ok := c.u32("reliable id")
	if !ok {
		return nil, false
	}
	var size uint32
	if id&reliableLongSize != 0 {
		id &^= reliableLongSize
		size, ok = c.u32("reliable size")
	} else {
		var s uint16
		s, ok = c.u16("reliable size")
		size = uint32(s)
	}
	if !ok {
		return nil, false
	}
	if uint64(size) > uint64(c.remaining()) {
		c.err = &UnderflowError{What: "reliable data", Have: c.remaining(), Need: int(size)}
		return nil, false
	}
	data, _ := c.bytes("reliable data", int(size))
	return Reliable{Type: tag, ID: id, Data: data}, true
}

func readAcks(c *cursor) ([]Ack, bool) {
	count, ok := c.u16("clone ack count")
	if !ok {
		return nil, false
	}
	if !c.need("clone acks", int(count)*4) {
		return nil, false
	}
	acks := make([]Ack, 0, count)
	for i := 0; i < int(count); i++ {
		op, _ := c.u8("ack opcode")
		owner, _ := c.u8("ack owner")
		id, _ := c.u16("ack id")
		acks = append(acks, Ack{Op: Opcode(op), Handle: EntityHandle{Owner: owner, ID: id}})
	}
	return acks, true
}
