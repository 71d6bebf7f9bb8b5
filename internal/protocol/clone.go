package protocol

import (
	"fmt"
)

// EntityHandle identifies a replicated entity by the slot of the peer that
// minted it and a local id within that slot.
type EntityHandle struct {
	Owner uint8
	ID    uint16
}

// Key packs the handle into one integer for table lookup.
func (h EntityHandle) Key() uint32 {
	return uint32(h.Owner)<<16 | uint32(h.ID)
}

// HandleFromKey reverses Key.
func HandleFromKey(k uint32) EntityHandle {
	return EntityHandle{Owner: uint8(k >> 16), ID: uint16(k)}
}

func (h EntityHandle) String() string {
	return fmt.Sprintf("%d:%d", h.Owner, h.ID)
}

// MarshalText renders the handle as "owner:id" for JSON and logs.
func (h EntityHandle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// EncodeCloneRemove builds the body of a CmdCloneRemove reliable command.
func EncodeCloneRemove(h EntityHandle) []byte {
	return NewPacketBuilder().
		WriteUint8(h.Owner).
		WriteUint16(h.ID).
		Build()
}

// DecodeCloneRemove parses the body of a CmdCloneRemove reliable command.
func DecodeCloneRemove(data []byte) (EntityHandle, error) {
	c := cursor{data: data}
	owner, _ := c.u8("clone remove owner")
	id, ok := c.u16("clone remove id")
	if !ok {
		return EntityHandle{}, c.err
	}
	return EntityHandle{Owner: owner, ID: id}, nil
}

// Opcode is the one-byte tag of an entity batch item.
type Opcode uint8

const (
	OpCreate Opcode = 1
	OpUpdate Opcode = 2
	OpRemove Opcode = 3
)

func (o Opcode) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// Ack confirms one create or remove.
type Ack struct {
	Op     Opcode
	Handle EntityHandle
}

// BatchItem is one entry of a decompressed entity batch. ObjectType and
// Payload are unused for OpRemove.
type BatchItem struct {
	Op         Opcode
	Handle     EntityHandle
	ObjectType uint8
	Payload    []byte
}

// EncodeBatch serializes items behind BatchMagic, ready for compression.
func EncodeBatch(items []BatchItem) ([]byte, error) {
	b := NewPacketBuilder()
	b.WriteUint32(BatchMagic)
	for i, it := range items {
		b.WriteUint8(uint8(it.Op)).
			WriteUint8(it.Handle.Owner).
			WriteUint16(it.Handle.ID)

		switch it.Op {
		case OpCreate, OpUpdate:
			if len(it.Payload) > 0xFFFF {
				return nil, fmt.Errorf("failed to encode batch item %d: payload of %d bytes exceeds u16 length", i, len(it.Payload))
			}
			b.WriteUint8(it.ObjectType).
				WriteUint16(uint16(len(it.Payload))).
				WriteBytes(it.Payload)
		case OpRemove:
		default:
			return nil, fmt.Errorf("failed to encode batch item %d: unknown opcode %d", i, it.Op)
		}
	}
	return b.Build(), nil
}

// BatchReader iterates the items of a decompressed entity batch. There is no
// terminator; iteration ends when the buffer is exhausted.
type BatchReader struct {
	c    cursor
	done bool
}

// NewBatchReader checks the magic and returns a reader positioned at the
// first item.
func NewBatchReader(data []byte) (*BatchReader, error) {
	r := &BatchReader{c: cursor{data: data}}
	magic, ok := r.c.u32("batch magic")
	if !ok {
		return nil, r.c.err
	}
	if magic != BatchMagic {
		return nil, fmt.Errorf("%w: got %#08x", ErrBadMagic, magic)
	}
	return r, nil
}

// Next returns the next complete item. An unknown opcode or an item that
// overruns the buffer stops iteration without yielding it.
func (r *BatchReader) Next() (BatchItem, bool) {
	if r.done {
		return BatchItem{}, false
	}
	it, ok := r.next()
	if !ok {
		r.done = true
	}
	return it, ok
}

// Err returns nil if the buffer was consumed cleanly.
func (r *BatchReader) Err() error {
	return r.c.err
}

func (r *BatchReader) next() (BatchItem, bool) {
	c := &r.c
	if c.remaining() == 0 {
		return BatchItem{}, false
	}

	op, _ := c.u8("batch opcode")
	switch Opcode(op) {
	case OpCreate, OpUpdate, OpRemove:
	default:
		c.err = fmt.Errorf("%w: %d at offset %d", ErrUnknownOpcode, op, c.off-1)
		return BatchItem{}, false
	}

	owner, _ := c.u8("batch owner slot")
	id, ok := c.u16("batch local id")
	if !ok {
		return BatchItem{}, false
	}
	it := BatchItem{Op: Opcode(op), Handle: EntityHandle{Owner: owner, ID: id}}
	if it.Op == OpRemove {
		return it, true
	}

	objType, _ := c.u8("batch object type")
	length, ok := c.u16("batch payload length")
	if !ok {
		return BatchItem{}, false
	}
	payload, ok := c.bytes("batch payload", int(length))
	if !ok {
		return BatchItem{}, false
	}
	it.ObjectType = objType
	it.Payload = payload
	return it, true
}
