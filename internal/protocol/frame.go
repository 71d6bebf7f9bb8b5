package protocol

import (
	"fmt"
)

// SubMessage is one tagged element of a session frame.
type SubMessage interface {
	Tag() uint32
	encode(b *PacketBuilder) error
	size() int
}

// FrameOverhead is the sequence plus the End tag.
const FrameOverhead = 8

// EncodedLen returns the bytes m occupies in a frame, tag included.
func EncodedLen(m SubMessage) int {
	return 4 + m.size()
}

// Hello announces a logical peer identity. The server sends it to tell a
// client who the simulation authority is; a client sends it to claim that
// role. Base is the authority's base counter.
type Hello struct {
	ID   uint16
	Base uint32
}

// Route tunnels an opaque application payload between logical peers. Peer is
// the destination on the way to the server and the origin on the way back.
type Route struct {
	Peer    uint16
	Payload []byte
}

// CloneBatch carries one compressed entity batch.
type CloneBatch struct {
	Data []byte
}

// CloneAcks confirms the creates and removes applied from a clone batch.
type CloneAcks struct {
	Acks []Ack
}

// ReliableAck tells the sender the highest reliable command id processed.
type ReliableAck struct {
	ID uint32
}

// Reliable is a typed command retransmitted until acknowledged. Any tag that
// is not a fixed sub-message decodes as a Reliable with that tag as Type.
type Reliable struct {
	Type uint32
	ID   uint32
	Data []byte
}

func (Hello) Tag() uint32       { return TagHello }
func (Route) Tag() uint32       { return TagRoute }
func (CloneBatch) Tag() uint32  { return TagNetClones }
func (CloneAcks) Tag() uint32   { return TagCloneAcks }
func (ReliableAck) Tag() uint32 { return TagReliableAck }
func (m Reliable) Tag() uint32  { return m.Type }

func (Hello) size() int         { return 6 }
func (m Route) size() int       { return 4 + len(m.Payload) }
func (m CloneBatch) size() int  { return 2 + len(m.Data) }
func (m CloneAcks) size() int   { return 2 + 4*len(m.Acks) }
func (ReliableAck) size() int   { return 4 }

func (m Reliable) size() int {
	if len(m.Data) > 0xFFFF {
		return 8 + len(m.Data)
	}
	return 6 + len(m.Data)
}

func (m Hello) encode(b *PacketBuilder) error {
	b.WriteUint16(m.ID).WriteUint32(m.Base)
	return nil
}

func (m Route) encode(b *PacketBuilder) error {
	if len(m.Payload) > MaxRouteLength {
		return &MalformedError{What: "route", Reason: fmt.Sprintf("payload of %d bytes exceeds %d", len(m.Payload), MaxRouteLength)}
	}
	b.WriteUint16(m.Peer).
		WriteUint16(uint16(len(m.Payload))).
		WriteBytes(m.Payload)
	return nil
}

func (m CloneBatch) encode(b *PacketBuilder) error {
	if len(m.Data) > 0xFFFF {
		return &MalformedError{What: "clone batch", Reason: fmt.Sprintf("%d bytes exceeds u16 length", len(m.Data))}
	}
	b.WriteUint16(uint16(len(m.Data))).WriteBytes(m.Data)
	return nil
}

func (m CloneAcks) encode(b *PacketBuilder) error {
	if len(m.Acks) > 0xFFFF {
		return &MalformedError{What: "clone acks", Reason: fmt.Sprintf("%d acks exceeds u16 count", len(m.Acks))}
	}
	b.WriteUint16(uint16(len(m.Acks)))
	for _, a := range m.Acks {
		b.WriteUint8(uint8(a.Op)).
			WriteUint8(a.Handle.Owner).
			WriteUint16(a.Handle.ID)
	}
	return nil
}

func (m ReliableAck) encode(b *PacketBuilder) error {
	b.WriteUint32(m.ID)
	return nil
}

func (m Reliable) encode(b *PacketBuilder) error {
	if IsReservedTag(m.Type) {
		return &MalformedError{What: "reliable command", Reason: fmt.Sprintf("type %#08x collides with a fixed tag", m.Type)}
	}
	if m.ID > MaxReliableID {
		return &MalformedError{What: "reliable command", Reason: fmt.Sprintf("id %d out of range", m.ID)}
	}
	if len(m.Data) > 0xFFFF {
		b.WriteUint32(m.ID | reliableLongSize).WriteUint32(uint32(len(m.Data)))
	} else {
		b.WriteUint32(m.ID).WriteUint16(uint16(len(m.Data)))
	}
	b.WriteBytes(m.Data)
	return nil
}

// EncodeFrame serializes a session frame: the sequence, each sub-message in
// order, then the End tag.
func EncodeFrame(sequence uint32, msgs []SubMessage) ([]byte, error) {
	b := NewPacketBuilder()
	b.WriteUint32(sequence)
	for i, m := range msgs {
		b.WriteUint32(m.Tag())
		if err := m.encode(b); err != nil {
			return nil, fmt.Errorf("failed to encode sub-message %d: %w", i, err)
		}
	}
	b.WriteUint32(TagEnd)
	return b.Build(), nil
}
