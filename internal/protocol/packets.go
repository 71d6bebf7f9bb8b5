// Package protocol implements the replication wire format: sequenced session
// frames carrying tagged sub-messages, connectionless out-of-band control
// datagrams, and the entity clone batch encoding. All integers are
// little-endian.
package protocol

// OOBSentinel marks a connectionless datagram when it occupies the first
// four bytes.
const OOBSentinel uint32 = 0xFFFFFFFF

// Sub-message tags. Each value is HashString of the name in the comment.
const (
	TagRoute       uint32 = 0xE938445B // msgRoute
	TagEnd         uint32 = 0xCA569E63 // msgEnd
	TagHello       uint32 = 0xB3EA30DE // msgIHost
	TagNetClones   uint32 = 0x3C181C34 // msgNetClones
	TagCloneAcks   uint32 = 0x30F965F6 // msgCloneAcks
	TagReliableAck uint32 = 0x910B9E04 // msgReliableAck
)

// Reliable command types understood by both ends.
const (
	CmdQuit        uint32 = 0x522CADD1 // msgIQuit
	CmdCloneRemove uint32 = 0x4A9E9DBF // msgCloneRemove
)

// BatchMagic opens every decompressed entity batch.
const BatchMagic uint32 = 0xAB7FD26E // netClones

const (
	// MaxRouteLength is the largest routed payload a u16 length can carry.
	MaxRouteLength = 65535

	// MaxDecompressedBatch caps the scratch buffer an entity batch may
	// expand into.
	MaxDecompressedBatch = 16384

	// MaxDatagramSize is the largest UDP payload read from the wire.
	MaxDatagramSize = 65507

	// MaxFramedRoute is the largest routed payload that fits an otherwise
	// empty frame in one datagram.
	MaxFramedRoute = MaxDatagramSize - FrameOverhead - routeHeader

	routeHeader = 8

	// MaxReliableID is the largest reliable command id; the top bit is
	// reserved for the long size flag.
	MaxReliableID = 0x7FFFFFFF

	reliableLongSize uint32 = 0x80000000
)

// NoPeer is the logical id meaning "unset". Assigned ids start at 1.
const NoPeer uint16 = 0

// IsReservedTag reports whether tag belongs to a fixed sub-message and so
// cannot be used as a reliable command type.
func IsReservedTag(tag uint32) bool {
	switch tag {
	case TagRoute, TagEnd, TagHello, TagNetClones, TagCloneAcks, TagReliableAck:
		return true
	}
	return false
}

// NextSequence returns the frame sequence after seq. It skips the value that
// would make a frame indistinguishable from an out-of-band datagram.
func NextSequence(seq uint32) uint32 {
	seq++
	if seq == OOBSentinel {
		seq = 0
	}
	return seq
}

// SequenceNewer reports whether a follows b under wrap-around.
func SequenceNewer(a, b uint32) bool {
	return int32(a-b) > 0
}
