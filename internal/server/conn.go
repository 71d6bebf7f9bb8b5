package server

import (
	"net/netip"
	"time"

	"github.com/energizer-project/replicator/internal/peers"
	"github.com/energizer-project/replicator/internal/protocol"
)

const (
	// MaxReliableBacklog bounds unacknowledged reliable commands per peer.
	// A peer that falls past it is dropped.
	MaxReliableBacklog = 1024

	// maxQueuedRoutes bounds routed payloads waiting for one peer.
	maxQueuedRoutes = 4096

	// maxFramesPerFlush caps how many datagrams one peer gets per tick.
	maxFramesPerFlush = 8
)

// peerConn is the per-peer session state. It belongs to the tick goroutine.
type peerConn struct {
	id       peers.PeerID
	addr     netip.AddrPort
	endpoint int

	outSeq    uint32
	inSeq     uint32
	haveInSeq bool

	outReliable      []protocol.Reliable
	outReliableSeq   uint32
	outReliableAcked uint32
	inReliable       uint32
	ackPending       bool

	acks   []protocol.Ack
	routes []protocol.Route
	hello  *protocol.Hello

	lastSend   time.Time
	overflowed bool
	announced  bool
}

func newPeerConn(p peers.Peer) *peerConn {
	return &peerConn{id: p.ID, addr: p.Addr, endpoint: p.Endpoint}
}

// acceptSequence drops duplicate and reordered frames.
func (c *peerConn) acceptSequence(seq uint32) bool {
	if c.haveInSeq && !protocol.SequenceNewer(seq, c.inSeq) {
		return false
	}
	c.inSeq = seq
	c.haveInSeq = true
	return true
}

// queueReliable appends a command to the outbox. force ignores the backlog
// limit so a quit can always be queued.
func (c *peerConn) queueReliable(typ uint32, data []byte, force bool) {
	if !force && c.outReliableSeq-c.outReliableAcked >= MaxReliableBacklog {
		c.overflowed = true
		return
	}
	if c.outReliableSeq >= protocol.MaxReliableID {
		c.overflowed = true
		return
	}
	c.outReliableSeq++
	c.outReliable = append(c.outReliable, protocol.Reliable{
		Type: typ,
		ID:   c.outReliableSeq,
		Data: data,
	})
}

func (c *peerConn) ackReliable(id uint32) {
	if id <= c.outReliableAcked || id > c.outReliableSeq {
		return
	}
	kept := c.outReliable[:0]
	for _, cmd := range c.outReliable {
		if cmd.ID > id {
			kept = append(kept, cmd)
		}
	}
	c.outReliable = kept
	c.outReliableAcked = id
}

func (c *peerConn) queueRoute(from peers.PeerID, payload []byte) bool {
	if len(c.routes) >= maxQueuedRoutes {
		return false
	}
	c.routes = append(c.routes, protocol.Route{Peer: uint16(from), Payload: payload})
	return true
}

// pending reports whether the next flush has something to say.
func (c *peerConn) pending() bool {
	return len(c.acks) > 0 || len(c.routes) > 0 || len(c.outReliable) > 0 || c.ackPending || c.hello != nil
}

// queued reports whether acks or routes are left after a frame was built.
func (c *peerConn) queued() bool {
	return len(c.acks) > 0 || len(c.routes) > 0
}

// nextFrame takes as many pending sub-messages as fit one datagram. The
// first frame of a flush carries the reliable ack, the host announcement and
// the whole reliable outbox; later ones only drain acks and routes. A route
// too large for an empty frame is dropped and reported.
func (c *peerConn) nextFrame(first bool) (msgs []protocol.SubMessage, dropped int) {
	budget := protocol.MaxDatagramSize - protocol.FrameOverhead
	add := func(m protocol.SubMessage) bool {
		n := protocol.EncodedLen(m)
		if n > budget {
			return false
		}
		budget -= n
		msgs = append(msgs, m)
		return true
	}

	if first {
		if c.inReliable > 0 {
			add(protocol.ReliableAck{ID: c.inReliable})
		}
		if c.hello != nil && add(*c.hello) {
			c.hello = nil
		}
		for _, cmd := range c.outReliable {
			if !add(cmd) {
				break
			}
		}
		c.ackPending = false
	}

	for len(c.acks) > 0 {
		n := (budget - protocol.EncodedLen(protocol.CloneAcks{})) / 4
		if n <= 0 {
			break
		}
		if n > len(c.acks) {
			n = len(c.acks)
		}
		add(protocol.CloneAcks{Acks: c.acks[:n]})
		c.acks = c.acks[n:]
	}

	for len(c.routes) > 0 {
		if add(c.routes[0]) {
			c.routes = c.routes[1:]
			continue
		}
		if len(msgs) == 0 {
			c.routes = c.routes[1:]
			dropped++
			continue
		}
		break
	}
	return msgs, dropped
}
