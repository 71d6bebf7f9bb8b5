package server

import (
	"errors"
	"strings"

	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/network"
	"github.com/energizer-project/replicator/internal/peers"
	"github.com/energizer-project/replicator/internal/protocol"
	"github.com/energizer-project/replicator/internal/replication"
)

// handleDatagram processes one session frame from an endpoint.
func (s *Server) handleDatagram(dg network.Datagram) {
	p, ok := s.registry.ByAddr(dg.From)
	if !ok {
		s.unknownSource.Add(1)
		s.logger.Debug().Str("from", dg.From.String()).Msg("dropped frame from unknown address")
		return
	}
	c := s.connFor(p)

	seq, r, err := protocol.DecodeFrame(dg.Data)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Debug().Err(err).Uint16("peer", uint16(p.ID)).Msg("dropped malformed frame")
		return
	}
	if !c.acceptSequence(seq) {
		s.stale.Add(1)
		return
	}
	s.registry.Touch(p.ID, dg.At)
	s.framesIn.Add(1)

	for {
		msg, ok := r.Next()
		if !ok {
			break
		}
		switch m := msg.(type) {
		case protocol.Route:
			s.relay(c, m)
		case protocol.CloneBatch:
			s.applyBatch(c, m.Data)
		case protocol.Hello:
			s.claimHost(c, m)
		case protocol.Reliable:
			if !s.handleReliable(c, m) {
				return
			}
		case protocol.ReliableAck:
			c.ackReliable(m.ID)
		default:
			s.logger.Debug().Uint32("tag", msg.Tag()).Uint16("peer", uint16(p.ID)).Msg("ignored sub-message")
		}
	}
	if err := r.Err(); err != nil {
		s.malformed.Add(1)
		s.logger.Debug().Err(err).Uint16("peer", uint16(p.ID)).Uint32("sequence", seq).Msg("frame truncated")
	}
}

// relay queues a routed payload for its target, stamped with the sender.
func (s *Server) relay(from *peerConn, m protocol.Route) {
	target := peers.PeerID(m.Peer)
	tc, ok := s.conns[target]
	if !ok {
		p, exists := s.registry.ByID(target)
		if !exists {
			s.routeDropped.Add(1)
			s.logger.Debug().
				Uint16("from", uint16(from.id)).
				Uint16("target", m.Peer).
				Msg("dropped route to unknown peer")
			return
		}
		tc = s.connFor(p)
	}
	if !tc.queueRoute(from.id, m.Payload) {
		s.routeDropped.Add(1)
		s.logger.Warn().Uint16("target", m.Peer).Msg("route queue full, dropped payload")
		return
	}
	s.relayed.Add(1)
}

// applyBatch runs one entity batch through the engine, queues the acks for
// the sender and tells everyone else about removals.
func (s *Server) applyBatch(c *peerConn, data []byte) {
	s.removed = s.removed[:0]
	acks, err := s.engine.ProcessInboundBatch(c.id, data)
	c.acks = append(c.acks, acks.Acks...)
	s.broadcastRemovals(c.id)

	if err == nil {
		return
	}
	switch {
	case errors.Is(err, replication.ErrMalformedBatch):
		s.logger.Warn().Err(err).Uint16("peer", uint16(c.id)).Int("applied", len(acks.Acks)).Msg("entity batch cut short")
	default:
		s.logger.Debug().Err(err).Uint16("peer", uint16(c.id)).Msg("dropped entity batch")
	}
	s.emit(events.EventBatchRejected, events.BatchRejectedPayload{
		Peer:    uint16(c.id),
		Reason:  err.Error(),
		Applied: len(acks.Acks),
	})
}

// claimHost handles a Hello from a peer. Only a peer's own id can be
// claimed, and only when the role is free or already its own.
func (s *Server) claimHost(c *peerConn, m protocol.Hello) {
	if m.ID != uint16(c.id) {
		s.logger.Warn().
			Uint16("peer", uint16(c.id)).
			Uint16("claimed", m.ID).
			Msg("ignored host claim for another id")
		return
	}
	previous, _, _ := s.registry.Host()
	_, changed := s.registry.ClaimHost(c.id, m.Base)
	if !changed {
		return
	}
	s.broadcastHello(m)
	if previous != c.id {
		s.emit(events.EventHostChanged, events.HostPayload{
			HostID:   m.ID,
			Base:     m.Base,
			Previous: uint16(previous),
		})
	}
}

// handleReliable processes an inbound reliable command once. It returns
// false when the command ended the peer's session.
func (s *Server) handleReliable(c *peerConn, m protocol.Reliable) bool {
	if m.ID <= c.inReliable {
		return true
	}
	c.inReliable = m.ID
	c.ackPending = true

	switch m.Type {
	case protocol.CmdQuit:
		reason := strings.TrimRight(string(m.Data), "\x00")
		s.logger.Info().Uint16("peer", uint16(c.id)).Str("reason", reason).Msg("peer quit")
		s.retire(c.id, events.ReasonQuit)
		return false
	default:
		s.logger.Debug().
			Uint16("peer", uint16(c.id)).
			Uint32("type", m.Type).
			Int("size", len(m.Data)).
			Msg("unhandled reliable command")
	}
	return true
}

// entityObserver turns engine callbacks into bus events and collects
// removals for broadcast. It runs on the tick goroutine.
type entityObserver struct {
	s *Server
}

func (o entityObserver) OnEntityCreated(h protocol.EntityHandle, objectType uint8, payload []byte) {
	o.s.emit(events.EventEntityCreated, o.payload(h, objectType, payload))
}

func (o entityObserver) OnEntityUpdated(h protocol.EntityHandle, payload []byte) {
	ent, _ := o.s.store.Get(h)
	o.s.emit(events.EventEntityUpdated, o.payload(h, ent.Type, payload))
}

func (o entityObserver) OnEntityRemoved(h protocol.EntityHandle) {
	o.s.removed = append(o.s.removed, h)
	o.s.emit(events.EventEntityRemoved, events.EntityPayload{Handle: h.String()})
}

func (o entityObserver) payload(h protocol.EntityHandle, objectType uint8, payload []byte) events.EntityPayload {
	ent, _ := o.s.store.Get(h)
	return events.EntityPayload{
		Handle:     h.String(),
		Owner:      uint16(ent.Owner),
		ObjectType: objectType,
		Size:       len(payload),
	}
}
