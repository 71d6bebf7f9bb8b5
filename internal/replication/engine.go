package replication

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/replicator/internal/compress"
	"github.com/energizer-project/replicator/internal/peers"
	"github.com/energizer-project/replicator/internal/protocol"
	"github.com/energizer-project/replicator/internal/util"
)

var (
	// ErrDecompression means the batch could not be expanded; nothing was
	// applied.
	ErrDecompression = errors.New("entity batch decompression failed")

	// ErrVersionMismatch means the batch magic did not match; nothing was
	// applied.
	ErrVersionMismatch = errors.New("entity batch protocol version mismatch")

	// ErrMalformedBatch means an item overran the batch. Items before it
	// were applied and are acknowledged.
	ErrMalformedBatch = errors.New("malformed entity batch")
)

// AckBatch lists, in processed order, the creates and removes applied from
// one inbound batch.
type AckBatch struct {
	Peer peers.PeerID
	Acks []protocol.Ack
}

// Empty reports whether there is nothing to acknowledge.
func (a AckBatch) Empty() bool {
	return len(a.Acks) == 0
}

// Options configures an Engine. Zero values select OpaqueCodec, no observer,
// RemoveOwnerOnly, UpdateAny and time.Now.
type Options struct {
	Codec        SchemaCodec
	Observer     Observer
	RemovePolicy RemovePolicy
	UpdatePolicy UpdatePolicy
	Clock        func() time.Time
}

// Stats counts what the engine has applied and dropped.
type Stats struct {
	Batches          uint64 `json:"batches"`
	Created          uint64 `json:"created"`
	Updated          uint64 `json:"updated"`
	Removed          uint64 `json:"removed"`
	RejectedItems    uint64 `json:"rejected_items"`
	DroppedBatches   uint64 `json:"dropped_batches"`
	MalformedBatches uint64 `json:"malformed_batches"`
}

// Engine applies entity batches to a Store. ProcessInboundBatch and DropPeer
// must be called from a single goroutine.
type Engine struct {
	store    *Store
	codec    SchemaCodec
	observer Observer
	remove   RemovePolicy
	update   UpdatePolicy
	now      func() time.Time
	logger   zerolog.Logger

	batches, created, updated, removed atomic.Uint64
	rejected, dropped, malformed       atomic.Uint64
}

// NewEngine creates an engine over store.
func NewEngine(store *Store, opts Options) *Engine {
	e := &Engine{
		store:    store,
		codec:    opts.Codec,
		observer: opts.Observer,
		remove:   opts.RemovePolicy,
		update:   opts.UpdatePolicy,
		now:      opts.Clock,
		logger:   util.ComponentLogger("replication"),
	}
	if e.codec == nil {
		e.codec = OpaqueCodec{}
	}
	if e.observer == nil {
		e.observer = ObserverFuncs{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Store returns the table the engine writes to.
func (e *Engine) Store() *Store {
	return e.store
}

// ProcessInboundBatch decompresses one entity batch from peer and applies
// its items in order. A decompression failure or bad magic drops the whole
// batch. An item that overruns the buffer stops processing; items before it
// stay applied and their acks are returned along with ErrMalformedBatch.
func (e *Engine) ProcessInboundBatch(peer peers.PeerID, compressed []byte) (AckBatch, error) {
	acks := AckBatch{Peer: peer}
	e.batches.Add(1)

	data, err := compress.Decompress(compressed, protocol.MaxDecompressedBatch)
	if err != nil {
		e.dropped.Add(1)
		return acks, fmt.Errorf("%w: %v", ErrDecompression, err)
	}

	r, err := protocol.NewBatchReader(data)
	if err != nil {
		e.dropped.Add(1)
		if errors.Is(err, protocol.ErrBadMagic) {
			return acks, fmt.Errorf("%w: %v", ErrVersionMismatch, err)
		}
		return acks, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	now := e.now()
	for {
		it, ok := r.Next()
		if !ok {
			break
		}
		switch it.Op {
		case protocol.OpCreate:
			if e.applyCreate(peer, it, now) {
				acks.Acks = append(acks.Acks, protocol.Ack{Op: protocol.OpCreate, Handle: it.Handle})
			}
		case protocol.OpUpdate:
			e.applyUpdate(peer, it, now)
		case protocol.OpRemove:
			if e.applyRemove(peer, it.Handle) {
				acks.Acks = append(acks.Acks, protocol.Ack{Op: protocol.OpRemove, Handle: it.Handle})
			}
		}
	}

	switch err := r.Err(); {
	case err == nil:
	case errors.Is(err, protocol.ErrUnknownOpcode):
		e.logger.Debug().Err(err).Uint16("peer", uint16(peer)).Msg("stopped at unknown batch opcode")
	default:
		e.malformed.Add(1)
		return acks, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	return acks, nil
}

// applyCreate installs an entity owned by peer, replacing whatever was at
// the handle. It reports whether the create should be acknowledged.
func (e *Engine) applyCreate(peer peers.PeerID, it protocol.BatchItem, now time.Time) bool {
	existing, exists := e.store.Get(it.Handle)
	sameOwner := exists && existing.Owner == peer

	payload, err := e.codec.Decode(ParseContext{
		Peer:       peer,
		Handle:     it.Handle,
		ObjectType: it.ObjectType,
		First:      !sameOwner,
	}, it.Payload)
	if err != nil {
		e.rejected.Add(1)
		e.logger.Debug().Err(err).Uint16("peer", uint16(peer)).Stringer("handle", it.Handle).Msg("schema rejected create")
		return false
	}

	ent := Entity{
		Handle:  it.Handle,
		Type:    it.ObjectType,
		Owner:   peer,
		Payload: payload,
		Created: now,
		Updated: now,
	}
	if sameOwner {
		ent.Created = existing.Created
	}
	e.store.Put(ent)
	e.created.Add(1)

	if exists && !sameOwner {
		e.logger.Debug().
			Stringer("handle", it.Handle).
			Uint16("previous_owner", uint16(existing.Owner)).
			Uint16("owner", uint16(peer)).
			Msg("entity replaced by create")
	}

	if sameOwner {
		e.observer.OnEntityUpdated(it.Handle, payload)
	} else {
		e.observer.OnEntityCreated(it.Handle, it.ObjectType, payload)
	}
	return true
}

// applyUpdate replaces an entity's payload, creating it with peer as owner
// when the handle is unknown.
func (e *Engine) applyUpdate(peer peers.PeerID, it protocol.BatchItem, now time.Time) {
	existing, exists := e.store.Get(it.Handle)
	if exists && existing.Owner != peer && e.update == UpdateOwnerOnly {
		e.rejected.Add(1)
		e.logger.Warn().
			Stringer("handle", it.Handle).
			Uint16("owner", uint16(existing.Owner)).
			Uint16("peer", uint16(peer)).
			Msg("ignored update from non-owner")
		return
	}

	payload, err := e.codec.Decode(ParseContext{
		Peer:       peer,
		Handle:     it.Handle,
		ObjectType: it.ObjectType,
		First:      !exists,
	}, it.Payload)
	if err != nil {
		e.rejected.Add(1)
		e.logger.Debug().Err(err).Uint16("peer", uint16(peer)).Stringer("handle", it.Handle).Msg("schema rejected update")
		return
	}

	if !exists {
		e.store.Put(Entity{
			Handle:  it.Handle,
			Type:    it.ObjectType,
			Owner:   peer,
			Payload: payload,
			Created: now,
			Updated: now,
		})
		e.created.Add(1)
		e.observer.OnEntityCreated(it.Handle, it.ObjectType, payload)
		return
	}

	existing.Payload = payload
	existing.Updated = now
	e.store.Put(existing)
	e.updated.Add(1)
	e.observer.OnEntityUpdated(it.Handle, payload)
}

// applyRemove deletes the entity at h if the policy allows it. Removing an
// unknown handle is acknowledged so retransmitted removes settle.
func (e *Engine) applyRemove(peer peers.PeerID, h protocol.EntityHandle) bool {
	existing, exists := e.store.Get(h)
	if !exists {
		return true
	}
	if e.remove == RemoveOwnerOnly && existing.Owner != peer {
		e.rejected.Add(1)
		e.logger.Warn().
			Stringer("handle", h).
			Uint16("owner", uint16(existing.Owner)).
			Uint16("peer", uint16(peer)).
			Msg("ignored remove from non-owner")
		return false
	}

	e.store.Delete(h)
	e.removed.Add(1)
	e.observer.OnEntityRemoved(h)
	return true
}

// DropPeer removes every entity owned by a departed peer and returns them.
func (e *Engine) DropPeer(peer peers.PeerID) []Entity {
	gone := e.store.RemoveOwnedBy(peer)
	for _, ent := range gone {
		e.removed.Add(1)
		e.observer.OnEntityRemoved(ent.Handle)
	}
	if len(gone) > 0 {
		e.logger.Info().
			Uint16("peer", uint16(peer)).
			Int("entities", len(gone)).
			Msg("removed entities of departed peer")
	}
	return gone
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Batches:          e.batches.Load(),
		Created:          e.created.Load(),
		Updated:          e.updated.Load(),
		Removed:          e.removed.Load(),
		RejectedItems:    e.rejected.Load(),
		DroppedBatches:   e.dropped.Load(),
		MalformedBatches: e.malformed.Load(),
	}
}
