package replication

import (
	"github.com/energizer-project/replicator/internal/peers"
	"github.com/energizer-project/replicator/internal/protocol"
)

// ParseContext tells a SchemaCodec who sent a payload and whether this is
// the first time the server sees the entity.
type ParseContext struct {
	Peer       peers.PeerID
	Handle     protocol.EntityHandle
	ObjectType uint8
	First      bool
}

// SchemaCodec interprets entity payloads for one game's object types. It
// returns the bytes to store; an error rejects the item.
type SchemaCodec interface {
	Decode(ctx ParseContext, payload []byte) ([]byte, error)
}

// OpaqueCodec stores payloads unchanged.
type OpaqueCodec struct{}

func (OpaqueCodec) Decode(_ ParseContext, payload []byte) ([]byte, error) {
	return payload, nil
}

// Observer is notified of entity lifecycle changes as they are applied.
type Observer interface {
	OnEntityCreated(handle protocol.EntityHandle, objectType uint8, payload []byte)
	OnEntityUpdated(handle protocol.EntityHandle, payload []byte)
	OnEntityRemoved(handle protocol.EntityHandle)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Created func(handle protocol.EntityHandle, objectType uint8, payload []byte)
	Updated func(handle protocol.EntityHandle, payload []byte)
	Removed func(handle protocol.EntityHandle)
}

func (o ObserverFuncs) OnEntityCreated(h protocol.EntityHandle, t uint8, p []byte) {
	if o.Created != nil {
		o.Created(h, t, p)
	}
}

func (o ObserverFuncs) OnEntityUpdated(h protocol.EntityHandle, p []byte) {
	if o.Updated != nil {
		o.Updated(h, p)
	}
}

func (o ObserverFuncs) OnEntityRemoved(h protocol.EntityHandle) {
	if o.Removed != nil {
		o.Removed(h)
	}
}

// MultiObserver fans notifications out to each observer in order.
type MultiObserver []Observer

func (m MultiObserver) OnEntityCreated(h protocol.EntityHandle, t uint8, p []byte) {
	for _, o := range m {
		o.OnEntityCreated(h, t, p)
	}
}

func (m MultiObserver) OnEntityUpdated(h protocol.EntityHandle, p []byte) {
	for _, o := range m {
		o.OnEntityUpdated(h, p)
	}
}

func (m MultiObserver) OnEntityRemoved(h protocol.EntityHandle) {
	for _, o := range m {
		o.OnEntityRemoved(h)
	}
}
