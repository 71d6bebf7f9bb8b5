// Package replication holds the server's table of live entities and applies
// the create, update and remove items peers send in entity batches.
package replication

import (
	"sort"
	"sync"
	"time"

	"github.com/energizer-project/replicator/internal/peers"
	"github.com/energizer-project/replicator/internal/protocol"
)

// Entity is a replicated object. Payload is opaque to this package.
type Entity struct {
	Handle  protocol.EntityHandle `json:"handle"`
	Type    uint8                 `json:"type"`
	Owner   peers.PeerID          `json:"owner"`
	Payload []byte                `json:"-"`
	Created time.Time             `json:"created"`
	Updated time.Time             `json:"updated"`
}

// Store is the entity table keyed by EntityHandle.Key. The engine writes it
// from the tick goroutine; the lock lets API handlers read concurrently.
type Store struct {
	mu       sync.RWMutex
	entities map[uint32]*Entity
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entities: make(map[uint32]*Entity)}
}

// Get returns a copy of the entity at h.
func (s *Store) Get(h protocol.EntityHandle) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[h.Key()]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Put inserts or replaces the entity at e.Handle.
func (s *Store) Put(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.Handle.Key()] = &e
}

// Delete removes the entity at h and returns it.
func (s *Store) Delete(h protocol.EntityHandle) (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[h.Key()]
	if !ok {
		return Entity{}, false
	}
	delete(s.entities, h.Key())
	return *e, true
}

// Len returns the number of live entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Snapshot returns every entity ordered by handle.
func (s *Store) Snapshot() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle.Key() < out[j].Handle.Key() })
	return out
}

// CountByOwner returns how many entities each peer owns.
func (s *Store) CountByOwner() map[peers.PeerID]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[peers.PeerID]int)
	for _, e := range s.entities {
		out[e.Owner]++
	}
	return out
}

// RemoveOwnedBy deletes every entity owned by peer and returns them ordered
// by handle.
func (s *Store) RemoveOwnedBy(peer peers.PeerID) []Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entity
	for k, e := range s.entities {
		if e.Owner == peer {
			out = append(out, *e)
			delete(s.entities, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle.Key() < out[j].Handle.Key() })
	return out
}
