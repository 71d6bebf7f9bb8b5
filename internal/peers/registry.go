// Package peers tracks the logical peers connected to the server and answers
// connectionless out-of-band queries that arrive outside any session.
package peers

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/replicator/internal/util"
)

// PeerID is the logical id the server assigns to a connected peer. Ids start
// at 1 and are never reused within a process lifetime.
type PeerID uint16

func (id PeerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

var (
	ErrServerFull       = errors.New("server is full")
	ErrAddrInUse        = errors.New("address already has a peer")
	ErrIDSpaceExhausted = errors.New("peer id space exhausted")
)

// Peer is a snapshot of one registry entry.
type Peer struct {
	ID          PeerID         `json:"id"`
	Addr        netip.AddrPort `json:"addr"`
	GUID        string         `json:"guid"`
	Name        string         `json:"name"`
	Endpoint    int            `json:"endpoint"`
	ConnectedAt time.Time      `json:"connected_at"`
	LastSeen    time.Time      `json:"last_seen"`
}

// Registry maps transport addresses to logical peers. The server's tick
// goroutine and the out-of-band handlers mutate it; API handlers read it.
type Registry struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	maxPeers int
	nextID   uint32
	byID     map[PeerID]*Peer
	byAddr   map[netip.AddrPort]PeerID

	host     PeerID
	hostBase uint32
}

// NewRegistry creates a registry admitting at most maxPeers peers.
func NewRegistry(maxPeers int) *Registry {
	return &Registry{
		logger:   util.ComponentLogger("peers"),
		maxPeers: maxPeers,
		nextID:   1,
		byID:     make(map[PeerID]*Peer),
		byAddr:   make(map[netip.AddrPort]PeerID),
	}
}

// Add registers a new peer at addr and assigns it the next id.
func (r *Registry) Add(addr netip.AddrPort, guid, name string, endpoint int, now time.Time) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAddr[addr]; exists {
		return Peer{}, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	if r.maxPeers > 0 && len(r.byID) >= r.maxPeers {
		return Peer{}, ErrServerFull
	}
	if r.nextID > 0xFFFF {
		return Peer{}, ErrIDSpaceExhausted
	}

	p := &Peer{
		ID:          PeerID(r.nextID),
		Addr:        addr,
		GUID:        guid,
		Name:        name,
		Endpoint:    endpoint,
		ConnectedAt: now,
		LastSeen:    now,
	}
	r.nextID++
	r.byID[p.ID] = p
	r.byAddr[addr] = p.ID

	r.logger.Info().
		Uint16("peer", uint16(p.ID)).
		Str("addr", addr.String()).
		Str("guid", guid).
		Msg("peer registered")

	return *p, nil
}

// Remove retires a peer. If it held the authority role the role is cleared
// and wasHost is true.
func (r *Registry) Remove(id PeerID) (p Peer, wasHost bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.byID[id]
	if !exists {
		return Peer{}, false, false
	}
	delete(r.byID, id)
	delete(r.byAddr, entry.Addr)

	if r.host == id {
		r.host = 0
		wasHost = true
	}
	return *entry, wasHost, true
}

// ByAddr looks up the peer bound to addr.
func (r *Registry) ByAddr(addr netip.AddrPort) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAddr[addr]
	if !ok {
		return Peer{}, false
	}
	return *r.byID[id], true
}

// ByID looks up a peer by logical id.
func (r *Registry) ByID(id PeerID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Touch records traffic from a peer.
func (r *Registry) Touch(id PeerID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byID[id]; ok {
		p.LastSeen = now
	}
}

// Expired returns the peers silent for longer than timeout, lowest id first.
func (r *Registry) Expired(now time.Time, timeout time.Duration) []PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PeerID
	for id, p := range r.byID {
		if now.Sub(p.LastSeen) > timeout {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns a snapshot of every peer ordered by id.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of connected peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// HasRoom reports whether a connect from addr would be admitted. A peer
// reconnecting from its own address frees its slot first.
func (r *Registry) HasRoom(addr netip.AddrPort) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.byAddr[addr]; ok {
		return true
	}
	return r.maxPeers <= 0 || len(r.byID) < r.maxPeers
}

// MaxPeers returns the admission limit.
func (r *Registry) MaxPeers() int {
	return r.maxPeers
}

// Host returns the current simulation authority, if any.
func (r *Registry) Host() (PeerID, uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host, r.hostBase, r.host != 0
}

// ClaimHost grants the authority role to id when nobody holds it, or updates
// the base counter when id already holds it. It reports whether the
// announced authority changed.
func (r *Registry) ClaimHost(id PeerID, base uint32) (granted, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return false, false
	}
	switch r.host {
	case 0:
		r.host = id
		r.hostBase = base
		r.logger.Info().Uint16("peer", uint16(id)).Uint32("base", base).Msg("host claimed")
		return true, true
	case id:
		changed = r.hostBase != base
		r.hostBase = base
		return true, changed
	}
	return false, false
}
