// Package server is the authoritative side of the replication protocol. It
// owns the UDP endpoints, the peer registry, the entity table and a single
// tick goroutine that relays routed payloads, applies entity batches and
// sends one frame per peer per tick.
package server

import (
	"time"

	"github.com/energizer-project/replicator/internal/network"
	"github.com/energizer-project/replicator/internal/replication"
)

// Status is the server lifecycle phase.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

var statusStrings = map[Status]string{
	StatusStopped:  "stopped",
	StatusStarting: "starting",
	StatusRunning:  "running",
	StatusStopping: "stopping",
}

func (s Status) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes the status as its name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// EndpointStatus describes one bound UDP endpoint.
type EndpointStatus struct {
	Index int    `json:"index"`
	Addr  string `json:"addr"`
	network.EndpointStats
}

// TrafficStats counts frame-level traffic on the tick goroutine.
type TrafficStats struct {
	FramesIn      uint64 `json:"frames_in"`
	FramesOut     uint64 `json:"frames_out"`
	UnknownSource uint64 `json:"unknown_source"`
	Malformed     uint64 `json:"malformed"`
	Stale         uint64 `json:"stale"`
	RoutesRelayed uint64 `json:"routes_relayed"`
	RoutesDropped uint64 `json:"routes_dropped"`
}

// Stats is a point-in-time summary for the API and console.
type Stats struct {
	Status      Status            `json:"status"`
	Peers       int               `json:"peers"`
	MaxPeers    int               `json:"max_peers"`
	Entities    int               `json:"entities"`
	HostID      uint16            `json:"host_id"`
	HostBase    uint32            `json:"host_base"`
	Ticks       uint64            `json:"ticks"`
	ServerTime  time.Duration     `json:"server_time_ns"`
	Uptime      time.Duration     `json:"uptime_ns"`
	Traffic     TrafficStats      `json:"traffic"`
	Replication replication.Stats `json:"replication"`
	Lag         LagSummary        `json:"lag"`
	Endpoints   []EndpointStatus  `json:"endpoints"`
}
