// Package events defines the event types the replication server publishes.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Peer lifecycle
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventHostChanged      EventType = "host_changed"

	// Entity table
	EventEntityCreated EventType = "entity_created"
	EventEntityUpdated EventType = "entity_updated"
	EventEntityRemoved EventType = "entity_removed"
	EventBatchRejected EventType = "batch_rejected"

	// Handshake
	EventTokenIssued EventType = "token_issued"

	// Operator commands
	EventKickPeer EventType = "cmd_kick_peer"

	// Tick loop fell behind
	EventLongTick EventType = "long_tick"

	// System
	EventServerStatus  EventType = "server_status"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"

	// Operator alert for the notification webhook
	EventNotifyAdmin EventType = "notify_admin"
)

// DisconnectReason says why a peer left.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonQuit
	ReasonTimeout
	ReasonReplaced
	ReasonKicked
	ReasonShutdown
	ReasonOverflow
)

var disconnectReasonStrings = map[DisconnectReason]string{
	ReasonUnknown:  "unknown",
	ReasonQuit:     "quit",
	ReasonTimeout:  "timeout",
	ReasonReplaced: "replaced",
	ReasonKicked:   "kicked",
	ReasonShutdown: "shutdown",
	ReasonOverflow: "overflow",
}

// String returns the lowercase name of the reason.
func (r DisconnectReason) String() string {
	if str, ok := disconnectReasonStrings[r]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes the reason as a JSON string (e.g. "timeout").
func (r DisconnectReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType   `json:"type"`
	Source  string      `json:"source"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// PeerPayload describes a peer joining or leaving.
type PeerPayload struct {
	ID       uint16           `json:"id"`
	Addr     string           `json:"addr"`
	GUID     string           `json:"guid"`
	Name     string           `json:"name"`
	Endpoint int              `json:"endpoint"`
	Reason   DisconnectReason `json:"reason,omitempty"`
	Entities int              `json:"entities,omitempty"`
}

// HostPayload announces a change of simulation authority. HostID 0 means
// nobody holds the role.
type HostPayload struct {
	HostID   uint16 `json:"host_id"`
	Base     uint32 `json:"base"`
	Previous uint16 `json:"previous"`
}

// EntityPayload describes one entity table change.
type EntityPayload struct {
	Handle     string `json:"handle"`
	Owner      uint16 `json:"owner"`
	ObjectType uint8  `json:"object_type"`
	Size       int    `json:"size"`
}

// BatchRejectedPayload reports an entity batch that was dropped or cut
// short.
type BatchRejectedPayload struct {
	Peer    uint16 `json:"peer"`
	Reason  string `json:"reason"`
	Applied int    `json:"applied"`
}

// TokenIssuedPayload reports a handshake that produced a session token.
type TokenIssuedPayload struct {
	Name     string `json:"name"`
	GUID     string `json:"guid"`
	RemoteIP string `json:"remote_ip"`
}

// KickPayload asks the server to drop a peer.
type KickPayload struct {
	Peer   uint16 `json:"peer"`
	Reason string `json:"reason"`
}

// StatusPayload is the periodic server summary.
type StatusPayload struct {
	Peers      int           `json:"peers"`
	MaxPeers   int           `json:"max_peers"`
	Entities   int           `json:"entities"`
	HostID     uint16        `json:"host_id"`
	Ticks      uint64        `json:"ticks"`
	ServerTime time.Duration `json:"server_time_ns"`
	Uptime     time.Duration `json:"uptime_ns"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string      `json:"section"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
}

// LongTickPayload reports a tick loop iteration that covered more than one
// interval.
type LongTickPayload struct {
	Ticks    int           `json:"ticks"`
	Behind   time.Duration `json:"behind_ns"`
	Interval time.Duration `json:"interval_ns"`
}

// NotifyPayload is an operator alert. Level is info, warning, error or
// critical.
type NotifyPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
}
