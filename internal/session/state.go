package session

// State is the client connection phase.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateInitReceived
	StateDownloadComplete
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateInitReceived:
		return "init_received"
	case StateDownloadComplete:
		return "download_complete"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}
