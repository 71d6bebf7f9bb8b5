package peers

import (
	"errors"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/replicator/internal/protocol"
	"github.com/energizer-project/replicator/internal/util"
)

// Request describes where an out-of-band datagram came from.
type Request struct {
	From     netip.AddrPort
	Endpoint int
	Now      time.Time
}

// HandlerFunc answers one out-of-band command. An empty reply sends nothing.
type HandlerFunc func(req Request, args string) string

// OOBHandler dispatches out-of-band commands by their first word. It runs on
// the endpoint reader goroutines, so handlers must be safe for concurrent use.
type OOBHandler struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   zerolog.Logger
}

// NewOOBHandler creates an empty command registry.
func NewOOBHandler() *OOBHandler {
	return &OOBHandler{
		handlers: make(map[string]HandlerFunc),
		logger:   util.ComponentLogger("oob"),
	}
}

// Register installs fn for cmd, replacing any previous handler.
func (h *OOBHandler) Register(cmd string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[cmd] = fn
}

// Handle decodes an out-of-band datagram and returns the encoded reply, or
// nil when there is nothing to send.
func (h *OOBHandler) Handle(req Request, datagram []byte) []byte {
	text, ok := protocol.DecodeOOB(datagram)
	if !ok {
		return nil
	}
	cmd, args := protocol.SplitCommand(text)

	h.mu.RLock()
	fn, ok := h.handlers[cmd]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug().
			Str("from", req.From.String()).
			Str("command", cmd).
			Msg("unknown out-of-band command")
		return nil
	}

	reply := fn(req, args)
	if reply == "" {
		return nil
	}
	return protocol.EncodeOOB(reply)
}

// InfoHandler answers getinfo with the server description from info. The
// challenge is the first whitespace-delimited argument, echoed verbatim. A
// challenge containing a backslash cannot be echoed inside the info string
// and gets no reply.
func InfoHandler(info func() protocol.ServerInfo) HandlerFunc {
	return func(req Request, args string) string {
		si := info()
		if fields := strings.Fields(args); len(fields) > 0 {
			if strings.ContainsRune(fields[0], '\\') {
				return ""
			}
			si.Challenge = fields[0]
		}
		return si.String()
	}
}

// TokenValidator checks and consumes a session token issued by the
// handshake endpoint. It returns the display name recorded with the token.
type TokenValidator interface {
	ConsumeToken(token, guid string) (name string, ok bool, err error)
}

// ConnectConfig wires the connect handler to server state.
type ConnectConfig struct {
	Registry *Registry
	Tokens   TokenValidator

	// OnRetire runs when a reconnect from the same address replaces an
	// existing peer.
	OnRetire func(p Peer, wasHost bool)

	// OnJoin runs after a peer is registered, before the reply is sent.
	OnJoin func(p Peer)
}

// acceptedConnects remembers the last accepted connect per address so a
// retransmitted request gets the same answer instead of consuming the token
// again.
type acceptedConnects struct {
	mu     sync.Mutex
	byAddr map[netip.AddrPort]acceptedConnect
}

type acceptedConnect struct {
	token string
	guid  string
	id    PeerID
}

func (a *acceptedConnects) lookup(reg *Registry, from netip.AddrPort, req protocol.ConnectRequest) (Peer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, ok := a.byAddr[from]
	if !ok || prev.token != req.Token || prev.guid != req.GUID {
		return Peer{}, false
	}
	p, ok := reg.ByID(prev.id)
	if !ok || p.Addr != from {
		delete(a.byAddr, from)
		return Peer{}, false
	}
	return p, true
}

func (a *acceptedConnects) remember(reg *Registry, from netip.AddrPort, req protocol.ConnectRequest, id PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.byAddr[from] = acceptedConnect{token: req.Token, guid: req.GUID, id: id}
	if limit := 2 * reg.MaxPeers(); limit > 0 && len(a.byAddr) > limit {
		for addr, c := range a.byAddr {
			if p, ok := reg.ByID(c.id); !ok || p.Addr != addr {
				delete(a.byAddr, addr)
			}
		}
	}
}

func connectOK(reg *Registry, id PeerID) string {
	hostID, hostBase, _ := reg.Host()
	return protocol.ConnectOK{
		ClientID: uint16(id),
		HostID:   uint16(hostID),
		HostBase: hostBase,
	}.String()
}

// ConnectHandler validates "connect token=..&guid=.." and registers the peer.
// A repeat of an accepted request from the same address is answered again
// with the same id.
func ConnectHandler(cfg ConnectConfig) HandlerFunc {
	logger := util.ComponentLogger("oob")
	accepted := &acceptedConnects{byAddr: make(map[netip.AddrPort]acceptedConnect)}

	return func(req Request, args string) string {
		creq, err := protocol.ParseConnectRequest(args)
		if err != nil {
			logger.Debug().Err(err).Str("from", req.From.String()).Msg("malformed connect request")
			return protocol.OOBError + " Malformed connect request."
		}

		if p, ok := accepted.lookup(cfg.Registry, req.From, creq); ok {
			logger.Debug().Uint16("peer", uint16(p.ID)).Msg("answered retransmitted connect")
			return connectOK(cfg.Registry, p.ID)
		}

		// Refuse before the single-use token is spent.
		if !cfg.Registry.HasRoom(req.From) {
			return protocol.OOBError + " Server full."
		}

		var name string
		if cfg.Tokens != nil {
			var valid bool
			name, valid, err = cfg.Tokens.ConsumeToken(creq.Token, creq.GUID)
			if err != nil {
				logger.Error().Err(err).Str("from", req.From.String()).Msg("token validation failed")
				return protocol.OOBError + " Internal server error."
			}
			if !valid {
				logger.Warn().Str("from", req.From.String()).Str("guid", creq.GUID).Msg("rejected unknown session token")
				return protocol.OOBError + " Invalid session token."
			}
		}

		if old, ok := cfg.Registry.ByAddr(req.From); ok {
			if p, wasHost, removed := cfg.Registry.Remove(old.ID); removed && cfg.OnRetire != nil {
				cfg.OnRetire(p, wasHost)
			}
		}

		p, err := cfg.Registry.Add(req.From, creq.GUID, name, req.Endpoint, req.Now)
		switch {
		case errors.Is(err, ErrServerFull):
			return protocol.OOBError + " Server full."
		case err != nil:
			logger.Error().Err(err).Str("from", req.From.String()).Msg("failed to register peer")
			return protocol.OOBError + " Could not assign a peer id."
		}
		accepted.remember(cfg.Registry, req.From, creq, p.ID)

		if cfg.OnJoin != nil {
			cfg.OnJoin(p)
		}
		return connectOK(cfg.Registry, p.ID)
	}
}
