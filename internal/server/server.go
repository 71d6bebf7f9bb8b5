package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/db"
	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/network"
	"github.com/energizer-project/replicator/internal/peers"
	"github.com/energizer-project/replicator/internal/protocol"
	"github.com/energizer-project/replicator/internal/replication"
	"github.com/energizer-project/replicator/internal/tick"
	"github.com/energizer-project/replicator/internal/util"
)

const (
	// KeepaliveInterval is the longest a peer goes without a frame.
	KeepaliveInterval = time.Second

	// DefaultPeerTimeout retires peers that stay silent this long.
	DefaultPeerTimeout = 30 * time.Second

	inboxSize   = 4096
	controlSize = 256
)

var (
	ErrNotRunning  = errors.New("server is not running")
	ErrUnknownPeer = errors.New("unknown peer")
)

// SessionRecorder persists finished peer sessions.
type SessionRecorder interface {
	RecordSession(rec db.SessionRecord) error
}

// Identity is what getinfo reports.
type Identity struct {
	Hostname string
	GameName string
	GameType string
	MapName  string
	Protocol int
}

// Options configures a Server.
type Options struct {
	Endpoints    []string
	MaxClients   int
	TickInterval time.Duration
	PeerTimeout  time.Duration
	Identity     Identity

	// Tokens validates connect requests. Nil accepts any token.
	Tokens peers.TokenValidator

	RemovePolicy replication.RemovePolicy
	UpdatePolicy replication.UpdatePolicy
	Codec        replication.SchemaCodec
	Observer     replication.Observer

	Bus          *events.EventBus
	Sessions     SessionRecorder
	MaxOOBPerSec int
}

// OptionsFromConfig maps the server section of the config file.
func OptionsFromConfig(sc config.ServerConfig) (Options, error) {
	remove, err := replication.ParseRemovePolicy(sc.RemovePolicy)
	if err != nil {
		return Options{}, err
	}
	update, err := replication.ParseUpdatePolicy(sc.UpdatePolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Endpoints:    sc.Endpoints,
		MaxClients:   sc.MaxClients,
		TickInterval: sc.TickInterval(),
		PeerTimeout:  sc.PeerTimeout(),
		Identity: Identity{
			Hostname: sc.Hostname,
			GameName: sc.GameName,
			GameType: sc.GameType,
			MapName:  sc.MapName,
			Protocol: sc.ProtocolVersion,
		},
		RemovePolicy: remove,
		UpdatePolicy: update,
	}, nil
}

// Server is the replication server. Exported methods are safe for
// concurrent use; everything that mutates per-peer session state runs on
// the tick goroutine.
type Server struct {
	opts   Options
	logger zerolog.Logger
	bus    *events.EventBus

	registry *peers.Registry
	store    *replication.Store
	engine   *replication.Engine
	oob      *peers.OOBHandler
	driver   *tick.Driver
	lag      *LagMonitor

	endpoints []*network.Endpoint
	inbox     chan network.Datagram
	control   chan func()

	// Owned by the tick goroutine.
	conns   map[peers.PeerID]*peerConn
	removed []protocol.EntityHandle
	anchor  time.Time
	lagging bool

	started    atomic.Bool
	status     atomic.Int32
	startedAt  time.Time
	ticks      atomic.Uint64
	serverTime atomic.Int64

	framesIn, framesOut, unknownSource, malformed, stale atomic.Uint64
	relayed, routeDropped                                 atomic.Uint64

	cancel   context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a stopped server.
func New(opts Options) *Server {
	if opts.TickInterval <= 0 {
		opts.TickInterval = tick.DefaultInterval
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = DefaultPeerTimeout
	}

	s := &Server{
		opts:     opts,
		logger:   util.ComponentLogger("server"),
		bus:      opts.Bus,
		registry: peers.NewRegistry(opts.MaxClients),
		store:    replication.NewStore(),
		oob:      peers.NewOOBHandler(),
		driver:   tick.NewDriver(opts.TickInterval),
		lag:      NewLagMonitor(),
		inbox:    make(chan network.Datagram, inboxSize),
		control:  make(chan func(), controlSize),
		conns:    make(map[peers.PeerID]*peerConn),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	var observer replication.Observer = entityObserver{s: s}
	if opts.Observer != nil {
		observer = replication.MultiObserver{observer, opts.Observer}
	}
	s.engine = replication.NewEngine(s.store, replication.Options{
		Codec:        opts.Codec,
		Observer:     observer,
		RemovePolicy: opts.RemovePolicy,
		UpdatePolicy: opts.UpdatePolicy,
	})

	s.oob.Register(protocol.OOBGetInfo, peers.InfoHandler(s.Info))
	s.oob.Register(protocol.OOBConnect, peers.ConnectHandler(peers.ConnectConfig{
		Registry: s.registry,
		Tokens:   opts.Tokens,
		OnRetire: func(p peers.Peer, wasHost bool) {
			s.do(func() { s.retired(p, wasHost, events.ReasonReplaced) })
		},
		OnJoin: func(p peers.Peer) {
			s.do(func() { s.joined(p) })
		},
	}))

	if s.bus != nil {
		s.bus.Subscribe(events.EventKickPeer, "server.kickPeer", s.onKickPeer)
	}
	return s
}

// OOB exposes the out-of-band command table so callers can add commands
// before Start.
func (s *Server) OOB() *peers.OOBHandler { return s.oob }

// Registry returns the peer registry.
func (s *Server) Registry() *peers.Registry { return s.registry }

// Store returns the entity table.
func (s *Server) Store() *replication.Store { return s.store }

// Status returns the lifecycle phase.
func (s *Server) Status() Status { return Status(s.status.Load()) }

// Done is closed once a started server has fully stopped.
func (s *Server) Done() <-chan struct{} { return s.done }

// Start binds every endpoint and launches the reader and tick goroutines.
// A bind failure closes whatever was bound and is returned.
func (s *Server) Start(ctx context.Context) error {
	if len(s.opts.Endpoints) == 0 {
		return errors.New("no endpoints configured")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}
	s.status.Store(int32(StatusStarting))

	epCtx, epCancel := context.WithCancel(context.Background())
	for i, addr := range s.opts.Endpoints {
		ep, err := network.ListenEndpoint(epCtx, network.EndpointConfig{
			Index:        i,
			Addr:         addr,
			OOB:          s.answerOOB,
			Inbox:        s.inbox,
			MaxOOBPerSec: s.opts.MaxOOBPerSec,
		})
		if err != nil {
			epCancel()
			for _, bound := range s.endpoints {
				bound.Close()
			}
			s.endpoints = nil
			s.status.Store(int32(StatusStopped))
			s.started.Store(false)
			return err
		}
		s.endpoints = append(s.endpoints, ep)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now()

	for _, ep := range s.endpoints {
		ep := ep
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ep.Serve(epCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.lag.Start(runCtx, time.Minute)
	}()

	s.status.Store(int32(StatusRunning))
	go func() {
		defer close(s.done)
		s.loop(runCtx)
		epCancel()
		s.wg.Wait()
		s.status.Store(int32(StatusStopped))
		s.logger.Info().Msg("server stopped")
	}()

	s.logger.Info().
		Int("endpoints", len(s.endpoints)).
		Int("max_clients", s.opts.MaxClients).
		Dur("tick", s.opts.TickInterval).
		Stringer("remove_policy", s.opts.RemovePolicy).
		Stringer("update_policy", s.opts.UpdatePolicy).
		Msg("server started")
	return nil
}

// Stop tells every peer the server is going away and waits for shutdown.
func (s *Server) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// EndpointAddrs returns the bound endpoint addresses in configured order.
func (s *Server) EndpointAddrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep.LocalAddr())
	}
	return out
}

// Info describes the server the way getinfo reports it.
func (s *Server) Info() protocol.ServerInfo {
	id := s.opts.Identity
	return protocol.ServerInfo{
		MaxClients: s.registry.MaxPeers(),
		Clients:    s.registry.Count(),
		GameName:   id.GameName,
		Protocol:   id.Protocol,
		Hostname:   id.Hostname,
		GameType:   id.GameType,
		MapName:    id.MapName,
		IV:         "0",
	}
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	hostID, hostBase, _ := s.registry.Host()
	st := Stats{
		Status:     s.Status(),
		Peers:      s.registry.Count(),
		MaxPeers:   s.registry.MaxPeers(),
		Entities:   s.store.Len(),
		HostID:     uint16(hostID),
		HostBase:   hostBase,
		Ticks:      s.ticks.Load(),
		ServerTime: time.Duration(s.serverTime.Load()),
		Traffic: TrafficStats{
			FramesIn:      s.framesIn.Load(),
			FramesOut:     s.framesOut.Load(),
			UnknownSource: s.unknownSource.Load(),
			Malformed:     s.malformed.Load(),
			Stale:         s.stale.Load(),
			RoutesRelayed: s.relayed.Load(),
			RoutesDropped: s.routeDropped.Load(),
		},
		Replication: s.engine.Stats(),
		Lag:         s.lag.Summary(time.Now()),
	}
	if !s.startedAt.IsZero() {
		st.Uptime = time.Since(s.startedAt)
	}
	for _, ep := range s.endpoints {
		st.Endpoints = append(st.Endpoints, EndpointStatus{
			Index:         ep.Index(),
			Addr:          ep.LocalAddr().String(),
			EndpointStats: ep.Stats(),
		})
	}
	return st
}

// Kick sends a quit to peer id and retires it.
func (s *Server) Kick(id peers.PeerID, reason string) error {
	if s.Status() != StatusRunning {
		return ErrNotRunning
	}
	if _, ok := s.registry.ByID(id); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	if reason == "" {
		reason = "Kicked."
	}
	s.do(func() { s.kick(id, reason) })
	return nil
}

func (s *Server) onKickPeer(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.KickPayload)
	if !ok {
		return nil
	}
	return s.Kick(peers.PeerID(p.Peer), p.Reason)
}

// do runs fn on the tick goroutine. It gives up once the loop has exited.
func (s *Server) do(fn func()) {
	select {
	case s.control <- fn:
	case <-s.loopDone:
	}
}

func (s *Server) answerOOB(from netip.AddrPort, endpoint int, data []byte, now time.Time) []byte {
	return s.oob.Handle(peers.Request{From: from, Endpoint: endpoint, Now: now}, data)
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "server",
		Payload: payload,
	})
}

func (s *Server) loop(ctx context.Context) {
	defer close(s.loopDone)

	s.anchor = time.Now()
	s.driver.Run(ctx, time.Now, func(d time.Duration) { s.service(ctx, d) }, s.step)
	s.shutdown()
}

// service handles datagrams and control requests until the next tick
// boundary.
func (s *Server) service(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case dg := <-s.inbox:
			s.handleDatagram(dg)
		case fn := <-s.control:
			fn()
		}
	}
}

func (s *Server) step(serverTime time.Duration) {
	now := time.Now()
	s.ticks.Add(1)
	s.serverTime.Store(int64(serverTime))
	s.checkLag(now, serverTime)

	for _, id := range s.registry.Expired(now, s.opts.PeerTimeout) {
		s.logger.Info().Uint16("peer", uint16(id)).Dur("timeout", s.opts.PeerTimeout).Msg("peer timed out")
		s.retire(id, events.ReasonTimeout)
	}

	for id, c := range s.conns {
		if c.overflowed {
			s.logger.Warn().Uint16("peer", uint16(id)).Msg("reliable backlog overflow, dropping peer")
			s.retire(id, events.ReasonOverflow)
			continue
		}
		s.flush(c, now, false)
	}
}

func (s *Server) checkLag(now time.Time, serverTime time.Duration) {
	interval := s.driver.Interval()
	behind := now.Sub(s.anchor.Add(serverTime))
	if behind < interval {
		s.lagging = false
		return
	}
	if s.lagging {
		return
	}
	s.lagging = true
	s.lag.Record(now, behind)
	s.logger.Warn().Dur("behind", behind).Msg("tick loop fell behind")
	s.emit(events.EventLongTick, events.LongTickPayload{
		Ticks:    int(behind / interval),
		Behind:   behind,
		Interval: interval,
	})
}

// flush sends the pending data of one peer, or a keepalive when it has been
// quiet for KeepaliveInterval. force sends even when nothing is pending.
func (s *Server) flush(c *peerConn, now time.Time, force bool) {
	if !force && !c.pending() && now.Sub(c.lastSend) < KeepaliveInterval {
		return
	}
	for i := 0; i < maxFramesPerFlush; i++ {
		msgs, dropped := c.nextFrame(i == 0)
		if dropped > 0 {
			s.routeDropped.Add(uint64(dropped))
			s.logger.Warn().Uint16("peer", uint16(c.id)).Int("dropped", dropped).Msg("dropped oversized routed payload")
		}
		if i > 0 && len(msgs) == 0 {
			return
		}
		s.sendFrame(c, msgs, now)
		if !c.queued() {
			return
		}
	}
}

func (s *Server) sendFrame(c *peerConn, msgs []protocol.SubMessage, now time.Time) {
	if c.endpoint < 0 || c.endpoint >= len(s.endpoints) {
		return
	}
	c.outSeq = protocol.NextSequence(c.outSeq)
	data, err := protocol.EncodeFrame(c.outSeq, msgs)
	if err != nil {
		s.logger.Error().Err(err).Uint16("peer", uint16(c.id)).Msg("failed to encode frame")
		return
	}
	if err := s.endpoints[c.endpoint].Send(c.addr, data); err != nil {
		s.logger.Debug().Err(err).Uint16("peer", uint16(c.id)).Msg("failed to send frame")
	}
	c.lastSend = now
	s.framesOut.Add(1)
}

func (s *Server) connFor(p peers.Peer) *peerConn {
	c, ok := s.conns[p.ID]
	if !ok {
		c = newPeerConn(p)
		s.conns[p.ID] = c
	}
	return c
}

func (s *Server) joined(p peers.Peer) {
	if _, ok := s.registry.ByID(p.ID); !ok {
		return
	}
	c := s.connFor(p)
	if c.announced {
		return
	}
	c.announced = true
	s.emit(events.EventPeerConnected, events.PeerPayload{
		ID:       uint16(p.ID),
		Addr:     p.Addr.String(),
		GUID:     p.GUID,
		Name:     p.Name,
		Endpoint: p.Endpoint,
	})
}

func (s *Server) kick(id peers.PeerID, reason string) {
	p, ok := s.registry.ByID(id)
	if !ok {
		return
	}
	c := s.connFor(p)
	c.queueReliable(protocol.CmdQuit, append([]byte(reason), 0), true)
	now := time.Now()
	s.flush(c, now, true)
	s.flush(c, now, true)
	s.logger.Info().Uint16("peer", uint16(id)).Str("reason", reason).Msg("peer kicked")
	s.retire(id, events.ReasonKicked)
}

// retire removes a peer from the registry and cleans up after it.
func (s *Server) retire(id peers.PeerID, reason events.DisconnectReason) {
	p, wasHost, ok := s.registry.Remove(id)
	if !ok {
		delete(s.conns, id)
		return
	}
	s.retired(p, wasHost, reason)
}

// retired cleans up after a peer already gone from the registry: its
// entities are dropped and their removal broadcast, and a vacated host role
// is announced as cleared.
func (s *Server) retired(p peers.Peer, wasHost bool, reason events.DisconnectReason) {
	delete(s.conns, p.ID)

	s.removed = s.removed[:0]
	gone := s.engine.DropPeer(p.ID)
	s.broadcastRemovals(p.ID)

	if wasHost {
		s.broadcastHello(protocol.Hello{ID: protocol.NoPeer})
		s.logger.Info().Uint16("previous", uint16(p.ID)).Msg("host cleared")
		s.emit(events.EventHostChanged, events.HostPayload{Previous: uint16(p.ID)})
	}

	s.logger.Info().
		Uint16("peer", uint16(p.ID)).
		Str("guid", p.GUID).
		Stringer("reason", reason).
		Int("entities", len(gone)).
		Msg("peer disconnected")
	s.emit(events.EventPeerDisconnected, events.PeerPayload{
		ID:       uint16(p.ID),
		Addr:     p.Addr.String(),
		GUID:     p.GUID,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		Reason:   reason,
		Entities: len(gone),
	})

	if s.opts.Sessions != nil {
		rec := db.SessionRecord{
			PeerID:         uint16(p.ID),
			GUID:           p.GUID,
			Name:           p.Name,
			Addr:           p.Addr.String(),
			ConnectedAt:    p.ConnectedAt,
			DisconnectedAt: time.Now(),
			Reason:         reason.String(),
			Entities:       len(gone),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.opts.Sessions.RecordSession(rec); err != nil {
				s.logger.Error().Err(err).Uint16("peer", rec.PeerID).Msg("failed to record session")
			}
		}()
	}
}

func (s *Server) broadcastHello(h protocol.Hello) {
	for _, c := range s.conns {
		hello := h
		c.hello = &hello
	}
}

// broadcastRemovals sends a clone remove for every handle collected in
// s.removed to all peers except one, then clears the list.
func (s *Server) broadcastRemovals(except peers.PeerID) {
	for _, h := range s.removed {
		data := protocol.EncodeCloneRemove(h)
		for id, c := range s.conns {
			if id != except {
				c.queueReliable(protocol.CmdCloneRemove, data, false)
			}
		}
	}
	s.removed = s.removed[:0]
}

func (s *Server) shutdown() {
	s.status.Store(int32(StatusStopping))

	for drained := false; !drained; {
		select {
		case fn := <-s.control:
			fn()
		default:
			drained = true
		}
	}

	now := time.Now()
	for id, c := range s.conns {
		c.queueReliable(protocol.CmdQuit, []byte("Server shutting down.\x00"), true)
		s.flush(c, now, true)
		s.flush(c, now, true)
		s.retire(id, events.ReasonShutdown)
	}
	for _, p := range s.registry.All() {
		s.retire(p.ID, events.ReasonShutdown)
	}
}
