// Package session implements the client side of a replication session: the
// token handshake, the out-of-band connect exchange and the per-frame
// send/receive loop once connected.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/replicator/internal/compress"
	"github.com/energizer-project/replicator/internal/protocol"
	"github.com/energizer-project/replicator/internal/util"
)

// MaxReliableCommands bounds unacknowledged outbound reliable commands.
const MaxReliableCommands = 64

var (
	// ErrConnectTimedOut means the server never answered a connect request.
	ErrConnectTimedOut = errors.New("failed to connect to server")

	// ErrServerTimedOut means a connected server went silent.
	ErrServerTimedOut = errors.New("server connection timed out")

	// ErrReliableOverflow means too many reliable commands await an ack.
	ErrReliableOverflow = errors.New("reliable command overflow")

	// ErrNotIdle means Connect was called on a session already in use.
	ErrNotIdle = errors.New("session is not idle")
)

// RejectedError carries the reason of an out-of-band "error" reply.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "server rejected connection: " + e.Reason
}

// ClosedError means the server ended the session with a quit command.
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string {
	return "server closed connection: " + e.Reason
}

// Config holds the client timing and identity settings.
type Config struct {
	Name               string
	GUID               string
	ConnectRetry       time.Duration
	MaxConnectAttempts int
	SendInterval       time.Duration
	KeepaliveInterval  time.Duration
	InactivityTimeout  time.Duration
	HandshakeTimeout   time.Duration
}

// DefaultConfig returns the standard client timings.
func DefaultConfig() Config {
	return Config{
		Name:               "player",
		ConnectRetry:       5 * time.Second,
		MaxConnectAttempts: 3,
		SendInterval:       25 * time.Millisecond,
		KeepaliveInterval:  5 * time.Second,
		InactivityTimeout:  15 * time.Second,
		HandshakeTimeout:   10 * time.Second,
	}
}

// Observer receives session notifications. Calls happen on the goroutine
// running RunFrame.
type Observer interface {
	OnStateChanged(from, to State)
	OnConnectionError(err error)
	OnCloneAcks(acks []protocol.Ack)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChanged    func(from, to State)
	ConnectionError func(err error)
	CloneAcks       func(acks []protocol.Ack)
}

func (o ObserverFuncs) OnStateChanged(from, to State) {
	if o.StateChanged != nil {
		o.StateChanged(from, to)
	}
}

func (o ObserverFuncs) OnConnectionError(err error) {
	if o.ConnectionError != nil {
		o.ConnectionError(err)
	}
}

func (o ObserverFuncs) OnCloneAcks(acks []protocol.Ack) {
	if o.CloneAcks != nil {
		o.CloneAcks(acks)
	}
}

// Stats counts frame-level traffic.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	Spoofed        uint64
	Malformed      uint64
	Stale          uint64
}

type handshakeResult struct {
	token SessionToken
	err   error
}

// Session is one client's connection to a server. Apart from the routed
// packet queues, every method must be called from the goroutine that runs
// RunFrame.
type Session struct {
	cfg        Config
	transport  Transport
	handshaker Handshaker
	observer   Observer
	logger     zerolog.Logger

	state      State
	localID    uint16
	hostID     uint16
	hostSet    bool
	hostBase   uint32
	authority  bool
	authBase   uint32
	serverAddr netip.AddrPort

	token           SessionToken
	handshake       chan handshakeResult
	cancelHandshake context.CancelFunc

	lastFrame          time.Time
	lastSend           time.Time
	connectedAt        time.Time
	lastReceived       time.Time
	lastConnectAttempt time.Time
	connectAttempts    int

	outSequence    uint32
	inSequence     uint32
	haveInSequence bool

	outReliable      []protocol.Reliable
	outReliableSeq   uint32
	outReliableAcked uint32
	inReliable       uint32
	ackPending       bool
	handlers         map[uint32][]func(data []byte)

	pendingBatches [][]byte
	outbound       routedQueue
	inbound        routedQueue

	stats Stats
}

// New creates an idle session.
func New(cfg Config, transport Transport, handshaker Handshaker, observer Observer) *Session {
	def := DefaultConfig()
	if cfg.ConnectRetry <= 0 {
		cfg.ConnectRetry = def.ConnectRetry
	}
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = def.SendInterval
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if observer == nil {
		observer = ObserverFuncs{}
	}
	return &Session{
		cfg:        cfg,
		transport:  transport,
		handshaker: handshaker,
		observer:   observer,
		logger:     util.ComponentLogger("session"),
		handlers:   make(map[uint32][]func([]byte)),
	}
}

// State returns the current connection phase.
func (s *Session) State() State { return s.state }

// LocalID returns the id the server assigned, or 0 before connectOK.
func (s *Session) LocalID() uint16 { return s.localID }

// ServerAddr returns the address frames are accepted from.
func (s *Session) ServerAddr() netip.AddrPort { return s.serverAddr }

// Host returns the known simulation authority.
func (s *Session) Host() (id uint16, base uint32, ok bool) {
	return s.hostID, s.hostBase, s.hostSet
}

// IsAuthority reports whether this client announces itself as host.
func (s *Session) IsAuthority() bool { return s.authority }

// Stats returns the traffic counters.
func (s *Session) Stats() Stats { return s.stats }

func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")
	s.observer.OnStateChanged(from, to)
}

// Connect starts a connection to host:port. The handshake runs in the
// background; RunFrame advances the session. Disconnect first to switch
// servers.
func (s *Session) Connect(host string, port uint16) error {
	if s.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrNotIdle, s.state)
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return fmt.Errorf("failed to resolve server %s:%d: %w", host, port, err)
	}

	s.reset()
	s.serverAddr = normalize(addr.AddrPort())

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	results := make(chan handshakeResult, 1)
	s.handshake = results
	s.cancelHandshake = cancel

	params := map[string]string{
		"method": "initConnect",
		"name":   s.cfg.Name,
		"guid":   s.cfg.GUID,
	}
	go func() {
		defer cancel()
		token, err := s.handshaker.Handshake(ctx, host, port, params)
		results <- handshakeResult{token: token, err: err}
	}()

	s.logger.Info().Str("server", s.serverAddr.String()).Msg("connecting")
	s.setState(StateInitializing)
	return nil
}

// RunFrame processes everything received since the previous frame, advances
// the state machine and sends at most one frame.
func (s *Session) RunFrame(now time.Time) {
	s.lastFrame = now
	s.receive(now)

	switch s.state {
	case StateInitializing:
		s.pollHandshake()
	case StateInitReceived:
		s.setState(StateDownloadComplete)
	case StateDownloadComplete:
		s.connectAttempts = 0
		s.lastConnectAttempt = time.Time{}
		s.setState(StateConnecting)
		s.tryConnect(now)
	case StateConnecting:
		s.tryConnect(now)
	case StateConnected:
		if now.Sub(s.lastReceived) > s.cfg.InactivityTimeout {
			s.fail(fmt.Errorf("%w after %s", ErrServerTimedOut, s.cfg.InactivityTimeout))
			return
		}
		s.flush(now, false)
	}
}

func (s *Session) pollHandshake() {
	select {
	case res := <-s.handshake:
		s.handshake = nil
		s.cancelHandshake = nil
		if res.err != nil {
			var herr *HandshakeError
			if !errors.As(res.err, &herr) {
				herr = &HandshakeError{Err: res.err}
			}
			s.fail(herr)
			return
		}
		s.token = res.token
		s.setState(StateInitReceived)
	default:
	}
}

func (s *Session) tryConnect(now time.Time) {
	if s.connectAttempts > 0 && now.Sub(s.lastConnectAttempt) < s.cfg.ConnectRetry {
		return
	}
	if s.connectAttempts >= s.cfg.MaxConnectAttempts {
		s.fail(fmt.Errorf("%w after %d attempts", ErrConnectTimedOut, s.connectAttempts))
		return
	}

	req := protocol.ConnectRequest{Token: string(s.token), GUID: s.cfg.GUID}
	if err := s.transport.Send(s.serverAddr, protocol.EncodeOOB(req.String())); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send connect request")
	}
	s.connectAttempts++
	s.lastConnectAttempt = now
	s.logger.Debug().Int("attempt", s.connectAttempts).Msg("sent connect request")
}

func (s *Session) receive(now time.Time) {
	for {
		dg, err := s.transport.Recv()
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("transport receive failed")
			return
		}

		if protocol.IsOOB(dg.Data) {
			s.handleOOB(dg, now)
			continue
		}
		if dg.From != s.serverAddr {
			s.stats.Spoofed++
			s.logger.Warn().Str("from", dg.From.String()).Msg("dropped frame from unexpected address")
			continue
		}
		s.handleFrame(dg.Data, now)
	}
}

func (s *Session) handleOOB(dg Datagram, now time.Time) {
	text, _ := protocol.DecodeOOB(dg.Data)
	cmd, args := protocol.SplitCommand(text)

	if dg.From != s.serverAddr {
		s.logger.Debug().Str("from", dg.From.String()).Str("command", cmd).Msg("ignored out-of-band reply from unexpected address")
		return
	}

	switch cmd {
	case protocol.OOBConnectOK:
		if s.state != StateConnecting {
			return
		}
		ok, err := protocol.ParseConnectOK(text)
		if err != nil {
			s.stats.Malformed++
			s.logger.Warn().Err(err).Msg("discarded malformed connectOK")
			return
		}
		s.localID = ok.ClientID
		s.hostID = ok.HostID
		s.hostSet = ok.HostID != protocol.NoPeer
		s.hostBase = ok.HostBase
		s.inReliable = 0
		s.haveInSequence = false
		s.lastReceived = now
		s.lastSend = time.Time{}
		s.connectedAt = now
		s.logger.Info().
			Uint16("id", ok.ClientID).
			Uint16("host", ok.HostID).
			Uint32("host_base", ok.HostBase).
			Msg("connected")
		s.setState(StateConnected)

	case protocol.OOBError:
		if s.state != StateConnecting && s.state != StateConnected {
			return
		}
		s.fail(&RejectedError{Reason: args})

	default:
		s.logger.Debug().Str("command", cmd).Msg("unhandled out-of-band reply")
	}
}

func (s *Session) handleFrame(data []byte, now time.Time) {
	if s.state != StateConnected {
		return
	}
	seq, r, err := protocol.DecodeFrame(data)
	if err != nil {
		s.stats.Malformed++
		s.logger.Debug().Err(err).Msg("dropped malformed frame")
		return
	}
	if s.haveInSequence && !protocol.SequenceNewer(seq, s.inSequence) {
		s.stats.Stale++
		return
	}
	s.inSequence = seq
	s.haveInSequence = true
	s.lastReceived = now
	s.stats.FramesReceived++

	for {
		msg, ok := r.Next()
		if !ok {
			break
		}
		switch m := msg.(type) {
		case protocol.Route:
			s.inbound.push(RoutedPacket{Peer: m.Peer, Payload: m.Payload})
		case protocol.Hello:
			s.handleHello(m)
		case protocol.Reliable:
			s.handleReliable(m)
			if s.state != StateConnected {
				return
			}
		case protocol.ReliableAck:
			s.ackReliable(m.ID)
		case protocol.CloneAcks:
			s.observer.OnCloneAcks(m.Acks)
		default:
			s.logger.Debug().Uint32("tag", msg.Tag()).Msg("ignored sub-message")
		}
	}
	if err := r.Err(); err != nil {
		s.stats.Malformed++
		s.logger.Debug().Err(err).Uint32("sequence", seq).Msg("frame truncated")
	}
}

// handleHello keeps the first announced authority for the rest of the
// session. An announcement of NoPeer clears it so the next one can land.
func (s *Session) handleHello(m protocol.Hello) {
	switch {
	case m.ID == protocol.NoPeer:
		if s.hostSet {
			s.logger.Info().Uint16("previous", s.hostID).Msg("host cleared")
		}
		s.hostID, s.hostBase, s.hostSet = 0, 0, false
	case !s.hostSet:
		s.hostID, s.hostBase, s.hostSet = m.ID, m.Base, true
		s.logger.Info().Uint16("host", m.ID).Uint32("base", m.Base).Msg("host established")
	case m.ID == s.hostID:
		s.hostBase = m.Base
	default:
		s.logger.Warn().
			Uint16("host", s.hostID).
			Uint16("announced", m.ID).
			Msg("ignored conflicting host announcement")
	}
}

func (s *Session) handleReliable(m protocol.Reliable) {
	if m.ID <= s.inReliable {
		return
	}
	if m.ID > s.inReliable+MaxReliableCommands {
		s.logger.Warn().Uint32("id", m.ID).Uint32("last", s.inReliable).Msg("reliable command id jumped")
	}
	s.inReliable = m.ID
	s.ackPending = true

	if m.Type == protocol.CmdQuit {
		s.fail(&ClosedError{Reason: strings.TrimRight(string(m.Data), "\x00")})
		return
	}

	for _, fn := range s.handlers[m.Type] {
		fn(m.Data)
	}
}

func (s *Session) ackReliable(id uint32) {
	if id <= s.outReliableAcked || id > s.outReliableSeq {
		return
	}
	kept := s.outReliable[:0]
	for _, cmd := range s.outReliable {
		if cmd.ID > id {
			kept = append(kept, cmd)
		}
	}
	s.outReliable = kept
	s.outReliableAcked = id
}

// flush sends one frame if the throttle allows and there is something to
// say. force bypasses the throttle.
func (s *Session) flush(now time.Time, force bool) {
	if s.state != StateConnected {
		return
	}
	if !force && now.Sub(s.lastSend) < s.cfg.SendInterval {
		return
	}

	quietSince := s.lastSend
	if quietSince.IsZero() {
		quietSince = s.connectedAt
	}
	keepalive := now.Sub(quietSince) >= s.cfg.KeepaliveInterval

	if s.outbound.len() == 0 && len(s.pendingBatches) == 0 && len(s.outReliable) == 0 && !s.ackPending && !s.authority && !keepalive {
		return
	}

	// Whatever does not fit one datagram waits for the next frame.
	budget := protocol.MaxDatagramSize - protocol.FrameOverhead
	var msgs []protocol.SubMessage
	add := func(m protocol.SubMessage) bool {
		n := protocol.EncodedLen(m)
		if n > budget {
			return false
		}
		budget -= n
		msgs = append(msgs, m)
		return true
	}

	if s.inReliable > 0 {
		add(protocol.ReliableAck{ID: s.inReliable})
	}
	if s.authority {
		add(protocol.Hello{ID: s.localID, Base: s.authBase})
	}
	for _, cmd := range s.outReliable {
		if !add(cmd) {
			break
		}
	}
	batches := 0
	for _, b := range s.pendingBatches {
		if !add(protocol.CloneBatch{Data: b}) {
			break
		}
		batches++
	}
	s.outbound.take(func(p RoutedPacket) bool {
		return add(protocol.Route{Peer: p.Peer, Payload: p.Payload})
	})

	s.outSequence = protocol.NextSequence(s.outSequence)
	data, err := protocol.EncodeFrame(s.outSequence, msgs)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode frame")
		return
	}
	if err := s.transport.Send(s.serverAddr, data); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send frame")
	}

	s.lastSend = now
	s.pendingBatches = s.pendingBatches[batches:]
	if len(s.pendingBatches) == 0 {
		s.pendingBatches = nil
	}
	s.ackPending = false
	s.stats.FramesSent++
}

// Disconnect tells a connected server we are leaving and returns to Idle.
func (s *Session) Disconnect(reason string) {
	if s.state == StateIdle {
		return
	}
	if s.state == StateConnected {
		s.queueReliable(protocol.CmdQuit, append([]byte(reason), 0), true)
		s.flush(s.lastFrame, true)
		s.flush(s.lastFrame, true)
	}
	s.logger.Info().Str("reason", reason).Msg("disconnected")
	s.reset()
	s.setState(StateIdle)
}

func (s *Session) fail(err error) {
	s.logger.Warn().Err(err).Stringer("state", s.state).Msg("connection failed")
	s.reset()
	s.setState(StateIdle)
	s.observer.OnConnectionError(err)
}

func (s *Session) reset() {
	if s.cancelHandshake != nil {
		s.cancelHandshake()
	}
	s.handshake = nil
	s.cancelHandshake = nil
	s.token = ""
	s.localID = 0
	s.hostID, s.hostBase, s.hostSet = 0, 0, false
	s.serverAddr = netip.AddrPort{}
	s.lastSend = time.Time{}
	s.connectAttempts = 0
	s.outSequence = 0
	s.haveInSequence = false
	s.outReliable = nil
	s.outReliableSeq = 0
	s.outReliableAcked = 0
	s.inReliable = 0
	s.ackPending = false
	s.pendingBatches = nil
	s.outbound.reset()
	s.inbound.reset()
}

// SetAuthority makes this client announce itself as simulation authority
// with the given base counter in every frame while connected. It survives
// reconnects until ClearAuthority.
func (s *Session) SetAuthority(base uint32) {
	s.authority = true
	s.authBase = base
}

// ClearAuthority stops the authority announcements.
func (s *Session) ClearAuthority() {
	s.authority = false
}

// AddReliableHandler registers fn for reliable commands named name.
func (s *Session) AddReliableHandler(name string, fn func(data []byte)) {
	typ := protocol.HashString(name)
	s.handlers[typ] = append(s.handlers[typ], fn)
}

// SendReliable queues a reliable command. It is resent in every frame until
// the server acknowledges it.
func (s *Session) SendReliable(name string, data []byte) error {
	return s.queueReliable(protocol.HashString(name), data, false)
}

func (s *Session) queueReliable(typ uint32, data []byte, force bool) error {
	if protocol.IsReservedTag(typ) {
		return fmt.Errorf("reliable command type %#08x collides with a fixed tag", typ)
	}
	if !force && s.outReliableSeq-s.outReliableAcked >= MaxReliableCommands {
		return ErrReliableOverflow
	}
	if s.outReliableSeq >= protocol.MaxReliableID {
		return ErrReliableOverflow
	}
	s.outReliableSeq++
	s.outReliable = append(s.outReliable, protocol.Reliable{
		Type: typ,
		ID:   s.outReliableSeq,
		Data: data,
	})
	return nil
}

// QueueCloneBatch encodes and compresses items for the next frame.
func (s *Session) QueueCloneBatch(items []protocol.BatchItem) error {
	raw, err := protocol.EncodeBatch(items)
	if err != nil {
		return err
	}
	if len(raw) > protocol.MaxDecompressedBatch {
		return fmt.Errorf("entity batch of %d bytes exceeds %d", len(raw), protocol.MaxDecompressedBatch)
	}
	data, err := compress.Compress(raw)
	if err != nil {
		return err
	}
	if len(data) > 0xFFFF {
		return fmt.Errorf("compressed entity batch of %d bytes exceeds u16 length", len(data))
	}
	s.pendingBatches = append(s.pendingBatches, data)
	return nil
}

// EnqueueRoutedPacket queues payload for peer. Safe for concurrent use.
func (s *Session) EnqueueRoutedPacket(peer uint16, payload []byte) error {
	if len(payload) > protocol.MaxFramedRoute {
		return fmt.Errorf("routed payload of %d bytes exceeds %d", len(payload), protocol.MaxFramedRoute)
	}
	s.outbound.push(RoutedPacket{Peer: peer, Payload: payload})
	return nil
}

// DequeueRoutedPacket pops the oldest received payload. Safe for concurrent
// use.
func (s *Session) DequeueRoutedPacket() (RoutedPacket, bool) {
	return s.inbound.pop()
}

// PendingOutbound returns how many routed payloads await the next frame.
func (s *Session) PendingOutbound() int {
	return s.outbound.len()
}
