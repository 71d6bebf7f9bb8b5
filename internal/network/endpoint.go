// Package network owns the server's UDP sockets: binding with SO_REUSEADDR,
// the per-endpoint reader goroutines and per-source rate limiting of
// connectionless traffic.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/replicator/internal/protocol"
	"github.com/energizer-project/replicator/internal/util"
)

// DefaultMaxOOBPerSec caps out-of-band datagrams per source IP.
const DefaultMaxOOBPerSec = 30

// udpReceiveBuffer is the socket receive buffer requested for endpoints.
const udpReceiveBuffer = 4 << 20

// Datagram is a session frame read from an endpoint.
type Datagram struct {
	Endpoint int
	From     netip.AddrPort
	Data     []byte
	At       time.Time
}

// OOBResponder answers an out-of-band datagram. A nil reply sends nothing.
// It runs on the reader goroutine.
type OOBResponder func(from netip.AddrPort, endpoint int, data []byte, now time.Time) []byte

// EndpointConfig describes one UDP endpoint.
type EndpointConfig struct {
	Index int
	Addr  string

	// OOB answers connectionless datagrams inline.
	OOB OOBResponder

	// Inbox receives every other datagram. A full inbox drops.
	Inbox chan<- Datagram

	// MaxOOBPerSec limits out-of-band datagrams per source IP. Zero uses
	// DefaultMaxOOBPerSec, negative disables the limit.
	MaxOOBPerSec int
}

// EndpointStats counts reader activity.
type EndpointStats struct {
	Frames      uint64 `json:"frames"`
	OOB         uint64 `json:"oob"`
	Dropped     uint64 `json:"dropped"`
	RateLimited uint64 `json:"rate_limited"`
}

// Endpoint is one bound UDP socket.
type Endpoint struct {
	cfg     EndpointConfig
	conn    *net.UDPConn
	limiter *rateTracker
	logger  zerolog.Logger

	frames      atomic.Uint64
	oob         atomic.Uint64
	dropped     atomic.Uint64
	rateLimited atomic.Uint64
}

// ListenEndpoint binds cfg.Addr with SO_REUSEADDR.
func ListenEndpoint(ctx context.Context, cfg EndpointConfig) (*Endpoint, error) {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind endpoint %s: %w", cfg.Addr, err)
	}

	ep := &Endpoint{
		cfg:  cfg,
		conn: pc.(*net.UDPConn),
		logger: util.ComponentLogger("endpoint").With().
			Int("endpoint", cfg.Index).
			Logger(),
	}
	switch {
	case cfg.MaxOOBPerSec == 0:
		ep.limiter = newRateTracker(DefaultMaxOOBPerSec)
	case cfg.MaxOOBPerSec > 0:
		ep.limiter = newRateTracker(cfg.MaxOOBPerSec)
	}

	ep.logger.Info().Str("addr", ep.LocalAddr().String()).Msg("UDP endpoint listening")
	return ep, nil
}

// Index returns the endpoint's position in the configured list.
func (e *Endpoint) Index() int { return e.cfg.Index }

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	ap := e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Serve reads datagrams until ctx is cancelled or the socket is closed.
func (e *Endpoint) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.conn.Close()
	}()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				e.logger.Info().Msg("UDP endpoint stopping")
				return nil
			}
			e.logger.Error().Err(err).Msg("UDP read error")
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		now := time.Now()

		if protocol.IsOOB(buf[:n]) {
			e.handleOOB(from, buf[:n], now)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.cfg.Inbox <- Datagram{Endpoint: e.cfg.Index, From: from, Data: data, At: now}:
			e.frames.Add(1)
		default:
			e.dropped.Add(1)
			e.logger.Debug().Str("from", from.String()).Msg("inbox full, dropped frame")
		}
	}
}

func (e *Endpoint) handleOOB(from netip.AddrPort, data []byte, now time.Time) {
	e.oob.Add(1)
	if e.limiter != nil && !e.limiter.allow(from.Addr(), now) {
		e.rateLimited.Add(1)
		return
	}
	if e.cfg.OOB == nil {
		return
	}
	reply := e.cfg.OOB(from, e.cfg.Index, data, now)
	if len(reply) == 0 {
		return
	}
	if err := e.Send(from, reply); err != nil {
		e.logger.Warn().Err(err).Str("remote", from.String()).Msg("failed to send out-of-band reply")
	}
}

// Send writes one datagram to addr.
func (e *Endpoint) Send(to netip.AddrPort, data []byte) error {
	_, err := e.conn.WriteToUDPAddrPort(data, to)
	return err
}

// Stats returns the reader counters.
func (e *Endpoint) Stats() EndpointStats {
	return EndpointStats{
		Frames:      e.frames.Load(),
		OOB:         e.oob.Load(),
		Dropped:     e.dropped.Load(),
		RateLimited: e.rateLimited.Load(),
	}
}

// Close closes the socket, ending Serve.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// Probe sends "getinfo <challenge>" to addr and parses the reply.
func Probe(ctx context.Context, addr, challenge string) (protocol.ServerInfo, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return protocol.ServerInfo{}, fmt.Errorf("probe dial failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	if _, err := conn.Write(protocol.EncodeOOB(protocol.OOBGetInfo + " " + challenge)); err != nil {
		return protocol.ServerInfo{}, fmt.Errorf("probe write failed: %w", err)
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return protocol.ServerInfo{}, fmt.Errorf("probe read failed: %w", err)
	}
	text, ok := protocol.DecodeOOB(buf[:n])
	if !ok {
		return protocol.ServerInfo{}, errors.New("probe reply is not out-of-band")
	}
	return protocol.ParseServerInfo(text)
}
