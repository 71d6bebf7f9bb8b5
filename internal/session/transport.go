package session

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/energizer-project/replicator/internal/protocol"
	"github.com/energizer-project/replicator/internal/util"
)

// ErrWouldBlock is returned by Transport.Recv when no datagram is waiting.
var ErrWouldBlock = errors.New("transport would block")

// Datagram is one received packet and its source.
type Datagram struct {
	From netip.AddrPort
	Data []byte
}

// Transport is a non-blocking datagram socket.
type Transport interface {
	Recv() (Datagram, error)
	Send(to netip.AddrPort, data []byte) error
	Close() error
}

// UDPTransport adapts a UDP socket to Transport. A reader goroutine feeds a
// bounded channel; datagrams arriving while it is full are dropped.
type UDPTransport struct {
	conn   *net.UDPConn
	in     chan Datagram
	logger zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// ListenUDP opens a UDP socket on laddr ("" picks an ephemeral port).
func ListenUDP(laddr string, backlog int) (*UDPTransport, error) {
	var addr *net.UDPAddr
	if laddr != "" {
		var err error
		addr, err = net.ResolveUDPAddr("udp", laddr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", laddr, err)
		}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}
	if backlog <= 0 {
		backlog = 256
	}

	t := &UDPTransport{
		conn:   conn,
		in:     make(chan Datagram, backlog),
		logger: util.ComponentLogger("transport"),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return normalize(t.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn().Err(err).Msg("udp read error")
			continue
		}

		dg := Datagram{From: normalize(from), Data: append([]byte(nil), buf[:n]...)}
		select {
		case t.in <- dg:
		default:
			t.logger.Warn().Str("from", from.String()).Msg("receive backlog full, dropping datagram")
		}
	}
}

// Recv returns the next buffered datagram or ErrWouldBlock.
func (t *UDPTransport) Recv() (Datagram, error) {
	select {
	case dg := <-t.in:
		return dg, nil
	default:
	}
	select {
	case <-t.done:
		return Datagram{}, net.ErrClosed
	default:
		return Datagram{}, ErrWouldBlock
	}
}

// Send writes one datagram.
func (t *UDPTransport) Send(to netip.AddrPort, data []byte) error {
	if _, err := t.conn.WriteToUDPAddrPort(data, to); err != nil {
		return fmt.Errorf("failed to send to %s: %w", to, err)
	}
	return nil
}

// Close stops the reader and closes the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// normalize unmaps IPv4-in-IPv6 addresses so they compare equal to the
// resolved server address.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
