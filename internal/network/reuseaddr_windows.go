//go:build windows

package network

import (
	"net"
	"strings"
	"syscall"
)

// ReuseAddrListenConfig returns a ListenConfig whose sockets set
// SO_REUSEADDR. UDP sockets also ask for a receive buffer of
// udpReceiveBuffer bytes. Option errors are ignored on Windows.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				h := syscall.Handle(fd)
				syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if strings.HasPrefix(network, "udp") {
					syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_RCVBUF, udpReceiveBuffer)
				}
			})
		},
	}
}
