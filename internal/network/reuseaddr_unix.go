//go:build unix

package network

import (
	"net"
	"strings"
	"syscall"
)

// ReuseAddrListenConfig returns a ListenConfig whose sockets set
// SO_REUSEADDR, so a restarted relay rebinds its ports at once. UDP sockets
// also ask for a receive buffer of udpReceiveBuffer bytes.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: controlSocket}
}

func controlSocket(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		if opErr != nil || !strings.HasPrefix(network, "udp") {
			return
		}
		// The kernel clamps this to its rmem_max; a smaller buffer is fine.
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, udpReceiveBuffer)
	})
	if err != nil {
		return err
	}
	return opErr
}
