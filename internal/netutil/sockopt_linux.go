//go:build linux

package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control sets SO_REUSEADDR and clears IPV6_V6ONLY on IPv6 sockets.
func control(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
			return
		}
		switch network {
		case "tcp6", "udp6":
			opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
