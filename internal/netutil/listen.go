package netutil

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// ListenConfig returns the listener configuration used by the caster and the
// socket server (address reuse, dual stack where supported).
func ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: control}
}

// ListenTCP binds a dual-stack TCP listener on port (0 picks a free port).
func ListenTCP(ctx context.Context, port int) (net.Listener, error) {
	ln, err := ListenConfig().Listen(ctx, "tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("listen tcp :%d: %w", port, err)
	}
	return ln, nil
}

// ListenUDP binds a dual-stack UDP socket on port.
func ListenUDP(ctx context.Context, port int) (*net.UDPConn, error) {
	pc, err := ListenConfig().ListenPacket(ctx, "udp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen udp :%d: unexpected conn type %T", port, pc)
	}
	return uc, nil
}

// DialUDPFrom opens a UDP socket bound to localPort and connected to remote.
// The port is shared with the server socket through address reuse, so
// replies leave from the port the peer talked to and ICMP errors surface on
// this socket alone.
func DialUDPFrom(ctx context.Context, localPort int, remote netip.AddrPort) (*net.UDPConn, error) {
	d := net.Dialer{
		LocalAddr: &net.UDPAddr{Port: localPort},
		Control:   control,
		Timeout:   IOTimeout,
	}
	conn, err := d.DialContext(ctx, "udp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("dial udp %s from :%d: %w", remote, localPort, err)
	}
	uc, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("dial udp %s: unexpected conn type %T", remote, conn)
	}
	return uc, nil
}
