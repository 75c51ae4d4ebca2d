// Package netutil holds the socket helpers shared by the adapters.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// IOTimeout bounds connect and per-operation I/O on outbound connections.
const IOTimeout = 10 * time.Second

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrResolve = errors.New("resolve")
	ErrConnect = errors.New("connect")
)

// Resolver is the subset of net.Resolver used by Dial; tests replace it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var resolver Resolver = net.DefaultResolver

// Dial resolves host and connects to the first address that accepts.
// Failures are wrapped in ErrResolve or ErrConnect.
func Dial(ctx context.Context, network, host string, port int) (net.Conn, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrResolve)
	}
	rctx, cancel := context.WithTimeout(ctx, IOTimeout)
	defer cancel()
	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	} else {
		addrs, err = resolver.LookupNetIP(rctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("%w: %s: no addresses", ErrResolve, host)
		}
	}
	d := net.Dialer{Timeout: IOTimeout}
	var last error
	for _, a := range addrs {
		ap := netip.AddrPortFrom(a.Unmap(), uint16(port))
		conn, err := d.DialContext(ctx, network, ap.String())
		if err == nil {
			return conn, nil
		}
		last = err
	}
	return nil, fmt.Errorf("%w: %s:%d: %v", ErrConnect, host, port, last)
}

// HostPort joins host and port for display and dialing.
func HostPort(host string, port int) string { return net.JoinHostPort(host, strconv.Itoa(port)) }

// AddrString renders an address as "v4:port" or "[v6]:port", showing
// v4-mapped IPv6 addresses in their IPv4 form.
func AddrString(a net.Addr) string {
	switch v := a.(type) {
	case *net.TCPAddr:
		return AddrPortString(v.AddrPort())
	case *net.UDPAddr:
		return AddrPortString(v.AddrPort())
	case nil:
		return ""
	}
	return a.String()
}

// AddrPortString is AddrString for netip values.
func AddrPortString(ap netip.AddrPort) string {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
}

// Unmap normalises ap so v4 peers compare equal whether they arrived on an
// IPv4 or a dual-stack socket.
func Unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// interfaceAddrs is a test hook.
var interfaceAddrs = net.InterfaceAddrs

// NetworkUp reports whether any non-loopback unicast address is configured.
func NetworkUp() bool {
	addrs, err := interfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip := ipn.IP; !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified() {
			return true
		}
	}
	return false
}

// WaitForNetwork blocks until NetworkUp or ctx is done, polling every poll.
func WaitForNetwork(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for !NetworkUp() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// IsTimeout reports a net timeout error.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
