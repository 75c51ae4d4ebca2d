package netutil

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	addrs []netip.Addr
	err   error
}

func (f fakeResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return f.addrs, f.err
}

func withResolver(t *testing.T, r Resolver) {
	orig := resolver
	resolver = r
	t.Cleanup(func() { resolver = orig })
}

func TestDialErrorClasses(t *testing.T) {
	withResolver(t, fakeResolver{err: errors.New("no such host")})
	_, err := Dial(context.Background(), "tcp", "caster.invalid", 2101)
	assert.ErrorIs(t, err, ErrResolve)

	_, err = Dial(context.Background(), "tcp", "", 2101)
	assert.ErrorIs(t, err, ErrResolve)

	// grab a free port, then close it so the connect is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	_, err = Dial(context.Background(), "tcp", "127.0.0.1", port)
	assert.ErrorIs(t, err, ErrConnect)
}

func TestDialResolvedHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	withResolver(t, fakeResolver{addrs: []netip.Addr{netip.MustParseAddr("::ffff:127.0.0.1")}})

	conn, err := Dial(context.Background(), "tcp", "caster.local", ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, ln.Addr().String(), conn.RemoteAddr().String())
}

func TestAddrString(t *testing.T) {
	v4mapped := &net.TCPAddr{IP: net.ParseIP("::ffff:192.0.2.7"), Port: 2101}
	assert.Equal(t, "192.0.2.7:2101", AddrString(v4mapped))
	v6 := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 23}
	assert.Equal(t, "[2001:db8::1]:23", AddrString(v6))
	assert.Equal(t, "", AddrString(nil))

	a := Unmap(netip.MustParseAddrPort("[::ffff:10.0.0.1]:5000"))
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:5000"), a)
}

func TestWaitForNetwork(t *testing.T) {
	orig := interfaceAddrs
	defer func() { interfaceAddrs = orig }()

	up := make(chan struct{})
	interfaceAddrs = func() ([]net.Addr, error) {
		select {
		case <-up:
			return []net.Addr{&net.IPNet{IP: net.ParseIP("192.0.2.10"), Mask: net.CIDRMask(24, 32)}}, nil
		default:
			return []net.Addr{&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)}}, nil
		}
	}
	assert.False(t, NetworkUp())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, WaitForNetwork(ctx, 5*time.Millisecond), context.DeadlineExceeded)

	close(up)
	require.NoError(t, WaitForNetwork(context.Background(), 5*time.Millisecond))
}

func TestListenDualStack(t *testing.T) {
	ln, err := ListenTCP(context.Background(), 0)
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	c, err := net.Dial("tcp", HostPort("127.0.0.1", port))
	require.NoError(t, err)
	_ = c.Close()

	uc, err := ListenUDP(context.Background(), 0)
	require.NoError(t, err)
	_ = uc.Close()
}
