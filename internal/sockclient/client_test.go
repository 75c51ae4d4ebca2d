package sockclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/bus"
	"github.com/kstaniek/gnss-bridge/internal/config"
	"github.com/kstaniek/gnss-bridge/internal/linkstate"
	"github.com/kstaniek/gnss-bridge/internal/retry"
	"github.com/kstaniek/gnss-bridge/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPort struct {
	mu  sync.Mutex
	out bytes.Buffer
}

func (p *memPort) Read(b []byte) (int, error) { select {} }

func (p *memPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *memPort) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

type staticSource struct{ cfg config.SocketClient }

func (s staticSource) SocketClient() config.SocketClient { return s.cfg }

func fastOpts(reg *stats.Registry) []Option {
	return []Option{
		WithStats(reg),
		WithSchedule(retry.Schedule{FirstInstant: true, ShortCount: 1000, ShortDelay: 10 * time.Millisecond}),
		WithNetworkWait(func(context.Context) error { return nil }),
	}
}

func run(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = c.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
}

func TestTCPBridgesBothWays(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	peer := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			peer <- conn
		}
	}()

	mp := &memPort{}
	b := bus.New(mp)
	reg := stats.NewRegistry(time.Second)
	c := New(b, staticSource{cfg: config.SocketClient{
		Active: true, Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, TCP: true, ConnectMessage: "hi\n",
	}}, fastOpts(reg)...)
	run(t, c)

	var conn net.Conn
	select {
	case conn = <-peer:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hello := make([]byte, 3)
	_, err = io.ReadFull(conn, hello)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(hello))

	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, linkstate.Streaming, c.State())
	assert.Contains(t, mp.String(), "$PESP,SOCK,CLI,TCP,CONNECTING,127.0.0.1:")
	assert.Contains(t, mp.String(), "$PESP,SOCK,CLI,TCP,CONNECTED,127.0.0.1:")

	_, err = conn.Write([]byte("from-peer"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(mp.String(), "from-peer") }, 2*time.Second, 5*time.Millisecond)

	b.Inject([]byte("from-link"))
	got := make([]byte, len("from-link"))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "from-link", string(got))

	st, ok := reg.Get("socket_client")
	require.True(t, ok)
	assert.Equal(t, uint64(len("from-peer")), st.Values().TotalIn)
	require.Eventually(t, func() bool {
		return st.Values().TotalOut == uint64(len("hi\n")+len("from-link"))
	}, time.Second, 5*time.Millisecond)
}

func TestTCPReconnectsAfterPeerCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	mp := &memPort{}
	c := New(bus.New(mp), staticSource{cfg: config.SocketClient{
		Active: true, Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, TCP: true,
	}}, fastOpts(stats.NewRegistry(time.Second))...)
	run(t, c)

	first := <-accepted
	_ = first.Close()
	select {
	case second := <-accepted:
		defer second.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	require.Eventually(t, func() bool {
		return strings.Contains(mp.String(), "$PESP,SOCK,CLI,TCP,DISCONNECTED,127.0.0.1:")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUDPSendsConnectMessageAndForwards(t *testing.T) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer pc.Close()

	mp := &memPort{}
	b := bus.New(mp)
	c := New(b, staticSource{cfg: config.SocketClient{
		Active: true, Host: "127.0.0.1", Port: pc.LocalAddr().(*net.UDPAddr).Port, ConnectMessage: "\n",
	}}, fastOpts(stats.NewRegistry(time.Second))...)
	run(t, c)

	buf := make([]byte, 64)
	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := pc.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "\n", string(buf[:n]))
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, mp.String(), "$PESP,SOCK,CLI,UDP,CONNECTED,127.0.0.1:")

	_, err = pc.WriteToUDP([]byte("rtcm"), from)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(mp.String(), "rtcm") }, 2*time.Second, 5*time.Millisecond)

	b.Inject([]byte("nmea"))
	n, _, err = pc.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "nmea", string(buf[:n]))
}

func TestInactiveNeverDials(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	dialed := make(chan struct{}, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			conn.Close()
			dialed <- struct{}{}
		}
	}()
	c := New(bus.New(&memPort{}), staticSource{cfg: config.SocketClient{
		Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, TCP: true,
	}}, fastOpts(stats.NewRegistry(time.Second))...)
	run(t, c)
	select {
	case <-dialed:
		t.Fatal("inactive client dialed")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, c.Connected())
}

func TestLinkBytesDroppedWhileDisconnected(t *testing.T) {
	b := bus.New(&memPort{})
	c := New(b, staticSource{}, fastOpts(stats.NewRegistry(time.Second))...)
	b.Inject([]byte("ignored"))
	assert.False(t, c.Connected())
	assert.Equal(t, linkstate.Idle, c.State())
}
