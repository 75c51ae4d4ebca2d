package ntripclient

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/bus"
	"github.com/kstaniek/gnss-bridge/internal/config"
	"github.com/kstaniek/gnss-bridge/internal/linkstate"
	"github.com/kstaniek/gnss-bridge/internal/ntrip"
	"github.com/kstaniek/gnss-bridge/internal/retry"
	"github.com/kstaniek/gnss-bridge/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gga = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"

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

type staticSource struct{ cfg config.NTRIPClient }

func (s staticSource) NTRIPClient() config.NTRIPClient { return s.cfg }

func fastOpts(reg *stats.Registry) []Option {
	return []Option{
		WithStats(reg),
		WithSchedule(retry.Schedule{FirstInstant: true, ShortCount: 1000, ShortDelay: 10 * time.Millisecond}),
		WithNetworkWait(func(context.Context) error { return nil }),
		WithReportInterval(20*time.Millisecond, 20*time.Millisecond),
	}
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestClientStreamsCorrectionsAndReportsPosition(t *testing.T) {
	ln, port := listen(t)
	reqs := make(chan *ntrip.Request, 1)
	ggaSeen := make(chan string, 1)
	release := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := ntrip.ParseRequest(br, ntrip.MaxRequest)
		if err != nil {
			return
		}
		reqs <- req
		_, _ = conn.Write([]byte("ICY 200 OK\r\n\r\n"))
		_, _ = conn.Write([]byte{0xd3, 0x00, 0x04, 'r', 't', 'c', 'm'})
		line, err := br.ReadString('\n')
		if err == nil {
			ggaSeen <- line
		}
		<-release
	}()

	mp := &memPort{}
	b := bus.New(mp)
	reg := stats.NewRegistry(time.Second)
	src := staticSource{cfg: config.NTRIPClient{
		Active: true, Host: "127.0.0.1", Port: port, Mountpoint: "MOUNT",
		Username: "user", Password: "pass",
	}}
	c := New(b, src, fastOpts(reg)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = c.Run(ctx); close(done) }()
	defer func() { cancel(); close(release); <-done }()

	select {
	case req := <-reqs:
		assert.Equal(t, "/MOUNT", req.Path)
		assert.True(t, req.Authorized("user", "pass"))
		assert.True(t, req.NTRIPAgent())
	case <-time.After(2 * time.Second):
		t.Fatal("caster never saw a request")
	}

	require.Eventually(t, c.Ready, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, linkstate.Streaming, c.State())
	require.Eventually(t, func() bool { return strings.Contains(mp.String(), "rtcm") }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, mp.String(), "$PESP,NTRIP,CLI,CONNECTING,127.0.0.1:")
	assert.Contains(t, mp.String(), "$PESP,NTRIP,CLI,CONNECTED,127.0.0.1:")

	b.Inject([]byte(gga))
	select {
	case line := <-ggaSeen:
		assert.Equal(t, gga, line)
	case <-time.After(2 * time.Second):
		t.Fatal("no GGA report reached the caster")
	}

	s, ok := reg.Get("ntrip_client")
	require.True(t, ok)
	v := s.Values()
	assert.EqualValues(t, 7, v.TotalIn)
	assert.Greater(t, v.TotalOut, uint64(len(gga)))
}

func TestClientSourcetableRetries(t *testing.T) {
	ln, port := listen(t)
	var mu sync.Mutex
	attempts := 0
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			attempts++
			mu.Unlock()
			_, _ = ntrip.ParseRequest(bufio.NewReader(conn), ntrip.MaxRequest)
			_, _ = conn.Write(ntrip.Sourcetable("OTHER", false, true))
			_ = conn.Close()
		}
	}()

	mp := &memPort{}
	b := bus.New(mp)
	src := staticSource{cfg: config.NTRIPClient{Active: true, Host: "127.0.0.1", Port: port, Mountpoint: "MOUNT"}}
	c := New(b, src, fastOpts(stats.NewRegistry(time.Second))...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = c.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.False(t, c.Ready())
	assert.NotContains(t, mp.String(), "CLI,CONNECTED")
	assert.Equal(t, linkstate.Idle, c.State())
}

func TestClientInactiveDoesNotDial(t *testing.T) {
	mp := &memPort{}
	b := bus.New(mp)
	c := New(b, staticSource{}, fastOpts(stats.NewRegistry(time.Second))...)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	assert.Empty(t, mp.String())
}

func TestGGAIgnoredWhileNotReady(t *testing.T) {
	b := bus.New(&memPort{})
	c := New(b, staticSource{}, fastOpts(stats.NewRegistry(time.Second))...)
	b.Inject([]byte(gga))
	assert.Nil(t, c.gga.Latest())
	c.ready.Store(true)
	b.Inject([]byte(gga))
	assert.Equal(t, gga, string(c.gga.Latest()))
}
