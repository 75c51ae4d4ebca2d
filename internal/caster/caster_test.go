package caster

import (
	"bufio"
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
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/ntrip"
	"github.com/kstaniek/gnss-bridge/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPort struct {
	mu  sync.Mutex
	out bytes.Buffer
}

func (p *memPort) Read(b []byte) (int, error) { return 0, io.EOF }

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

type staticSource struct{ cfg config.NTRIPCaster }

func (s staticSource) NTRIPCaster() config.NTRIPCaster { return s.cfg }

const ntripUA = "User-Agent: NTRIP TestClient/1.0\r\n"

func startCaster(t *testing.T, user, pass string) (*Caster, *bus.Bus, *memPort, *indicator.Registry) {
	t.Helper()
	mp := &memPort{}
	b := bus.New(mp)
	lights := indicator.NewRegistry()
	src := staticSource{cfg: config.NTRIPCaster{
		Active: true, Port: 0, Mountpoint: "BASE", Username: user, Password: pass, Color: 0x00ff0055,
	}}
	c := New(b, src, WithStats(stats.NewRegistry(time.Second)), WithIndicators(lights),
		WithRequestTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = c.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
	require.Eventually(t, func() bool { return c.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	return c, b, mp, lights
}

func dial(t *testing.T, c *Caster) net.Conn {
	t.Helper()
	_, port, err := net.SplitHostPort(c.Addr())
	require.NoError(t, err)
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	return conn
}

// exchange sends a request head and returns everything until the caster
// closes the connection.
func exchange(t *testing.T, c *Caster, head string) string {
	t.Helper()
	conn := dial(t, c)
	_, err := conn.Write([]byte(head))
	require.NoError(t, err)
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(got)
}

func subscribe(t *testing.T, c *Caster, auth string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn := dial(t, c)
	head := "GET /BASE HTTP/1.1\r\n" + ntripUA
	if auth != "" {
		head += "Authorization: " + auth + "\r\n"
	}
	_, err := conn.Write([]byte(head + "\r\n"))
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	banner := make([]byte, len(ntrip.ICYOK))
	_, err = io.ReadFull(br, banner)
	require.NoError(t, err)
	require.Equal(t, string(ntrip.ICYOK), string(banner))
	return conn, br
}

func TestSourcetableForWrongMount(t *testing.T) {
	c, _, _, _ := startCaster(t, "", "")
	got := exchange(t, c, "GET /wrongmount HTTP/1.1\r\n"+ntripUA+"\r\n")
	assert.True(t, strings.HasPrefix(got, "SOURCETABLE 200 OK\r\n"), got)
	assert.Contains(t, got, "STR;BASE;;;;;;;;0.00;0.00;0;0;;none;N;N;0;\r\nENDSOURCETABLE")
	assert.Equal(t, 0, c.Clients())

	// root request is a sourcetable request too
	got = exchange(t, c, "GET / HTTP/1.0\r\n"+ntripUA+"\r\n")
	assert.True(t, strings.HasPrefix(got, "SOURCETABLE 200 OK\r\n"))
}

func TestSourcetableForNonNTRIPAgent(t *testing.T) {
	c, _, _, _ := startCaster(t, "", "")
	got := exchange(t, c, "GET /BASE HTTP/1.1\r\nUser-Agent: curl/8.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.0 200 OK\r\n"), got)
	got = exchange(t, c, "GET /BASE HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.0 200 OK\r\n"), got)
	assert.Equal(t, 0, c.Clients())
}

func TestAuth(t *testing.T) {
	c, _, _, _ := startCaster(t, "user", "pass")
	got := exchange(t, c, "GET /BASE HTTP/1.1\r\n"+ntripUA+"Authorization: Basic d3Jvbmc6d3Jvbmc=\r\n\r\n")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.0 401 Unauthorized\r\n"), got)
	assert.Contains(t, got, "WWW-Authenticate: Basic realm=\"/BASE\"\r\n")

	got = exchange(t, c, "GET /base HTTP/1.1\r\n"+ntripUA+"\r\n")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.0 401 Unauthorized\r\n"))

	// base64 is case-sensitive; a case-flipped token names other credentials
	got = exchange(t, c, "GET /BASE HTTP/1.1\r\n"+ntripUA+"Authorization: Basic DXNLCJPWYXNZ\r\n\r\n")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.0 401 Unauthorized\r\n"), got)

	// mountpoint match is case-insensitive and the sourcetable advertises auth
	_, _ = subscribe(t, c, ntrip.BasicAuth("user", "pass"))
	require.Eventually(t, func() bool { return c.Clients() == 1 }, time.Second, 5*time.Millisecond)
	got = exchange(t, c, "GET /OTHER HTTP/1.1\r\n"+ntripUA+"\r\n")
	assert.Contains(t, got, ";none;B;N;0;")
}

func TestMethodNotAllowedAndMalformed(t *testing.T) {
	c, _, _, _ := startCaster(t, "", "")
	got := exchange(t, c, "SOURCE secret /BASE\r\nSource-Agent: NTRIP x/1.0\r\n\r\n")
	assert.Equal(t, string(ntrip.MethodNotAllowed), got)

	got = exchange(t, c, "GET /BASE HTTP/1.1\r\nthis is not a header\r\n\r\n")
	assert.Empty(t, got)
	assert.Equal(t, 0, c.Clients())
}

func TestSilentConnectionDoesNotBlockOthers(t *testing.T) {
	c, _, _, _ := startCaster(t, "", "")
	silent := dial(t, c)
	defer silent.Close()

	start := time.Now()
	_, _ = subscribe(t, c, "")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Eventually(t, func() bool { return c.Clients() == 1 }, time.Second, 5*time.Millisecond)

	// the silent head times out and is closed without an answer
	got, err := io.ReadAll(silent)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBroadcastFanOutAndEviction(t *testing.T) {
	c, b, mp, lights := startCaster(t, "", "")
	type client struct {
		conn net.Conn
		br   *bufio.Reader
	}
	var clients []client
	for i := 0; i < 3; i++ {
		conn, br := subscribe(t, c, "")
		clients = append(clients, client{conn, br})
	}
	require.Eventually(t, func() bool { return c.Clients() == 3 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, mp.String(), "$PESP,NTRIP,CST,CLIENT,CONNECTED,127.0.0.1:")
	require.Len(t, lights.Snapshot(), 1)
	assert.Equal(t, "fade", lights.Snapshot()[0].Mode)

	payload := []byte{0xd3, 0x00, 0x03, 1, 2, 3}
	b.Inject(payload)
	for _, cl := range clients {
		got := make([]byte, len(payload))
		_, err := io.ReadFull(cl.br, got)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}

	_ = clients[0].conn.Close()
	require.Eventually(t, func() bool { return c.Clients() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, mp.String(), "$PESP,NTRIP,CST,CLIENT,DISCONNECTED,")

	b.Inject([]byte("next"))
	for _, cl := range clients[1:] {
		got := make([]byte, 4)
		_, err := io.ReadFull(cl.br, got)
		require.NoError(t, err)
		assert.Equal(t, "next", string(got))
	}

	for _, cl := range clients[1:] {
		_ = cl.conn.Close()
	}
	require.Eventually(t, func() bool { return c.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return lights.Snapshot()[0].Mode == "static" }, time.Second, 5*time.Millisecond)
}

func TestBindAnnounced(t *testing.T) {
	_, _, mp, _ := startCaster(t, "", "")
	assert.Contains(t, mp.String(), "$PESP,NTRIP,CST,BIND,")
}
