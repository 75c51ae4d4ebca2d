// Package sockclient bridges the serial link to one fixed TCP or UDP peer.
package sockclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/adapter"
	"github.com/kstaniek/gnss-bridge/internal/bus"
	"github.com/kstaniek/gnss-bridge/internal/config"
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/linkstate"
	"github.com/kstaniek/gnss-bridge/internal/logging"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/netutil"
	"github.com/kstaniek/gnss-bridge/internal/retry"
	"github.com/kstaniek/gnss-bridge/internal/stats"
	"github.com/kstaniek/gnss-bridge/internal/transport"
)

const (
	readBufSize     = 1024
	defaultQueueLen = 64
)

// Source supplies the client settings at the top of every cycle.
type Source interface {
	SocketClient() config.SocketClient
}

type Client struct {
	bus      *bus.Bus
	src      Source
	loop     *adapter.Loop
	link     *linkstate.Link
	stream   *stats.Stream
	lights   *indicator.Registry
	logger   *slog.Logger
	queueLen int

	mu sync.Mutex
	tx *transport.AsyncTx
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStats registers the client's stream on reg.
func WithStats(reg *stats.Registry) Option {
	return func(c *Client) { c.stream = reg.New(adapter.SocketClient) }
}

func WithIndicators(r *indicator.Registry) Option { return func(c *Client) { c.lights = r } }

func WithSchedule(s retry.Schedule) Option {
	return func(c *Client) { c.loop.Delay = retry.New(s) }
}

func WithNetworkWait(fn func(context.Context) error) Option {
	return func(c *Client) { c.loop.NetworkWait = fn }
}

// WithQueueLen sets the outbound queue length in chunks.
func WithQueueLen(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueLen = n
		}
	}
}

// New builds a client forwarding b to the peer named by src.
func New(b *bus.Bus, src Source, opts ...Option) *Client {
	c := &Client{
		bus:      b,
		src:      src,
		logger:   logging.L(),
		queueLen: defaultQueueLen,
	}
	c.loop = adapter.NewLoop(adapter.SocketClient, retry.Adapter, nil)
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("adapter", adapter.SocketClient)
	c.loop.Logger = c.logger
	c.link = linkstate.New(adapter.SocketClient, c.logger)
	if c.stream == nil {
		c.stream = stats.NewRegistry(0).New(adapter.SocketClient)
	}
	b.OnRead(c.handleUART)
	return c
}

// Connected reports whether a session is forwarding data.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// State is the current link state name.
func (c *Client) State() string { return c.link.State() }

// handleUART queues link bytes for the peer while connected.
func (c *Client) handleUART(e bus.Event) {
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()
	if tx == nil {
		return
	}
	if err := tx.Send(e.Data); err != nil && !errors.Is(err, transport.ErrAsyncTxClosed) {
		c.logger.Debug("socket_client_send_dropped", "error", err)
	}
}

// Run loops connect cycles until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.loop.Gate(ctx); err != nil {
			return nil
		}
		cfg := c.src.SocketClient()
		if !cfg.Active {
			c.loop.Succeeded()
			if err := adapter.Sleep(ctx, adapter.InactivePoll); err != nil {
				return nil
			}
			continue
		}
		err := c.session(ctx, cfg)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.loop.Failed(err)
		}
	}
}

func network(cfg config.SocketClient) (string, string) {
	if cfg.TCP {
		return "tcp", "TCP"
	}
	return "udp", "UDP"
}

func (c *Client) session(ctx context.Context, cfg config.SocketClient) error {
	netw, kind := network(cfg)
	hostport := netutil.HostPort(cfg.Host, cfg.Port)
	logger := c.logger.With("peer", hostport, "kind", netw)
	light := c.lights.Add(adapter.SocketClient, cfg.Color, indicator.Fade, indicator.DefaultInterval, indicator.DefaultDuration)
	defer c.lights.Remove(light)

	c.bus.WriteNMEA("PESP,SOCK,CLI,%s,CONNECTING,%s", kind, hostport)
	logger.Info("socket_client_connecting")
	c.link.Dial()
	conn, err := netutil.Dial(ctx, netw, cfg.Host, cfg.Port)
	if err != nil {
		c.link.Fail(err)
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	c.link.Connected()

	if cfg.ConnectMessage != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(netutil.IOTimeout))
		n, err := io.WriteString(conn, cfg.ConnectMessage)
		if err != nil {
			err = fmt.Errorf("%w: connect message: %v", adapter.ErrConnWrite, err)
			c.link.Fail(err)
			return err
		}
		c.stream.Increment(0, n)
		metrics.AddNetTx(adapter.SocketClient, n)
	}

	c.link.Accepted()
	c.loop.Succeeded()
	metrics.IncConnect(adapter.SocketClient)
	light.SetActive(true)
	c.bus.WriteNMEA("PESP,SOCK,CLI,%s,CONNECTED,%s", kind, hostport)
	logger.Info("socket_client_connected")

	tx := transport.NewAsyncTx(ctx, c.queueLen, transport.ConnSend(conn, netutil.IOTimeout), transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrNetWrite)
			logger.Warn("socket_client_write_failed", "error", err)
			_ = conn.Close()
		},
		OnAfter: func(n int) {
			c.stream.Increment(0, n)
			metrics.AddNetTx(adapter.SocketClient, n)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrOverflow)
			return transport.ErrOverflow
		},
	})
	c.mu.Lock()
	c.tx = tx
	c.mu.Unlock()

	err = c.conn2bus(conn)

	c.mu.Lock()
	c.tx = nil
	c.mu.Unlock()
	tx.Close()
	light.SetActive(false)
	metrics.IncDisconnect(adapter.SocketClient)
	c.link.Fail(err)
	c.bus.WriteNMEA("PESP,SOCK,CLI,%s,DISCONNECTED,%s", kind, hostport)
	logger.Warn("socket_client_disconnected", "error", err)
	return err
}

// conn2bus copies peer data onto the serial link until a read fails. A raw
// peer may stay silent indefinitely, so reads carry no deadline.
func (c *Client) conn2bus(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Time{})
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.stream.Increment(n, 0)
			metrics.AddNetRx(adapter.SocketClient, n)
			if _, werr := c.bus.Write(buf[:n]); werr != nil {
				c.logger.Warn("uart_write_failed", "error", werr)
			}
		}
		if err != nil {
			return fmt.Errorf("%w: %v", adapter.ErrConnRead, err)
		}
	}
}
