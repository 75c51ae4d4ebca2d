// Package ntripclient pulls a correction stream from a remote caster onto the
// serial link and reports the receiver position back every 15 seconds.
package ntripclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/adapter"
	"github.com/kstaniek/gnss-bridge/internal/bus"
	"github.com/kstaniek/gnss-bridge/internal/config"
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/linkstate"
	"github.com/kstaniek/gnss-bridge/internal/logging"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/netutil"
	"github.com/kstaniek/gnss-bridge/internal/nmea"
	"github.com/kstaniek/gnss-bridge/internal/ntrip"
	"github.com/kstaniek/gnss-bridge/internal/retry"
	"github.com/kstaniek/gnss-bridge/internal/stats"
)

const (
	readBufSize          = 4096
	defaultReportFirst   = time.Second
	defaultReportEvery   = 15 * time.Second
	defaultStreamTimeout = netutil.IOTimeout
)

// Source supplies the client settings at the top of every cycle.
type Source interface {
	NTRIPClient() config.NTRIPClient
}

type Client struct {
	bus     *bus.Bus
	src     Source
	loop    *adapter.Loop
	link    *linkstate.Link
	stream  *stats.Stream
	lights  *indicator.Registry
	logger  *slog.Logger
	gga     nmea.GGAHolder
	ready   atomic.Bool
	agent   string
	first   time.Duration
	every   time.Duration
	timeout time.Duration
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
	return func(c *Client) { c.stream = reg.New(adapter.NTRIPClient) }
}

func WithIndicators(r *indicator.Registry) Option { return func(c *Client) { c.lights = r } }

func WithSchedule(s retry.Schedule) Option {
	return func(c *Client) { c.loop.Delay = retry.New(s) }
}

func WithNetworkWait(fn func(context.Context) error) Option {
	return func(c *Client) { c.loop.NetworkWait = fn }
}

// WithReportInterval sets the delay before the first position report and
// the period after it.
func WithReportInterval(first, every time.Duration) Option {
	return func(c *Client) {
		if first > 0 {
			c.first = first
		}
		if every > 0 {
			c.every = every
		}
	}
}

// WithStreamTimeout bounds the wait for caster data before reconnecting.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New builds a client bridging src's caster onto b.
func New(b *bus.Bus, src Source, opts ...Option) *Client {
	c := &Client{
		bus:     b,
		src:     src,
		logger:  logging.L(),
		agent:   ntrip.Agent(ntrip.ClientName),
		first:   defaultReportFirst,
		every:   defaultReportEvery,
		timeout: defaultStreamTimeout,
	}
	c.loop = adapter.NewLoop(adapter.NTRIPClient, retry.Adapter, nil)
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("adapter", adapter.NTRIPClient)
	c.loop.Logger = c.logger
	c.link = linkstate.New(adapter.NTRIPClient, c.logger)
	if c.stream == nil {
		c.stream = stats.NewRegistry(0).New(adapter.NTRIPClient)
	}
	b.OnRead(c.handleUART)
	return c
}

// Ready reports whether the caster accepted the current session.
func (c *Client) Ready() bool { return c.ready.Load() }

// State is the current link state name.
func (c *Client) State() string { return c.link.State() }

// handleUART keeps the latest GGA sentence while a session is up.
func (c *Client) handleUART(e bus.Event) {
	if !c.ready.Load() {
		return
	}
	c.gga.Feed(e.Data)
}

// Run loops connect cycles until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.loop.Gate(ctx); err != nil {
			return nil
		}
		cfg := c.src.NTRIPClient()
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

func (c *Client) session(ctx context.Context, cfg config.NTRIPClient) error {
	hostport := netutil.HostPort(cfg.Host, cfg.Port)
	logger := c.logger.With("caster", hostport, "mountpoint", cfg.Mountpoint)
	light := c.lights.Add(adapter.NTRIPClient, cfg.Color, indicator.Fade, indicator.DefaultInterval, indicator.DefaultDuration)
	defer c.lights.Remove(light)

	c.bus.WriteNMEA("PESP,NTRIP,CLI,CONNECTING,%s,%s", hostport, cfg.Mountpoint)
	logger.Info("ntrip_client_connecting")
	c.link.Dial()
	conn, err := netutil.Dial(ctx, "tcp", cfg.Host, cfg.Port)
	if err != nil {
		c.link.Fail(err)
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	c.link.Connected()

	br, err := c.request(conn, cfg)
	if err != nil {
		c.link.Fail(err)
		if errors.Is(err, ntrip.ErrSourcetable) {
			logger.Warn("ntrip_client_mountpoint_not_found")
		}
		return err
	}

	c.link.Accepted()
	c.loop.Succeeded()
	metrics.IncConnect(adapter.NTRIPClient)
	light.SetActive(true)
	c.bus.WriteNMEA("PESP,NTRIP,CLI,CONNECTED,%s,%s", hostport, cfg.Mountpoint)
	logger.Info("ntrip_client_connected")

	c.ready.Store(true)
	rctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.reportPosition(rctx, conn, logger)
	}()

	err = c.stream2bus(conn, br)

	c.ready.Store(false)
	cancel()
	wg.Wait()
	light.SetActive(false)
	metrics.IncDisconnect(adapter.NTRIPClient)
	c.link.Fail(err)
	c.bus.WriteNMEA("PESP,NTRIP,CLI,DISCONNECTED,%s,%s", hostport, cfg.Mountpoint)
	logger.Warn("ntrip_client_disconnected", "error", err)
	return err
}

// request sends the GET and validates the caster's status line.
func (c *Client) request(conn net.Conn, cfg config.NTRIPClient) (*bufio.Reader, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(netutil.IOTimeout))
	req := ntrip.ClientRequest(cfg.Mountpoint, cfg.Username, cfg.Password, c.agent)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("%w: request: %v", adapter.ErrConnWrite, err)
	}
	c.stream.Increment(0, len(req))
	_ = conn.SetReadDeadline(time.Now().Add(netutil.IOTimeout))
	br := bufio.NewReaderSize(conn, readBufSize)
	status, err := ntrip.ReadStatusLine(br, ntrip.MaxResponse)
	if err != nil {
		if errors.Is(err, ntrip.ErrResponseTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status: %v", adapter.ErrConnRead, err)
	}
	if err := ntrip.Classify(status); err != nil {
		return nil, err
	}
	return br, nil
}

// stream2bus copies caster data onto the serial link until a read fails.
func (c *Client) stream2bus(conn net.Conn, br *bufio.Reader) error {
	buf := make([]byte, readBufSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
		n, err := br.Read(buf)
		if n > 0 {
			c.stream.Increment(n, 0)
			metrics.AddNetRx(adapter.NTRIPClient, n)
			if _, werr := c.bus.Write(buf[:n]); werr != nil {
				c.logger.Warn("uart_write_failed", "error", werr)
			}
		}
		if err != nil {
			return fmt.Errorf("%w: %v", adapter.ErrConnRead, err)
		}
	}
}

// reportPosition sends the held GGA sentence after c.first and then every
// c.every. A failed write closes conn, which ends the read loop.
func (c *Client) reportPosition(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	t := time.NewTimer(c.first)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		t.Reset(c.every)
		gga := c.gga.Latest()
		if gga == nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(netutil.IOTimeout))
		n, err := conn.Write(gga)
		if err != nil {
			metrics.IncError(metrics.ErrNetWrite)
			logger.Warn("ntrip_client_gga_send_failed", "error", err)
			_ = conn.Close()
			return
		}
		c.stream.Increment(0, n)
		metrics.AddNetTx(adapter.NTRIPClient, n)
		logger.Debug("ntrip_client_gga_sent", "bytes", n)
	}
}
