// Package caster is the built-in NTRIP caster. Clients requesting the
// configured mountpoint receive every chunk read from the serial link; any
// other request gets a one-entry sourcetable.
package caster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/adapter"
	"github.com/kstaniek/gnss-bridge/internal/bus"
	"github.com/kstaniek/gnss-bridge/internal/config"
	"github.com/kstaniek/gnss-bridge/internal/hub"
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/logging"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/netutil"
	"github.com/kstaniek/gnss-bridge/internal/stats"
)

const (
	defaultRequestTimeout = netutil.IOTimeout
	defaultRebindPause    = time.Second
)

// Source supplies the caster settings at the top of every listen cycle.
type Source interface {
	NTRIPCaster() config.NTRIPCaster
}

type Caster struct {
	bus    *bus.Bus
	src    Source
	hub    *hub.Hub
	stream *stats.Stream
	lights *indicator.Registry
	logger *slog.Logger

	requestTimeout time.Duration
	rebindPause    time.Duration
	maxClients     int

	mu   sync.RWMutex
	addr string
	wg   sync.WaitGroup
}

type Option func(*Caster)

func WithLogger(l *slog.Logger) Option {
	return func(c *Caster) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStats registers the caster's stream on reg.
func WithStats(reg *stats.Registry) Option {
	return func(c *Caster) { c.stream = reg.New(adapter.NTRIPCaster) }
}

func WithIndicators(r *indicator.Registry) Option { return func(c *Caster) { c.lights = r } }

// WithRequestTimeout bounds the wait for a client's request head.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Caster) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithRebindPause sets the pause before a failed listener is rebuilt.
func WithRebindPause(d time.Duration) Option {
	return func(c *Caster) {
		if d > 0 {
			c.rebindPause = d
		}
	}
}

// WithMaxClients caps concurrent stream clients (0 = unlimited).
func WithMaxClients(n int) Option {
	return func(c *Caster) {
		if n > 0 {
			c.maxClients = n
		}
	}
}

// WithQueueLen sets the per-client outbound queue length in chunks.
func WithQueueLen(n int) Option {
	return func(c *Caster) {
		if n > 0 {
			c.hub.OutBufSize = n
		}
	}
}

// WithPolicy selects what happens to a client whose queue is full.
func WithPolicy(p hub.BackpressurePolicy) Option {
	return func(c *Caster) { c.hub.Policy = p }
}

// New builds a caster broadcasting b's read stream.
func New(b *bus.Bus, src Source, opts ...Option) *Caster {
	c := &Caster{
		bus:            b,
		src:            src,
		hub:            hub.New(adapter.NTRIPCaster),
		logger:         logging.L(),
		requestTimeout: defaultRequestTimeout,
		rebindPause:    defaultRebindPause,
	}
	c.hub.Policy = hub.PolicyKick
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("adapter", adapter.NTRIPCaster)
	if c.stream == nil {
		c.stream = stats.NewRegistry(0).New(adapter.NTRIPCaster)
	}
	b.OnRead(func(e bus.Event) { c.hub.Broadcast(e.Data) })
	return c
}

// Addr is the bound listener address, empty while not listening.
func (c *Caster) Addr() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.addr }

func (c *Caster) setAddr(a string) { c.mu.Lock(); c.addr = a; c.mu.Unlock() }

// Clients is the number of connected stream clients.
func (c *Caster) Clients() int { return c.hub.Count() }

// Run serves listen cycles until ctx is done. A failed listener is torn
// down with all of its clients and rebuilt after a short pause.
func (c *Caster) Run(ctx context.Context) error {
	for {
		cfg := c.src.NTRIPCaster()
		if !cfg.Active {
			if err := adapter.Sleep(ctx, adapter.InactivePoll); err != nil {
				return nil
			}
			continue
		}
		err := c.serve(ctx, cfg)
		if ctx.Err() != nil {
			return nil
		}
		metrics.IncError(adapter.MetricLabel(err))
		c.logger.Warn("caster_listener_failed", "error", err, "pause", c.rebindPause)
		if err := adapter.Sleep(ctx, c.rebindPause); err != nil {
			return nil
		}
	}
}

func (c *Caster) serve(ctx context.Context, cfg config.NTRIPCaster) error {
	ln, err := netutil.ListenTCP(ctx, cfg.Port)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrListen, err)
	}
	light := c.lights.Add(adapter.NTRIPCaster, cfg.Color, indicator.Static, indicator.DefaultInterval, indicator.DefaultDuration)
	light.SetActive(true)
	// cctx ends with this listen cycle so pending request heads and clients
	// go away with the listener.
	cctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = ln.Close()
		c.setAddr("")
		for _, p := range c.hub.Snapshot() {
			p.Close()
		}
		c.wg.Wait()
		c.lights.Remove(light)
	}()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	c.setAddr(ln.Addr().String())
	c.logger.Info("caster_listen", "addr", ln.Addr().String(), "mountpoint", cfg.Mountpoint)
	c.bus.WriteNMEA("PESP,NTRIP,CST,BIND,%d", ln.Addr().(*net.TCPAddr).Port)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", adapter.ErrAccept, err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(cctx, conn, cfg, light)
		}()
	}
}
