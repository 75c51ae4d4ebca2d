// Package sockserver exposes the serial link as a raw TCP and UDP service.
// Every chunk read from the link goes to every peer and every byte a peer
// sends goes to the link.
package sockserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
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

// Source supplies the server settings at the top of every bind cycle.
type Source interface {
	SocketServer() config.SocketServer
}

// Server owns the TCP listener and the UDP socket and coordinates peer
// lifecycle.
type Server struct {
	mu      sync.RWMutex
	tcpAddr string
	udpAddr string
	bus     *bus.Bus
	src     Source
	Hub     *hub.Hub
	stream  *stats.Stream
	lights  *indicator.Registry

	readDeadline time.Duration
	rebindPause  time.Duration
	maxClients   int
	readyOnce    sync.Once
	readyCh      chan struct{}
	lastErrMu    sync.Mutex
	lastErr      error
	udpMu        sync.Mutex
	udpPeers     map[netip.AddrPort]*hub.Peer
	wg           sync.WaitGroup
	logger       *slog.Logger

	nextConnID        atomic.Uint64
	totalAccepted     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
	totalRebinds      atomic.Uint64
}

const (
	defaultReadDeadline = 60 * time.Second
	defaultRebindPause  = time.Second
	readBufSize         = 4096
)

type ServerOption func(*Server)

// New builds a server bridging b to its peers.
func New(b *bus.Bus, src Source, opts ...ServerOption) *Server {
	s := &Server{
		bus:          b,
		src:          src,
		Hub:          hub.New(adapter.SocketServer),
		readDeadline: defaultReadDeadline,
		rebindPause:  defaultRebindPause,
		readyCh:      make(chan struct{}),
		udpPeers:     make(map[netip.AddrPort]*hub.Peer),
		logger:       logging.L(),
	}
	s.Hub.Policy = hub.PolicyKick
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("adapter", adapter.SocketServer)
	if s.stream == nil {
		s.stream = stats.NewRegistry(0).New(adapter.SocketServer)
	}
	b.OnRead(func(e bus.Event) { s.Hub.Broadcast(e.Data) })
	return s
}

// WithStats registers the server's stream on reg.
func WithStats(reg *stats.Registry) ServerOption {
	return func(s *Server) { s.stream = reg.New(adapter.SocketServer) }
}

func WithIndicators(r *indicator.Registry) ServerOption { return func(s *Server) { s.lights = r } }

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithRebindPause(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.rebindPause = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

// WithQueueLen sets the per-peer outbound queue length in chunks.
func WithQueueLen(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.Hub.OutBufSize = n
		}
	}
}

func WithPolicy(p hub.BackpressurePolicy) ServerOption {
	return func(s *Server) { s.Hub.Policy = p }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) TCPAddr() string        { s.mu.RLock(); defer s.mu.RUnlock(); return s.tcpAddr }
func (s *Server) UDPAddr() string        { s.mu.RLock(); defer s.mu.RUnlock(); return s.udpAddr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

func (s *Server) setAddrs(tcp, udp string) {
	s.mu.Lock()
	s.tcpAddr, s.udpAddr = tcp, udp
	s.mu.Unlock()
}

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// UDPPeers is the number of tracked UDP peers.
func (s *Server) UDPPeers() int { s.udpMu.Lock(); defer s.udpMu.Unlock(); return len(s.udpPeers) }

// Run binds and serves until ctx is done. Any socket failure tears down all
// peers and both sockets, then binds again after a fixed pause.
func (s *Server) Run(ctx context.Context) error {
	for {
		cfg := s.src.SocketServer()
		if !cfg.Active {
			if err := adapter.Sleep(ctx, adapter.InactivePoll); err != nil {
				return nil
			}
			continue
		}
		err := s.serve(ctx, cfg)
		if ctx.Err() != nil {
			s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "connected", s.totalConnected.Load(),
				"disconnected", s.totalDisconnected.Load(), "rebinds", s.totalRebinds.Load())
			return nil
		}
		s.totalRebinds.Add(1)
		metrics.IncError(mapErrToMetric(err))
		s.setError(err)
		s.logger.Warn("socket_server_restart", "error", err, "pause", s.rebindPause)
		if err := adapter.Sleep(ctx, s.rebindPause); err != nil {
			return nil
		}
	}
}

func (s *Server) serve(ctx context.Context, cfg config.SocketServer) error {
	ln, err := netutil.ListenTCP(ctx, cfg.TCPPort)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListen, err)
	}
	uc, err := netutil.ListenUDP(ctx, cfg.UDPPort)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	tcpPort := ln.Addr().(*net.TCPAddr).Port
	udpPort := uc.LocalAddr().(*net.UDPAddr).Port
	s.setAddrs(ln.Addr().String(), uc.LocalAddr().String())
	s.logger.Info("socket_server_listen", "tcp", tcpPort, "udp", udpPort)
	s.bus.WriteNMEA("PESP,SOCK,SRV,TCP,BIND,%d", tcpPort)
	s.bus.WriteNMEA("PESP,SOCK,SRV,UDP,BIND,%d", udpPort)
	s.readyOnce.Do(func() { close(s.readyCh) })

	light := s.lights.Add(adapter.SocketServer, cfg.Color, indicator.Static, indicator.DefaultInterval, indicator.DefaultDuration)
	light.SetActive(true)

	cctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 2)
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		if err := s.acceptLoop(cctx, ln, light); err != nil {
			errc <- err
		}
	}()
	go func() {
		defer loops.Done()
		if err := s.udpLoop(cctx, uc, light); err != nil {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	cancel()
	_ = ln.Close()
	_ = uc.Close()
	loops.Wait()
	for _, p := range s.Hub.Snapshot() {
		p.Close()
	}
	s.wg.Wait()
	s.setAddrs("", "")
	s.lights.Remove(light)
	return err
}

// acceptLoop accepts TCP peers until the listener fails.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, light *indicator.Light) error {
	for {
		if err := s.acceptOnce(ctx, ln, light); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, registers it and spawns its IO
// goroutines. It returns a wrapped error on listener failure.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener, light *indicator.Light) error {
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAccept, err)
	}
	s.totalAccepted.Add(1)
	remote := netutil.AddrString(conn.RemoteAddr())
	connLogger := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", remote, "kind", "tcp")
	if s.full() {
		metrics.IncHubReject()
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	p := s.attach(remote, "TCP", light, connLogger)
	s.startWriter(ctx, p, tcpSend(conn), func() { _ = conn.Close() }, light, connLogger)
	s.startReader(ctx, conn, p, connLogger)
	return nil
}

func (s *Server) full() bool {
	return s.maxClients > 0 && s.Hub.Count() >= s.maxClients
}

// attach registers a new peer with the hub.
func (s *Server) attach(remote, kind string, light *indicator.Light, logger *slog.Logger) *hub.Peer {
	p := s.Hub.NewPeer(remote, kind)
	s.Hub.Add(p)
	s.totalConnected.Add(1)
	light.SetMode(indicator.Fade)
	metrics.IncConnect(adapter.SocketServer)
	logger.Info("client_connected", "peers", s.Hub.Count())
	s.bus.WriteNMEA("PESP,SOCK,SRV,%s,CONNECTED,%s", kind, remote)
	return p
}

// detach removes p exactly once and announces it.
func (s *Server) detach(p *hub.Peer, light *indicator.Light, logger *slog.Logger) {
	if !s.Hub.Remove(p) {
		return
	}
	s.totalDisconnected.Add(1)
	if s.Hub.Count() == 0 {
		light.SetMode(indicator.Static)
	}
	metrics.IncDisconnect(adapter.SocketServer)
	logger.Info("client_disconnected", "peers", s.Hub.Count())
	s.bus.WriteNMEA("PESP,SOCK,SRV,%s,DISCONNECTED,%s", p.Kind, p.Addr)
}

// toBus forwards peer bytes to the serial link.
func (s *Server) toBus(p []byte, logger *slog.Logger) {
	s.stream.Increment(len(p), 0)
	metrics.AddNetRx(adapter.SocketServer, len(p))
	if _, err := s.bus.Write(p); err != nil {
		logger.Warn("uart_write_failed", "error", err)
	}
}
