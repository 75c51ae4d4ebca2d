// Package ntripserver uploads the serial stream to a remote caster with the
// SOURCE method. It only (re)connects while the receiver is producing data
// and keeps an idle connection open with blank-line keep-alives.
package ntripserver

import (
	"bufio"
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
	"github.com/kstaniek/gnss-bridge/internal/ntrip"
	"github.com/kstaniek/gnss-bridge/internal/retry"
	"github.com/kstaniek/gnss-bridge/internal/stats"
	"github.com/kstaniek/gnss-bridge/internal/transport"
)

const (
	// DefaultKeepAlive is both the idle window after which the server stops
	// reconnecting and the quiet period that triggers a keep-alive.
	DefaultKeepAlive = 10 * time.Second
	keepAliveSteps   = 10
	txQueueLen       = 64
	readBufSize      = 512
)

// ErrCasterClosed reports that the caster ended the connection.
var ErrCasterClosed = errors.New("caster closed connection")

// Source supplies the server settings at the top of every cycle.
type Source interface {
	NTRIPServer() config.NTRIPServer
}

type Server struct {
	bus       *bus.Bus
	src       Source
	loop      *adapter.Loop
	link      *linkstate.Link
	stream    *stats.Stream
	lights    *indicator.Registry
	logger    *slog.Logger
	agent     string
	threshold time.Duration

	// dataCh and wakeCh are single-slot notifications. dataCh fires when
	// the bus produces data while dataReady is false; wakeCh fires when the
	// current connection is lost.
	dataCh chan struct{}
	wakeCh chan struct{}

	mu          sync.Mutex
	dataReady   bool
	casterReady bool
	dataSent    bool
	idle        time.Duration
	lastWrite   time.Time
	tx          *transport.AsyncTx
	cause       error
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStats registers the server's stream on reg.
func WithStats(reg *stats.Registry) Option {
	return func(s *Server) { s.stream = reg.New(adapter.NTRIPServer) }
}

func WithIndicators(r *indicator.Registry) Option { return func(s *Server) { s.lights = r } }

func WithSchedule(sc retry.Schedule) Option {
	return func(s *Server) { s.loop.Delay = retry.New(sc) }
}

func WithNetworkWait(fn func(context.Context) error) Option {
	return func(s *Server) { s.loop.NetworkWait = fn }
}

// WithKeepAlive overrides DefaultKeepAlive.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.threshold = d
		}
	}
}

// New builds a server uploading b's read stream to src's caster.
func New(b *bus.Bus, src Source, opts ...Option) *Server {
	s := &Server{
		bus:       b,
		src:       src,
		logger:    logging.L(),
		agent:     ntrip.Agent(ntrip.ServerName),
		threshold: DefaultKeepAlive,
		dataCh:    make(chan struct{}, 1),
		wakeCh:    make(chan struct{}, 1),
	}
	s.loop = adapter.NewLoop(adapter.NTRIPServer, retry.Adapter, nil)
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("adapter", adapter.NTRIPServer)
	s.loop.Logger = s.logger
	s.link = linkstate.New(adapter.NTRIPServer, s.logger)
	if s.stream == nil {
		s.stream = stats.NewRegistry(0).New(adapter.NTRIPServer)
	}
	b.OnRead(s.handleUART)
	return s
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// DataReady reports whether the bus produced data within the idle window.
func (s *Server) DataReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataReady
}

// CasterReady reports whether a caster session is accepting data.
func (s *Server) CasterReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casterReady
}

func (s *Server) State() string { return s.link.State() }

func (s *Server) handleUART(e bus.Event) {
	s.mu.Lock()
	if !s.dataReady {
		s.dataReady = true
		if s.dataSent {
			s.logger.Info("ntrip_server_data_resumed")
		}
		notify(s.dataCh)
	}
	s.idle = 0
	tx := s.tx
	if !s.casterReady || tx == nil {
		s.mu.Unlock()
		return
	}
	s.dataSent = true
	s.mu.Unlock()

	if err := tx.Send(e.Data); err != nil && !errors.Is(err, transport.ErrAsyncTxClosed) {
		s.lost(err)
	}
}

// lost records why the connection ended and wakes the main loop. Only the
// first cause of a session is kept.
func (s *Server) lost(err error) {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = err
	}
	s.mu.Unlock()
	notify(s.wakeCh)
}

// runIdle advances the idle timer in threshold/10 steps and drops
// dataReady once the window passes without bus data.
func (s *Server) runIdle(ctx context.Context) {
	step := s.threshold / keepAliveSteps
	t := time.NewTicker(step)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.mu.Lock()
		before := s.idle
		s.idle += step
		if before < s.threshold && s.idle >= s.threshold && s.dataReady {
			s.dataReady = false
			s.logger.Warn("ntrip_server_data_idle", "window", s.threshold, "note", "will not reconnect to caster if disconnected")
		}
		s.mu.Unlock()
	}
}

// waitData parks until the bus has produced data.
func (s *Server) waitData(ctx context.Context) error {
	for {
		if s.DataReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.dataCh:
		}
	}
}

// Run loops connect cycles until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.runIdle(ctx)
	for {
		attempts, err := s.loop.Delay.Wait(ctx)
		if err != nil {
			return nil
		}
		cfg := s.src.NTRIPServer()
		if !cfg.Active {
			s.loop.Succeeded()
			if err := adapter.Sleep(ctx, adapter.InactivePoll); err != nil {
				return nil
			}
			continue
		}
		if !s.DataReady() {
			s.logger.Info("ntrip_server_waiting_for_data")
			s.bus.WriteNMEA("PESP,NTRIP,SRV,WAITING")
			if err := s.waitData(ctx); err != nil {
				return nil
			}
		}
		if s.loop.NetworkWait != nil {
			if err := s.loop.NetworkWait(ctx); err != nil {
				return nil
			}
		}
		if attempts > 1 {
			metrics.IncRetry(adapter.NTRIPServer)
		}
		err = s.session(ctx, s.src.NTRIPServer())
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.loop.Failed(err)
		}
	}
}

func (s *Server) session(ctx context.Context, cfg config.NTRIPServer) error {
	hostport := netutil.HostPort(cfg.Host, cfg.Port)
	logger := s.logger.With("caster", hostport, "mountpoint", cfg.Mountpoint)
	light := s.lights.Add(adapter.NTRIPServer, cfg.Color, indicator.Fade, indicator.DefaultInterval, indicator.DefaultDuration)
	defer s.lights.Remove(light)

	logger.Info("ntrip_server_connecting")
	s.bus.WriteNMEA("PESP,NTRIP,SRV,CONNECTING,%s,%s", hostport, cfg.Mountpoint)
	s.link.Dial()
	conn, err := netutil.Dial(ctx, "tcp", cfg.Host, cfg.Port)
	if err != nil {
		s.link.Fail(err)
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	s.link.Connected()

	br, err := s.request(conn, cfg)
	if err != nil {
		s.link.Fail(err)
		return err
	}

	s.link.Accepted()
	s.loop.Succeeded()
	metrics.IncConnect(adapter.NTRIPServer)
	light.SetActive(true)
	logger.Info("ntrip_server_connected")
	s.bus.WriteNMEA("PESP,NTRIP,SRV,CONNECTED,%s,%s", hostport, cfg.Mountpoint)

	sctx, cancel := context.WithCancel(ctx)
	tx := transport.NewAsyncTx(sctx, txQueueLen, transport.ConnSend(conn, netutil.IOTimeout), transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrNetWrite)
			s.lost(fmt.Errorf("%w: %v", adapter.ErrConnWrite, err))
		},
		OnAfter: func(n int) {
			s.stream.Increment(0, n)
			metrics.AddNetTx(adapter.NTRIPServer, n)
			s.mu.Lock()
			s.lastWrite = time.Now()
			s.mu.Unlock()
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrOverflow)
			return transport.ErrOverflow
		},
	})

	drain(s.wakeCh)
	s.mu.Lock()
	s.cause = nil
	s.lastWrite = time.Now()
	s.tx = tx
	s.casterReady = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.watch(conn, br)
	}()
	go func() {
		defer wg.Done()
		s.keepAlive(sctx, tx)
	}()

	select {
	case <-ctx.Done():
	case <-s.wakeCh:
	}

	s.mu.Lock()
	s.casterReady = false
	s.dataSent = false
	s.tx = nil
	cause := s.cause
	s.mu.Unlock()

	cancel()
	tx.Close()
	_ = conn.Close()
	wg.Wait()

	light.SetActive(false)
	metrics.IncDisconnect(adapter.NTRIPServer)
	s.link.Fail(cause)
	logger.Warn("ntrip_server_disconnected", "error", cause)
	s.bus.WriteNMEA("PESP,NTRIP,SRV,DISCONNECTED,%s,%s", hostport, cfg.Mountpoint)
	return cause
}

func (s *Server) request(conn net.Conn, cfg config.NTRIPServer) (*bufio.Reader, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(netutil.IOTimeout))
	req := ntrip.ServerRequest(cfg.Password, cfg.Mountpoint, s.agent)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("%w: request: %v", adapter.ErrConnWrite, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(netutil.IOTimeout))
	br := bufio.NewReaderSize(conn, readBufSize)
	status, err := ntrip.ReadStatusLine(br, ntrip.MaxResponse)
	if err != nil {
		if errors.Is(err, ntrip.ErrResponseTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status: %v", adapter.ErrConnRead, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if err := ntrip.Classify(status); err != nil {
		return nil, err
	}
	return br, nil
}

// watch drains anything the caster sends and reports when it goes away.
func (s *Server) watch(conn net.Conn, br *bufio.Reader) {
	_, err := io.Copy(io.Discard, br)
	if err == nil {
		err = ErrCasterClosed
	}
	s.lost(fmt.Errorf("%w: %v", adapter.ErrConnRead, err))
}

// keepAlive sends a blank line whenever nothing was written for the whole
// threshold window.
func (s *Server) keepAlive(ctx context.Context, tx *transport.AsyncTx) {
	t := time.NewTicker(s.threshold / keepAliveSteps)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.mu.Lock()
		quiet := time.Since(s.lastWrite) >= s.threshold
		if quiet {
			// the next tick must not resend while this one is queued
			s.lastWrite = time.Now()
		}
		s.mu.Unlock()
		if !quiet {
			continue
		}
		if err := tx.Send(ntrip.KeepAlive); err != nil {
			s.lost(err)
			return
		}
		s.logger.Debug("ntrip_server_keep_alive")
	}
}
