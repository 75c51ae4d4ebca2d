package caster

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/adapter"
	"github.com/kstaniek/gnss-bridge/internal/config"
	"github.com/kstaniek/gnss-bridge/internal/hub"
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/netutil"
	"github.com/kstaniek/gnss-bridge/internal/ntrip"
	"github.com/kstaniek/gnss-bridge/internal/transport"
)

// handle answers one request head on its own goroutine. Only an accepted
// stream client keeps the connection; every other outcome closes it.
func (c *Caster) handle(ctx context.Context, conn net.Conn, cfg config.NTRIPCaster, light *indicator.Light) {
	remote := netutil.AddrString(conn.RemoteAddr())
	logger := c.logger.With("remote", remote)

	_ = conn.SetReadDeadline(time.Now().Add(c.requestTimeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	req, err := ntrip.ParseRequest(bufio.NewReader(conn), ntrip.MaxRequest)
	if !stop() {
		return
	}
	switch {
	case errors.Is(err, ntrip.ErrMethodNotAllowed):
		metrics.IncCasterRequest(metrics.OutcomeNotAllowed)
		logger.Info("caster_method_not_allowed", "method", req.Method)
		c.reject(conn, ntrip.MethodNotAllowed, logger)
		return
	case err != nil:
		// malformed heads get no answer at all
		metrics.IncCasterRequest(metrics.OutcomeMalformed)
		metrics.IncError(metrics.ErrProtocol)
		logger.Warn("caster_request_rejected", "error", err)
		_ = conn.Close()
		return
	}

	ntripAgent := req.NTRIPAgent()
	if !ntripAgent || !req.Matches(cfg.Mountpoint) {
		metrics.IncCasterRequest(metrics.OutcomeSourcetable)
		logger.Info("caster_sourcetable", "path", req.Path, "ntrip_agent", ntripAgent)
		c.reject(conn, ntrip.Sourcetable(cfg.Mountpoint, cfg.Username != "", ntripAgent), logger)
		return
	}
	if !req.Authorized(cfg.Username, cfg.Password) {
		metrics.IncCasterRequest(metrics.OutcomeUnauthorized)
		logger.Warn("caster_unauthorized")
		c.reject(conn, ntrip.Unauthorized(cfg.Mountpoint), logger)
		return
	}
	if c.maxClients > 0 && c.hub.Count() >= c.maxClients {
		metrics.IncHubReject()
		logger.Warn("caster_client_reject_max", "max_clients", c.maxClients)
		_ = conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Now().Add(netutil.IOTimeout))
	if _, err := conn.Write(ntrip.ICYOK); err != nil {
		metrics.IncError(metrics.ErrNetWrite)
		logger.Warn("caster_accept_write_failed", "error", err)
		_ = conn.Close()
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	metrics.IncCasterRequest(metrics.OutcomeStream)
	c.attach(ctx, conn, remote, light, logger)
}

func (c *Caster) reject(conn net.Conn, resp []byte, logger *slog.Logger) {
	_ = conn.SetWriteDeadline(time.Now().Add(netutil.IOTimeout))
	if _, err := conn.Write(resp); err != nil {
		logger.Debug("caster_response_write_failed", "error", err)
	}
	_ = conn.Close()
}

// attach registers conn as a broadcast target. The writer owns the
// connection from here on and evicts the client when a send fails; the
// reader only watches for the client going away.
func (c *Caster) attach(ctx context.Context, conn net.Conn, remote string, light *indicator.Light, logger *slog.Logger) {
	p := c.hub.NewPeer(remote, "TCP")
	c.hub.Add(p)
	light.SetMode(indicator.Fade)
	metrics.IncConnect(adapter.NTRIPCaster)
	logger.Info("caster_client_connected", "clients", c.hub.Count())
	c.bus.WriteNMEA("PESP,NTRIP,CST,CLIENT,CONNECTED,%s", remote)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		_, _ = io.Copy(io.Discard, conn)
		p.Close()
	}()
	go func() {
		defer c.wg.Done()
		err := hub.RunWriter(ctx, p, transport.ConnSend(conn, netutil.IOTimeout), func(n int) {
			c.stream.Increment(0, n)
			metrics.AddNetTx(adapter.NTRIPCaster, n)
		})
		if err != nil {
			metrics.IncError(metrics.ErrNetWrite)
			logger.Debug("caster_client_write_failed", "error", err)
		}
		_ = conn.Close()
		c.hub.Remove(p)
		left := c.hub.Count()
		if left == 0 {
			light.SetMode(indicator.Static)
		}
		metrics.IncDisconnect(adapter.NTRIPCaster)
		logger.Info("caster_client_disconnected", "clients", left)
		c.bus.WriteNMEA("PESP,NTRIP,CST,CLIENT,DISCONNECTED,%s", remote)
	}()
}
