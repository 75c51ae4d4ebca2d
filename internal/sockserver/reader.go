package sockserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/hub"
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/netutil"
)

// startReader drains a peer connection into the serial link. Read timeouts are
// ignored; any other error closes the peer.
func (s *Server) startReader(ctx context.Context, conn net.Conn, p *hub.Peer, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer p.Close()
		buf := make([]byte, readBufSize)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := conn.Read(buf)
			if n > 0 {
				s.toBus(buf[:n], logger)
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if netutil.IsTimeout(err) {
					if ctx.Err() != nil || p.IsClosed() {
						return
					}
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Debug("client_read_failed", "error", wrap)
				return
			}
		}
	}()
}

// udpLoop reads datagrams from the shared UDP socket. Payloads go to the
// link first; a new source address then becomes a peer with its own
// connected socket so later datagrams and send errors reach that peer alone.
func (s *Server) udpLoop(ctx context.Context, uc *net.UDPConn, light *indicator.Light) error {
	localPort := uc.LocalAddr().(*net.UDPAddr).Port
	buf := make([]byte, readBufSize)
	for {
		n, from, err := uc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrUDPRead, err)
		}
		from = netutil.Unmap(from)
		if n > 0 {
			s.toBus(buf[:n], s.logger)
		}
		s.udpPeer(ctx, uc, localPort, from, light)
	}
}

// udpPeer creates the peer for addr on its first datagram. At most one peer
// exists per address.
func (s *Server) udpPeer(ctx context.Context, uc *net.UDPConn, localPort int, addr netip.AddrPort, light *indicator.Light) {
	s.udpMu.Lock()
	_, known := s.udpPeers[addr]
	s.udpMu.Unlock()
	if known {
		return
	}
	remote := netutil.AddrPortString(addr)
	logger := s.logger.With("remote", remote, "kind", "udp")
	if s.full() {
		metrics.IncHubReject()
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		return
	}
	conn, err := netutil.DialUDPFrom(ctx, localPort, addr)
	if err != nil {
		// replies through the shared socket cannot detect a departed peer
		logger.Warn("udp_peer_socket_failed", "error", err)
	}
	logger = logger.With("conn_id", s.nextConnID.Add(1))
	p := s.attach(remote, "UDP", light, logger)
	s.udpMu.Lock()
	s.udpPeers[addr] = p
	s.udpMu.Unlock()
	forget := func() {
		s.udpMu.Lock()
		if s.udpPeers[addr] == p {
			delete(s.udpPeers, addr)
		}
		s.udpMu.Unlock()
	}
	if conn == nil {
		s.startWriter(ctx, p, udpSend(uc, addr), forget, light, logger)
		return
	}
	s.startWriter(ctx, p, udpConnSend(conn), func() {
		_ = conn.Close()
		forget()
	}, light, logger)
	s.startReader(ctx, conn, p, logger)
}
