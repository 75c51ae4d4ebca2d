package sockserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/adapter"
	"github.com/kstaniek/gnss-bridge/internal/hub"
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/netutil"
	"github.com/kstaniek/gnss-bridge/internal/transport"
)

func tcpSend(conn net.Conn) transport.SendFunc {
	return transport.ConnSend(conn, netutil.IOTimeout)
}

// udpConnSend writes to a peer's connected socket. A departed peer makes
// the write fail with the ICMP error the kernel recorded.
func udpConnSend(conn *net.UDPConn) transport.SendFunc {
	return func(p []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(netutil.IOTimeout))
		_, err := conn.Write(p)
		return err
	}
}

// udpSend replies through the shared server socket.
func udpSend(uc *net.UDPConn, addr netip.AddrPort) transport.SendFunc {
	return func(p []byte) error {
		_, err := uc.WriteToUDPAddrPort(p, addr)
		return err
	}
}

// startWriter launches the goroutine pushing broadcast chunks to one peer.
// A failed send evicts the peer; release frees its transport.
func (s *Server) startWriter(ctx context.Context, p *hub.Peer, send transport.SendFunc, release func(), light *indicator.Light, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			release()
			s.detach(p, light, logger)
		}()
		err := hub.RunWriter(ctx, p, send, func(n int) {
			s.stream.Increment(0, n)
			metrics.AddNetTx(adapter.SocketServer, n)
		})
		if err != nil {
			wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			logger.Debug("client_write_failed", "error", wrap)
		}
	}()
}
