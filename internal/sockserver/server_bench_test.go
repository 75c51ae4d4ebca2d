package sockserver

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/bus"
	"github.com/kstaniek/gnss-bridge/internal/config"
)

// BenchmarkBroadcastTCP measures link-to-peer fan-out for one TCP peer.
func BenchmarkBroadcastTCP(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bs := bus.New(&capturePort{})
	srv := New(bs, staticSource{cfg: config.SocketServer{Active: true}}, WithQueueLen(1024))
	go func() { _ = srv.Run(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		b.Fatalf("server not ready")
	}
	_, port, _ := net.SplitHostPort(srv.TCPAddr())
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	go func() { _, _ = io.Copy(io.Discard, conn) }()
	for srv.Hub.Count() == 0 {
		time.Sleep(time.Millisecond)
	}

	chunk := make([]byte, 512)
	b.SetBytes(int64(len(chunk)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bs.Inject(chunk)
	}
}
