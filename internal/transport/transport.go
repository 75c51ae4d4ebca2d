// Package transport holds the per-destination write plumbing shared by the
// network adapters.
package transport

import (
	"io"
	"net"
	"time"
)

// SendFunc transmits one chunk to a destination.
type SendFunc func([]byte) error

// Sink is anything accepting chunks for transmission.
type Sink interface {
	Send([]byte) error
}

var _ Sink = (*AsyncTx)(nil)

// WriterSend adapts w into a SendFunc that treats a short write as an error.
func WriterSend(w io.Writer) SendFunc {
	return func(p []byte) error {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n != len(p) {
			return io.ErrShortWrite
		}
		return nil
	}
}

// ConnSend is WriterSend with a per-write deadline on conn.
func ConnSend(conn net.Conn, timeout time.Duration) SendFunc {
	write := WriterSend(conn)
	return func(p []byte) error {
		if timeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		return write(p)
	}
}
