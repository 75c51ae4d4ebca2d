// Package bus distributes the serial link to the network adapters.
//
// A single reader goroutine publishes every chunk read from the port to the
// read handlers; Write pushes bytes to the port and republishes them to the
// write handlers. Handlers run synchronously on the publishing goroutine in
// registration order, so a slow handler delays every other one. The bus
// itself never drops data.
package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/logging"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/nmea"
	"github.com/kstaniek/gnss-bridge/internal/stats"
)

const (
	// DefaultBufSize is the per read() buffer.
	DefaultBufSize = 4096
	rxBackoffMin   = 20 * time.Millisecond
	rxBackoffMax   = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Event is one read or write occurrence. Data is borrowed: it is only valid
// for the duration of the handler call and must be copied to be retained.
type Event struct {
	Data []byte
}

// Len is the chunk size.
func (e Event) Len() int { return len(e.Data) }

// Handler consumes bus events.
type Handler func(Event)

type handlers = []Handler

// Bus couples a serial port with its subscribers.
type Bus struct {
	port    io.ReadWriter
	wmu     sync.Mutex
	readHs  atomic.Pointer[handlers]
	writeHs atomic.Pointer[handlers]
	regMu   sync.Mutex
	stream  *stats.Stream
	logger  *slog.Logger
	bufSize int
}

type Option func(*Bus)

// WithStats accounts reads as "in" and writes as "out" on s.
func WithStats(s *stats.Stream) Option { return func(b *Bus) { b.stream = s } }

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// New builds a bus on port.
func New(port io.ReadWriter, opts ...Option) *Bus {
	b := &Bus{port: port, logger: logging.L(), bufSize: DefaultBufSize}
	for _, o := range opts {
		o(b)
	}
	empty := handlers{}
	b.readHs.Store(&empty)
	b.writeHs.Store(&empty)
	return b
}

func (b *Bus) register(dst *atomic.Pointer[handlers], h Handler) {
	if h == nil {
		return
	}
	b.regMu.Lock()
	defer b.regMu.Unlock()
	cur := *dst.Load()
	next := make(handlers, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, h)
	dst.Store(&next)
}

// OnRead subscribes h to bytes arriving from the serial link.
func (b *Bus) OnRead(h Handler) { b.register(&b.readHs, h) }

// OnWrite subscribes h to bytes sent toward the serial link.
func (b *Bus) OnWrite(h Handler) { b.register(&b.writeHs, h) }

func publish(hs *atomic.Pointer[handlers], p []byte) {
	ev := Event{Data: p}
	for _, h := range *hs.Load() {
		h(ev)
	}
}

// Write sends p to the serial link and republishes the written bytes as a
// write event. Concurrent writers are serialised.
func (b *Bus) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.wmu.Lock()
	n, err := b.port.Write(p)
	b.wmu.Unlock()
	if n > 0 {
		if b.stream != nil {
			b.stream.Increment(0, n)
		}
		metrics.AddSerialTx(n)
		publish(&b.writeHs, p[:n])
	}
	if err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return n, fmt.Errorf("serial write: %w", err)
	}
	return n, nil
}

// WriteNMEA emits a checksummed "$<body>*HH" status sentence on the link.
func (b *Bus) WriteNMEA(format string, args ...any) {
	if _, err := b.Write([]byte(nmea.Sentence(format, args...))); err != nil {
		b.logger.Debug("nmea_status_write_failed", "error", err)
	}
}

// Inject publishes p as if it had been read from the serial link.
func (b *Bus) Inject(p []byte) {
	if len(p) == 0 {
		return
	}
	b.received(p)
}

func (b *Bus) received(p []byte) {
	if b.stream != nil {
		b.stream.Increment(len(p), 0)
	}
	metrics.AddSerialRx(len(p))
	publish(&b.readHs, p)
}

// Run reads the serial link until ctx is done or the device disappears.
// Transient read errors back off from 20ms up to 500ms.
func (b *Bus) Run(ctx context.Context) error {
	defer b.logger.Info("serial_rx_end")
	buf := make([]byte, b.bufSize)
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := b.port.Read(buf)
		if n > 0 {
			b.received(buf[:n])
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil { // shutting down
				return nil
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				metrics.IncError(metrics.ErrSerialRead)
				return fmt.Errorf("serial read: %w", err) // device removed or fatal
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout without data
			}
			metrics.IncError(metrics.ErrSerialRead)
			b.logger.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}
