package bus

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/stats"
)

// scriptPort returns queued chunks from Read and records writes.
type scriptPort struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	out    bytes.Buffer
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		if p.err != nil {
			return 0, p.err
		}
		return 0, io.EOF
	}
	c := p.chunks[0]
	p.chunks = p.chunks[1:]
	return copy(b, c), nil
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func TestRunDispatchesInOrder(t *testing.T) {
	port := &scriptPort{
		chunks: [][]byte{[]byte("abc"), []byte("defg")},
		err:    &os.PathError{Op: "read", Path: "/dev/ttyGNSS", Err: os.ErrClosed},
	}
	reg := stats.NewRegistry(time.Second)
	uart := reg.New("uart")
	b := New(port, WithStats(uart))

	var mu sync.Mutex
	var order []string
	b.OnRead(func(e Event) {
		mu.Lock()
		order = append(order, "first:"+string(e.Data))
		mu.Unlock()
	})
	b.OnRead(func(e Event) {
		mu.Lock()
		order = append(order, "second:"+string(e.Data))
		mu.Unlock()
	})

	if err := b.Run(context.Background()); err == nil {
		t.Fatalf("expected device error to end the reader")
	}
	want := []string{"first:abc", "second:abc", "first:defg", "second:defg"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("dispatch order %v want %v", order, want)
	}
	if v := uart.Values(); v.TotalIn != 7 {
		t.Fatalf("expected 7 bytes in, got %d", v.TotalIn)
	}
}

func TestWriteRepublishes(t *testing.T) {
	port := &scriptPort{}
	reg := stats.NewRegistry(time.Second)
	uart := reg.New("uart")
	b := New(port, WithStats(uart))

	var seen []string
	b.OnWrite(func(e Event) { seen = append(seen, string(e.Data)) })
	n, err := b.Write([]byte("$PUBX,00*33\r\n"))
	if err != nil || n != 13 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	b.WriteNMEA("PESP,SOCK,SRV,TCP,BIND,%d", 23)
	if len(seen) != 2 || seen[0] != "$PUBX,00*33\r\n" {
		t.Fatalf("write events: %q", seen)
	}
	if !strings.HasPrefix(seen[1], "$PESP,SOCK,SRV,TCP,BIND,23*") {
		t.Fatalf("status sentence: %q", seen[1])
	}
	if port.out.String() != seen[0]+seen[1] {
		t.Fatalf("port got %q", port.out.String())
	}
	if v := uart.Values(); v.TotalOut != uint64(len(seen[0])+len(seen[1])) {
		t.Fatalf("out count %d", v.TotalOut)
	}
}

func TestInjectSkipsPort(t *testing.T) {
	port := &scriptPort{}
	b := New(port)
	var got []byte
	b.OnRead(func(e Event) { got = append(got, e.Data...) })
	b.Inject([]byte("hello"))
	b.Inject(nil)
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	if port.out.Len() != 0 {
		t.Fatalf("inject must not write to the port")
	}
}

// fakeErrPort always returns a synthetic error to trigger backoff.
type fakeErrPort struct{}

func (f *fakeErrPort) Read(p []byte) (int, error)  { return 0, io.ErrNoProgress }
func (f *fakeErrPort) Write(p []byte) (int, error) { return len(p), nil }

func TestRunBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		if len(seen) < 6 {
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	if err := New(&fakeErrPort{}).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 6 {
		t.Fatalf("expected 6 backoff samples, got %d", len(seen))
	}
	if seen[0] != rxBackoffMin {
		t.Fatalf("expected first backoff %v got %v", rxBackoffMin, seen[0])
	}
	prev := time.Duration(0)
	for i, d := range seen {
		if d < prev || d > rxBackoffMax {
			t.Fatalf("backoff out of range at %d: %v", i, d)
		}
		prev = d
	}
	if seen[5] != rxBackoffMax {
		t.Fatalf("expected backoff to saturate at %v, got %v", rxBackoffMax, seen[5])
	}
}
