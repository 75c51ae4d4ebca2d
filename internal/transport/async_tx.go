package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx funnels chunk writes to one destination (a socket) through a single
// goroutine so the bus dispatch goroutine never blocks on the network.
// Enqueue is non-blocking: when the buffer is full Send invokes OnDrop and
// returns its error, which adapters treat as a dead peer.
//
//	a := NewAsyncTx(ctx, buf, conn.Write-ish, hooks)
//	a.Send(chunk)
//	a.Close()
//
// Chunks are copied on Send, so callers may pass borrowed bus buffers.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   SendFunc
	hooks  Hooks
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (chunk not sent).
	OnError func(error)
	// OnAfter is called with the byte count after a successful send.
	OnAfter func(n int)
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Send. If nil, the overflow is silent.
	OnDrop func() error
}

// ErrAsyncTxClosed is returned by Send after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// ErrOverflow is the conventional OnDrop result.
var ErrOverflow = errors.New("tx_overflow")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send SendFunc, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan []byte, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case p, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(p); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(len(p))
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues a copy of p or returns the drop error if the buffer is full.
func (a *AsyncTx) Send(p []byte) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	if len(p) == 0 {
		return nil
	}
	cp := append([]byte(nil), p...)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- cp:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Pending reports the queued chunk count.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it to exit. Queued chunks are discarded.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
