package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// ForwardHandler tees every record to a second writer (the serial link) in
// addition to the wrapped handler. Forwarding is gated by enabled, which is
// consulted per record so it can be toggled at runtime.
type ForwardHandler struct {
	inner   slog.Handler
	fwd     slog.Handler
	enabled func() bool
}

// Forward wraps inner so records are also written as text lines to w while
// enabled returns true. A nil enabled means always on.
func Forward(inner slog.Handler, w io.Writer, level slog.Leveler, enabled func() bool) *ForwardHandler {
	lw := &lineWriter{w: w}
	return &ForwardHandler{
		inner:   inner,
		fwd:     slog.NewTextHandler(lw, &slog.HandlerOptions{Level: level}),
		enabled: enabled,
	}
}

func (h *ForwardHandler) on() bool { return h.enabled == nil || h.enabled() }

func (h *ForwardHandler) Enabled(ctx context.Context, l slog.Level) bool {
	if h.inner.Enabled(ctx, l) {
		return true
	}
	return h.on() && h.fwd.Enabled(ctx, l)
}

func (h *ForwardHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r.Clone())
	}
	if h.on() && h.fwd.Enabled(ctx, r.Level) {
		// forwarding errors are dropped
		_ = h.fwd.Handle(ctx, r)
	}
	return err
}

func (h *ForwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ForwardHandler{inner: h.inner.WithAttrs(attrs), fwd: h.fwd.WithAttrs(attrs), enabled: h.enabled}
}

func (h *ForwardHandler) WithGroup(name string) slog.Handler {
	return &ForwardHandler{inner: h.inner.WithGroup(name), fwd: h.fwd.WithGroup(name), enabled: h.enabled}
}

// lineWriter converts the handler's LF terminated lines to CRLF and performs a
// single write per record.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	buf := make([]byte, 0, len(line)+2)
	buf = append(buf, line...)
	buf = append(buf, '\r', '\n')
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
