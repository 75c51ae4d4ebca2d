// Package adapter holds the reconnect skeleton and error taxonomy shared by
// the network adapters.
package adapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/netutil"
	"github.com/kstaniek/gnss-bridge/internal/ntrip"
	"github.com/kstaniek/gnss-bridge/internal/retry"
)

// Adapter names used for logs, metrics and stats streams.
const (
	NTRIPClient  = "ntrip_client"
	NTRIPServer  = "ntrip_server"
	NTRIPCaster  = "ntrip_caster"
	SocketServer = "socket_server"
	SocketClient = "socket_client"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
)

const (
	// InactivePoll is how often a disabled adapter re-reads its config.
	InactivePoll = 5 * time.Second
	// NetworkPoll is the interface polling period while offline.
	NetworkPoll = time.Second
)

// MetricLabel maps wrapped sentinel errors to metrics labels.
func MetricLabel(err error) string {
	switch {
	case errors.Is(err, netutil.ErrResolve):
		return metrics.ErrResolve
	case errors.Is(err, netutil.ErrConnect):
		return metrics.ErrConnect
	case errors.Is(err, ErrConnRead):
		return metrics.ErrNetRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrNetWrite
	case errors.Is(err, ntrip.ErrBadStatus), errors.Is(err, ntrip.ErrSourcetable),
		errors.Is(err, ntrip.ErrResponseTooLarge), errors.Is(err, ntrip.ErrMalformedRequest),
		errors.Is(err, ntrip.ErrRequestTooLarge):
		return metrics.ErrProtocol
	case errors.Is(err, ErrListen):
		return metrics.ErrListen
	case errors.Is(err, ErrAccept):
		return metrics.ErrAccept
	default:
		return "other"
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loop is the per-cycle gate of an outbound adapter: backoff delay first,
// then wait for the network.
type Loop struct {
	Name        string
	Delay       *retry.Delay
	NetworkWait func(context.Context) error
	Logger      *slog.Logger
}

// NewLoop builds a Loop with schedule s and the default network wait.
func NewLoop(name string, s retry.Schedule, logger *slog.Logger) *Loop {
	return &Loop{
		Name:        name,
		Delay:       retry.New(s),
		NetworkWait: func(ctx context.Context) error { return netutil.WaitForNetwork(ctx, NetworkPoll) },
		Logger:      logger,
	}
}

// Gate blocks for the backoff delay and network availability. It returns
// the context error when the adapter should stop.
func (l *Loop) Gate(ctx context.Context) error {
	attempts, err := l.Delay.Wait(ctx)
	if err != nil {
		return err
	}
	if attempts > 1 {
		metrics.IncRetry(l.Name)
	}
	if l.NetworkWait != nil {
		if err := l.NetworkWait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Failed records a failed cycle.
func (l *Loop) Failed(err error) {
	metrics.IncError(MetricLabel(err))
	l.Logger.Warn(l.Name+"_cycle_failed", "error", err, "attempts", l.Delay.Attempts())
}

// Succeeded resets the backoff after a successful connection.
func (l *Loop) Succeeded() { l.Delay.Reset() }
