package sockserver

import (
	"errors"

	"github.com/kstaniek/gnss-bridge/internal/adapter"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = adapter.ErrListen
	ErrAccept    = adapter.ErrAccept
	ErrBind      = errors.New("bind")
	ErrUDPRead   = errors.New("udp_read")
	ErrConnRead  = adapter.ErrConnRead
	ErrConnWrite = adapter.ErrConnWrite
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrBind):
		return metrics.ErrListen
	case errors.Is(err, ErrUDPRead):
		return metrics.ErrNetRead
	default:
		return adapter.MetricLabel(err)
	}
}
