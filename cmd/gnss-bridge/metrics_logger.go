package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"serial_rx", snap.SerialRx,
					"serial_tx", snap.SerialTx,
					"net_rx", snap.NetRx,
					"net_tx", snap.NetTx,
					"connects", snap.Connects,
					"disconnects", snap.Disconnects,
					"retries", snap.Retries,
					"hub_drops", snap.HubDrops,
					"hub_kicks", snap.HubKicks,
					"hub_rejects", snap.HubRejects,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
