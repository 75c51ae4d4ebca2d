package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/gnss-bridge/internal/adapter"
	"github.com/kstaniek/gnss-bridge/internal/bus"
	"github.com/kstaniek/gnss-bridge/internal/caster"
	"github.com/kstaniek/gnss-bridge/internal/config"
	"github.com/kstaniek/gnss-bridge/internal/hub"
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/ntripclient"
	"github.com/kstaniek/gnss-bridge/internal/ntripserver"
	"github.com/kstaniek/gnss-bridge/internal/sockclient"
	"github.com/kstaniek/gnss-bridge/internal/sockserver"
	"github.com/kstaniek/gnss-bridge/internal/stats"
)

// adapters are the running network adapters. Each one idles while its
// settings say inactive and picks up changes at the top of its next cycle.
type adapters struct {
	client     *ntripclient.Client
	server     *ntripserver.Server
	caster     *caster.Caster
	sockServer *sockserver.Server
	sockClient *sockclient.Client
}

func hubPolicy(name string) hub.BackpressurePolicy {
	if name == "drop" {
		return hub.PolicyDrop
	}
	return hub.PolicyKick
}

// buildAdapters registers every adapter on b. Registration happens before
// the bus starts reading.
func buildAdapters(cfg *appConfig, b *bus.Bus, store *config.Store, reg *stats.Registry, lights *indicator.Registry, l *slog.Logger) *adapters {
	policy := hubPolicy(cfg.hubPolicy)
	l.Info("hub_config", "policy", cfg.hubPolicy, "buffer", cfg.hubBuffer, "max_clients", cfg.maxClients)
	return &adapters{
		client: ntripclient.New(b, store,
			ntripclient.WithLogger(l), ntripclient.WithStats(reg), ntripclient.WithIndicators(lights)),
		server: ntripserver.New(b, store,
			ntripserver.WithLogger(l), ntripserver.WithStats(reg), ntripserver.WithIndicators(lights)),
		caster: caster.New(b, store,
			caster.WithLogger(l), caster.WithStats(reg), caster.WithIndicators(lights),
			caster.WithQueueLen(cfg.hubBuffer), caster.WithPolicy(policy), caster.WithMaxClients(cfg.maxClients)),
		sockServer: sockserver.New(b, store,
			sockserver.WithLogger(l), sockserver.WithStats(reg), sockserver.WithIndicators(lights),
			sockserver.WithQueueLen(cfg.hubBuffer), sockserver.WithPolicy(policy),
			sockserver.WithMaxClients(cfg.maxClients), sockserver.WithReadDeadline(cfg.clientReadTO)),
		sockClient: sockclient.New(b, store,
			sockclient.WithLogger(l), sockclient.WithStats(reg), sockclient.WithIndicators(lights)),
	}
}

// start launches every adapter loop on wg. The NTRIP client waits
// cfg.clientStartDelay first so the receiver can settle after boot.
func (a *adapters) start(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) {
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				l.Error("adapter_exit", "adapter", name, "error", err)
			}
		}()
	}
	run(adapter.NTRIPClient, func(ctx context.Context) error {
		if err := adapter.Sleep(ctx, cfg.clientStartDelay); err != nil {
			return nil
		}
		return a.client.Run(ctx)
	})
	run(adapter.NTRIPServer, a.server.Run)
	run(adapter.NTRIPCaster, a.caster.Run)
	run(adapter.SocketServer, a.sockServer.Run)
	run(adapter.SocketClient, a.sockClient.Run)
}
