package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/bus"
	"github.com/kstaniek/gnss-bridge/internal/config"
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/serial"
	"github.com/kstaniek/gnss-bridge/internal/stats"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("gnss-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	store, err := config.Open(cfg.configPath)
	if err != nil {
		l.Error("config_open_error", "path", cfg.configPath, "error", err)
		os.Exit(1)
	}
	port, err := serial.Open(cfg.serialConfig())
	if err != nil {
		l.Error("serial_open_error", "device", cfg.serialDev, "error", err)
		os.Exit(1)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	reg := stats.NewRegistry(0)
	lights := indicator.NewRegistry()
	b := bus.New(port, bus.WithStats(reg.New("uart")), bus.WithLogger(l))
	l = enableLogForward(cfg.logFormat, cfg.logLevel, b, store.LogForward)

	ads := buildAdapters(cfg, b, store, reg, lights, l)
	wg.Add(2)
	go func() {
		defer wg.Done()
		reg.Run(ctx)
	}()
	busDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(busDone)
		if err := b.Run(ctx); err != nil {
			l.Error("serial_link_lost", "error", err)
			cancel()
		}
	}()
	ads.start(ctx, cfg, l, &wg)
	startAdvertising(ctx, cfg, ads, store, l)

	metrics.Register(reg)
	metrics.Register(lights)
	// ready while the serial reader is alive and we are not shutting down
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-busDone:
			return false
		default:
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		endpoints := []metrics.Endpoint{{Pattern: "/stats", Handler: statusHandler(reg, lights)}}
		if cfg.configAPI {
			endpoints = append(endpoints, metrics.Endpoint{Pattern: "/config", Handler: configHandler(store)})
		}
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr, endpoints...)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	_ = port.Close()
	wg.Wait()
}

// startAdvertising announces the caster and the socket server over mDNS
// once each has bound its listener.
func startAdvertising(ctx context.Context, cfg *appConfig, ads *adapters, store *config.Store, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	announce := func(service string, addr func() string, extra ...string) {
		go func() {
			port, ok := waitPort(ctx, addr)
			if !ok {
				return
			}
			cleanup, err := startMDNS(ctx, cfg, service, port, extra...)
			if err != nil {
				l.Warn("mdns_start_failed", "service", service, "error", err)
				return
			}
			l.Info("mdns_started", "service", service, "name", mdnsInstance(cfg), "port", port)
			<-ctx.Done()
			cleanup()
		}()
	}
	announce(mdnsCasterService, ads.caster.Addr, "mountpoint="+store.NTRIPCaster().Mountpoint)
	announce(mdnsSocketService, ads.sockServer.TCPAddr)
}

// waitPort polls addr until it reports a bound address.
func waitPort(ctx context.Context, addr func() string) (int, bool) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		if _, p, err := net.SplitHostPort(addr()); err == nil {
			if n, err := strconv.Atoi(p); err == nil && n > 0 {
				return n, true
			}
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-t.C:
		}
	}
}
