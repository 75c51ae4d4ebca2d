package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service types announced for the caster and the raw socket server.
const (
	mdnsCasterService = "_ntrip._tcp"
	mdnsSocketService = "_gnss-bridge._tcp"
)

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("gnss-bridge-%s", host)
}

// startMDNS registers service on port and returns a cleanup function. It is
// a no-op when advertisement is disabled.
func startMDNS(ctx context.Context, cfg *appConfig, service string, port int, extra ...string) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	meta := append([]string{
		"version=" + version,
		"commit=" + commit,
	}, extra...)
	svc, err := zeroconf.Register(mdnsInstance(cfg), service, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register %s: %w", service, err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
