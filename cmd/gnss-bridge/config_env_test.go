package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()
	t.Setenv("GNSS_BRIDGE_BAUD", "230400")
	t.Setenv("GNSS_BRIDGE_PARITY", "odd")
	t.Setenv("GNSS_BRIDGE_MDNS_ENABLE", "true")
	t.Setenv("GNSS_BRIDGE_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("GNSS_BRIDGE_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("GNSS_BRIDGE_CLIENT_START_DELAY", "0s")
	t.Setenv("GNSS_BRIDGE_CONFIG", "/var/lib/gnss-bridge/config.yaml")
	t.Setenv("GNSS_BRIDGE_METRICS", ":9100")

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if base.parity != "odd" {
		t.Fatalf("expected parity odd, got %s", base.parity)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.clientStartDelay != 0 {
		t.Fatalf("expected clientStartDelay 0 got %v", base.clientStartDelay)
	}
	if base.configPath != "/var/lib/gnss-bridge/config.yaml" {
		t.Fatalf("unexpected config path %s", base.configPath)
	}
	if base.metricsAddr != ":9100" {
		t.Fatalf("unexpected metrics addr %q", base.metricsAddr)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validConfig()
	t.Setenv("GNSS_BRIDGE_BAUD", "230400")
	t.Setenv("GNSS_BRIDGE_METRICS", ":9100")
	set := map[string]struct{}{"baud": {}, "metrics-addr": {}}
	if err := applyEnvOverrides(base, set); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
	if base.metricsAddr != "" {
		t.Fatalf("expected metrics addr unchanged, got %q", base.metricsAddr)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	cases := map[string]string{
		"GNSS_BRIDGE_HUB_BUFFER":          "notint",
		"GNSS_BRIDGE_MAX_CLIENTS":         "-1",
		"GNSS_BRIDGE_CLIENT_READ_TIMEOUT": "soon",
		"GNSS_BRIDGE_MDNS_ENABLE":         "perhaps",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if err := applyEnvOverrides(validConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", k, v)
			}
		})
	}
}
