package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
)

func TestForwardHandler_Gated(t *testing.T) {
	var primary, uart bytes.Buffer
	var on atomic.Bool
	h := Forward(NewHandler("text", slog.LevelInfo, &primary), &uart, slog.LevelInfo, on.Load)
	l := slog.New(h).With("adapter", "test")

	l.Info("first_event")
	if uart.Len() != 0 {
		t.Fatalf("expected nothing forwarded while disabled, got %q", uart.String())
	}
	on.Store(true)
	l.Info("second_event", "n", 2)
	if !strings.Contains(primary.String(), "first_event") || !strings.Contains(primary.String(), "second_event") {
		t.Fatalf("primary handler missing records: %q", primary.String())
	}
	got := uart.String()
	if !strings.Contains(got, "second_event") || !strings.Contains(got, "adapter=test") {
		t.Fatalf("forwarded record missing fields: %q", got)
	}
	if !strings.HasSuffix(got, "\r\n") {
		t.Fatalf("forwarded record not CRLF terminated: %q", got)
	}
}

func TestForwardHandler_LevelFilter(t *testing.T) {
	var primary, uart bytes.Buffer
	h := Forward(NewHandler("json", slog.LevelDebug, &primary), &uart, slog.LevelWarn, nil)
	l := slog.New(h)
	l.Debug("noise")
	l.Warn("careful")
	if strings.Contains(uart.String(), "noise") {
		t.Fatalf("debug record forwarded: %q", uart.String())
	}
	if !strings.Contains(uart.String(), "careful") {
		t.Fatalf("warn record not forwarded: %q", uart.String())
	}
	if !strings.Contains(primary.String(), "noise") {
		t.Fatalf("primary should keep debug record")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "warn": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "x": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
