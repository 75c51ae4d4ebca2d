package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/kstaniek/gnss-bridge/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "gnss-bridge")
	logging.Set(l)
	return l
}

// enableLogForward rebuilds the global logger so records are also written
// to the serial link while enabled reports true.
func enableLogForward(format, level string, link io.Writer, enabled func() bool) *slog.Logger {
	lvl := logging.ParseLevel(level)
	h := logging.Forward(logging.NewHandler(format, lvl, os.Stderr), link, lvl, enabled)
	l := slog.New(h).With("app", "gnss-bridge")
	logging.Set(l)
	return l
}
