// Package testutil holds helpers shared by package tests.
package testutil

import (
	"log/slog"
	"strings"
	"testing"
)

type tbWriter struct {
	tb testing.TB
}

func (w tbWriter) Write(p []byte) (int, error) {
	w.tb.Helper()

	w.tb.Log(strings.TrimRight(string(p), "\n"))

	return len(p), nil
}

// LoggerFromTB returns a debug-level logger that writes through tb.Log.
// Timestamps are dropped since the test runner already orders output.
func LoggerFromTB(tb testing.TB) *slog.Logger {
	tb.Helper()

	handler := slog.NewTextHandler(tbWriter{tb: tb}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 && attr.Key == slog.TimeKey {
				return slog.Attr{}
			}

			return attr
		},
	})

	return slog.New(handler).With("test", tb.Name())
}
