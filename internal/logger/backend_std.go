package logger

import (
	"io"
	"log/slog"
	"os"
)

var stdout io.Writer = os.Stdout

func newStdHandler(cfg Config) slog.Handler {
	return slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:     effectiveLevel(cfg),
		AddSource: cfg.AddSource,
	})
}
