package metrics

import (
	"log/slog"
	"os"
)

// SetupLogging installs the process-wide slog default handler. Mirrors the
// teacher's runGateway() setup: a text handler on stdout, debug level when
// verbose is requested, info otherwise.
func SetupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}
