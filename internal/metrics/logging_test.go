package metrics

import (
	"context"
	"log/slog"
	"testing"
)

func TestSetupLoggingSetsDebugWhenVerbose(t *testing.T) {
	ctx := context.Background()
	SetupLogging(true)
	if !slog.Default().Enabled(ctx, slog.LevelDebug) {
		t.Error("expected debug level enabled when verbose")
	}
}

func TestSetupLoggingSetsInfoByDefault(t *testing.T) {
	ctx := context.Background()
	SetupLogging(false)
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		t.Error("expected debug level disabled when not verbose")
	}
	if !slog.Default().Enabled(ctx, slog.LevelInfo) {
		t.Error("expected info level enabled by default")
	}
}
