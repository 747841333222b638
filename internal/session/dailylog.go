package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileDailyLog is the optional OpenClaw daily-log collaborator
// (config.OpenClawConfig.FileModeEnabled/DailyLogDir): a best-effort
// append-only file per day, grounded on the teacher's
// sessions.NewManager's os.MkdirAll(storage, 0755) persistence setup
// (internal/sessions/manager.go), generalized from a JSON session dump
// to a plain-text daily log.
type FileDailyLog struct {
	dir string
	now func() time.Time
}

// NewFileDailyLog builds a FileDailyLog rooted at dir, creating it if
// necessary. Returns an error only if the directory cannot be created;
// per-write failures are always best-effort (see Append).
func NewFileDailyLog(dir string) (*FileDailyLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create daily log dir: %w", err)
	}
	return &FileDailyLog{dir: dir, now: time.Now}, nil
}

// Append writes content to today's log file for sessionID and returns
// its path. A write failure is returned to the caller, which treats it
// as best-effort and discards it rather than failing the checkpoint.
func (f *FileDailyLog) Append(ctx context.Context, sessionID, content string) (string, error) {
	day := f.now().UTC().Format("2006-01-02")
	path := filepath.Join(f.dir, fmt.Sprintf("%s.log", day))

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("session: open daily log: %w", err)
	}
	defer file.Close()

	line := fmt.Sprintf("[%s] session=%s\n%s\n\n", f.now().UTC().Format(time.RFC3339), sessionID, content)
	if _, err := file.WriteString(line); err != nil {
		return "", fmt.Errorf("session: write daily log: %w", err)
	}
	return path, nil
}
