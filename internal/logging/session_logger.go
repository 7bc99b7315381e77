package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler dispatches each record to two handlers: the process-wide
// base handler and a per-call handler. Used so that a single call's
// diagnostics land both in the global log stream and in its own file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the per-call file must never suppress the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewCallLogger builds a logger that writes to both base and a dedicated
// file at {sessionLogDir}/{peerName}/{callID}.log. It returns the enriched
// logger, an io.Closer that must be called (defer) when the call ends, and
// the file's absolute path. If sessionLogDir is empty, base is returned
// unmodified.
func NewCallLogger(base *slog.Logger, sessionLogDir, peerName, callID string) (*slog.Logger, io.Closer, string, error) {
	if sessionLogDir == "" {
		return base, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(sessionLogDir, peerName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating call log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, callID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening call log file %s: %w", logPath, err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	combined := &fanOutHandler{primary: base.Handler(), secondary: fileHandler}

	return slog.New(combined), f, logPath, nil
}

// RemoveCallLog deletes the per-call log file of a call that finished
// cleanly. No-op if sessionLogDir is empty or the file does not exist.
func RemoveCallLog(sessionLogDir, peerName, callID string) {
	if sessionLogDir == "" {
		return
	}
	os.Remove(filepath.Join(sessionLogDir, peerName, callID+".log"))
}
