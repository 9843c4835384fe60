// Package rvlog wraps log/slog with the dual-write behavior the rest of
// this corpus uses for long-running host processes: a structured record
// goes to a log file when one is configured, and unconditionally to
// stderr for anything above debug level (or everything, when a -debug
// flag is set).
package rvlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is a thin handle around a *slog.Logger built on top of Handler.
// It's what Hart.Log and the cmd/rv64run CLI hold; both log through the
// slog.Logger methods (Debug/Info/Warn/Error) rather than through Logger
// itself, so Logger's only job is construction.
type Logger struct {
	*slog.Logger
}

// Handler formats records as "time level message attr attr ..." and
// writes them to an optional file plus, above debug level (or always,
// when debug is set), stderr.
type Handler struct {
	out   io.Writer
	inner slog.Handler
	mu    *sync.Mutex
	debug bool
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{out: h.out, inner: h.inner.WithAttrs(attrs), mu: h.mu, debug: h.debug}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{out: h.out, inner: h.inner.WithGroup(name), mu: h.mu, debug: h.debug}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	parts := []string{r.Time.Format("2006/01/02 15:04:05"), r.Level.String() + ":", r.Message}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, a.String())
		return true
	})
	line := []byte(strings.Join(parts, " ") + "\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil {
		_, err = h.out.Write(line)
	}
	if h.debug || r.Level > slog.LevelDebug {
		_, err = os.Stderr.Write(line)
	}
	return err
}

// New builds a Logger writing to file (may be nil to skip file output)
// plus stderr. debug lowers the handler's level floor to slog.LevelDebug
// and forces every record to stderr as well as the file.
func New(file io.Writer, debug bool) *Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := &Handler{
		out:   file,
		inner: slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level}),
		mu:    &sync.Mutex{},
		debug: debug,
	}
	return &Logger{Logger: slog.New(h)}
}

// Discard is a Logger that drops every record; used where no *Logger has
// been wired (unit tests constructing a bare Hart) rather than leaving
// Hart.Log nil and forcing every call site to check it.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
