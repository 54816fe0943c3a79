// Package logger provides the daemon's structured log output.
//
// Log output format:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, key2=value2
//
// Records go to a size-rotated file in the user directory and, for
// foreground runs, to stderr as well. Two levels extend the slog set:
//   - LevelTrace (-8): serial frame tracing
//   - LevelFail  (12): errors that end the process
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ///////////////////////////////////////////////
// Levels
// ///////////////////////////////////////////////

const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelFail  slog.Level = 12
)

// levelNames maps level thresholds to their display names, lowest first.
var levelNames = []struct {
	max  slog.Level
	name string
}{
	{LevelTrace, "TRACE"},
	{LevelDebug, "DEBUG"},
	{LevelInfo, "INFO"},
	{LevelWarn, "WARN"},
	{LevelError, "ERROR"},
}

func levelName(l slog.Level) string {
	for _, n := range levelNames {
		if l <= n.max {
			return n.name
		}
	}
	return "FAIL"
}

// ParseLevel converts a level string (trace, debug, info, warn, error, fail;
// any case) to a slog.Level. The second result is false for unknown strings,
// in which case LevelInfo is returned.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "fail":
		return LevelFail, true
	}
	return LevelInfo, false
}

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

// Handler is a slog.Handler that writes one line per record:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, ...
type Handler struct {
	// w is the destination writer for formatted lines.
	w io.Writer
	// mu serializes writes to w; shared by every handler derived from the
	// same root so lines never interleave.
	mu *sync.Mutex
	// level is the minimum severity emitted.
	level slog.Leveler
	// prefix is the rendered form of attributes added via WithAttrs.
	prefix []string
	// group is the dot-separated key prefix set via WithGroup.
	group string
}

// NewHandler creates a Handler that writes to w, dropping records below level.
func NewHandler(w io.Writer, level slog.Leveler) *Handler {
	return &Handler{w: w, mu: &sync.Mutex{}, level: level}
}

// Enabled reports whether the handler emits records at level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString(" [")
	b.WriteString(levelName(r.Level))
	b.WriteString("] ")
	b.WriteString(r.Message)

	fields := make([]string, 0, len(h.prefix)+r.NumAttrs())
	fields = append(fields, h.prefix...)
	r.Attrs(func(a slog.Attr) bool {
		fields = appendAttr(fields, h.group, a)
		return true
	})
	if len(fields) > 0 {
		b.WriteString(" | ")
		b.WriteString(strings.Join(fields, ", "))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// appendAttr renders a as key=value, flattening nested groups into dotted
// keys, and appends the result to fields.
func appendAttr(fields []string, group string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return fields
	}
	key := a.Key
	if group != "" && key != "" {
		key = group + "." + key
	} else if key == "" {
		key = group
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			fields = appendAttr(fields, key, ga)
		}
		return fields
	}
	return append(fields, key+"="+a.Value.String())
}

// WithAttrs returns a Handler with attrs rendered ahead of record attributes.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := make([]string, len(h.prefix), len(h.prefix)+len(attrs))
	copy(prefix, h.prefix)
	for _, a := range attrs {
		prefix = appendAttr(prefix, h.group, a)
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, prefix: prefix, group: h.group}
}

// WithGroup returns a Handler whose subsequent attribute keys are prefixed
// with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, prefix: h.prefix, group: group}
}

// ///////////////////////////////////////////////
// Logger Constructor
// ///////////////////////////////////////////////

// Options configures [New].
type Options struct {
	// Path is the log file. Empty disables file output.
	Path string
	// Level is the minimum level written.
	Level slog.Level
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int
	// Stderr also writes every record to os.Stderr.
	Stderr bool
}

// nopCloser is returned when there is no file to flush.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates a slog.Logger per opts. The returned io.Closer must be closed
// on exit to release the rotating file.
func New(opts Options) (*slog.Logger, io.Closer) {
	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)
	if opts.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: 3,
			MaxAge:     28,
		}
		writers = append(writers, lj)
		closer = lj
	}
	if opts.Stderr || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	return slog.New(NewHandler(io.MultiWriter(writers...), opts.Level)), closer
}

// ///////////////////////////////////////////////
// Helper Functions
// ///////////////////////////////////////////////

// Trace logs a message at LevelTrace.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Fail logs a message at LevelFail.
func Fail(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFail, msg, args...)
}

// Discard returns a logger that drops every record. Tests and library
// defaults use it where no logger was supplied.
func Discard() *slog.Logger {
	return slog.New(NewHandler(io.Discard, LevelFail+1))
}
