package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options defines parameters for logger creation.
type Options struct {
	Env          string
	ConsoleLevel string // Level for console output (default: info)
	FileLevel    string // Level for file output (default: debug)
	File         string
	App          string
	// Console receives the console handler output (default: os.Stdout).
	// CLI commands that stream images to stdout log to os.Stderr instead.
	Console io.Writer
	// Sensitive lists extra attribute keys to redact.
	Sensitive []string
}

// DefaultSensitiveKeys are always redacted.
var DefaultSensitiveKeys = []string{"password", "secret", "token", "authorization"}

const redacted = "[REDACTED]"

var closers sync.Map

// New creates configured slog.Logger instance. Records go to the console
// through tint and, when File is set, to a rotated JSON file.
func New(o Options) *slog.Logger {
	sensitive := append(append([]string(nil), DefaultSensitiveKeys...), o.Sensitive...)

	handlers := []slog.Handler{NewRedactingHandler(newConsoleHandler(o), sensitive)}

	var closer func() error
	if o.File != "" {
		w := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		closer = w.Close
		fh := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelOr(o.FileLevel, slog.LevelDebug)})
		handlers = append(handlers, NewRedactingHandler(fh, sensitive))
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = NewMultiHandler(handlers...)
	}

	l := slog.New(h).With(
		slog.String("app", o.App),
		slog.String("env", o.Env),
	)
	if closer != nil {
		closers.Store(l, closer)
	}
	return l
}

func newConsoleHandler(o Options) slog.Handler {
	w := o.Console
	if w == nil {
		w = os.Stdout
	}
	opts := &tint.Options{
		Level:      levelOr(o.ConsoleLevel, slog.LevelInfo),
		TimeFormat: time.RFC3339,
		NoColor:    !colorable(w),
	}
	if o.Env == "dev" {
		opts.TimeFormat = time.Kitchen
	}
	return tint.NewHandler(w, opts)
}

// colorable reports whether w is a terminal. Buffers, pipes and files get
// plain text.
func colorable(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Close closes all file handlers to release resources.
// Should be called when shutting down the application.
func Close(logger *slog.Logger) error {
	if c, ok := closers.LoadAndDelete(logger); ok {
		return c.(func() error)()
	}
	return nil
}

// Component returns a child logger tagged with the component name.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", name))
}

// Bytes renders a byte count in IEC units, e.g. "64 KiB".
func Bytes(key string, n uint64) slog.Attr {
	return slog.String(key, humanize.IBytes(n))
}

// ParseLevel maps a config level name to slog.Level. Unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	return levelOr(s, slog.LevelInfo)
}

func levelOr(s string, def slog.Level) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "":
		return def
	default:
		return slog.LevelInfo
	}
}

// RedactingHandler masks sensitive attributes: values of sensitive keys,
// and credentials embedded in URL-shaped strings such as image download
// sources. Groups are walked recursively.
type RedactingHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

// NewRedactingHandler wraps handler with redaction of sensitive fields.
func NewRedactingHandler(inner slog.Handler, sensitive []string) *RedactingHandler {
	m := make(map[string]struct{}, len(sensitive))
	for _, k := range sensitive {
		m[strings.ToLower(k)] = struct{}{}
	}
	return &RedactingHandler{inner: inner, keys: m}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(h.sanitize(a))
		return true
	})
	return h.inner.Handle(ctx, nr)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.sanitize(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(clean), keys: h.keys}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

func (h *RedactingHandler) sanitize(a slog.Attr) slog.Attr {
	if _, ok := h.keys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}

	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, ga := range group {
			clean[i] = h.sanitize(ga)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindString:
		if s, ok := h.redactURL(v.String()); ok {
			return slog.String(a.Key, s)
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

// redactURL masks the password of an http(s) URL and the values of
// sensitive query parameters. It reports false for anything else.
func (h *RedactingHandler) redactURL(s string) (string, bool) {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}

	changed := false
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
		changed = true
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if _, ok := h.keys[strings.ToLower(k)]; ok {
				q.Set(k, redacted)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	if !changed {
		return "", false
	}
	return u.String(), true
}

// MultiHandler fans a record out to several handlers. A failing handler
// does not stop the others; their errors are joined.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler creates a handler that writes to multiple handlers.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled implements slog.Handler.
func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// WithAttrs implements slog.Handler.
func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.each(func(x slog.Handler) slog.Handler { return x.WithAttrs(attrs) })
}

// WithGroup implements slog.Handler.
func (h *MultiHandler) WithGroup(name string) slog.Handler {
	return h.each(func(x slog.Handler) slog.Handler { return x.WithGroup(name) })
}

func (h *MultiHandler) each(fn func(slog.Handler) slog.Handler) *MultiHandler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, x := range h.handlers {
		handlers[i] = fn(x)
	}
	return &MultiHandler{handlers: handlers}
}
