// Package logging configures slog so that personal data never reaches the
// logs: every string attribute passes through the trace masker.
package logging

import (
	"io"
	"log/slog"

	"github.com/roach88/quill/internal/trace"
)

// Options configures the handler.
type Options struct {
	Level  slog.Level
	Format string // "text" | "json"
	Masker *trace.Masker
}

// New returns a logger writing to w. A nil Masker uses the default rules.
func New(w io.Writer, opts Options) *slog.Logger {
	m := opts.Masker
	if m == nil {
		m = trace.DefaultMasker()
	}
	ho := &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: ReplaceAttr(m),
	}
	var h slog.Handler
	if opts.Format == "json" {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	return slog.New(h)
}

// Setup installs a logger built by New as the slog default.
func Setup(w io.Writer, opts Options) *slog.Logger {
	l := New(w, opts)
	slog.SetDefault(l)
	return l
}

// ReplaceAttr masks string and error attributes. Values under sensitive keys
// are replaced entirely.
func ReplaceAttr(m *trace.Masker) func(groups []string, a slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey || a.Key == slog.LevelKey {
			return a
		}
		v := a.Value.Resolve()
		switch v.Kind() {
		case slog.KindString:
			if m.IsSensitiveField(a.Key) {
				return slog.String(a.Key, m.Marker())
			}
			masked, _ := m.MaskString(v.String())
			return slog.String(a.Key, masked)
		case slog.KindAny:
			if err, ok := v.Any().(error); ok {
				masked, _ := m.MaskString(err.Error())
				return slog.String(a.Key, masked)
			}
		}
		if m.IsSensitiveField(a.Key) {
			return slog.String(a.Key, m.Marker())
		}
		return a
	}
}
