package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// PrettyHandler renders records as
//
//	15:04:05.000 INF message key=value ...
//
// with ANSI colors.
type PrettyHandler struct {
	level  slog.Leveler
	w      io.Writer
	mu     *sync.Mutex
	prefix string
	attrs  []slog.Attr
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, ansiGray...)
	buf = r.Time.AppendFormat(buf, "15:04:05.000")
	buf = append(buf, ansiReset...)
	buf = append(buf, ' ')

	buf = append(buf, levelTag(r.Level)...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	first := true
	emit := func(a slog.Attr, prefix string) {
		if first {
			buf = append(buf, ansiCyan...)
			first = false
		}
		buf = append(buf, ' ')
		buf = appendAttr(buf, a, prefix)
	}
	for _, a := range h.attrs {
		emit(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		emit(a, h.prefix)
		return true
	})
	if !first {
		buf = append(buf, ansiReset...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs keys attrs under the current group.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed + "ERR" + ansiReset
	case l >= slog.LevelWarn:
		return ansiYellow + "WRN" + ansiReset
	case l >= slog.LevelInfo:
		return ansiGreen + "INF" + ansiReset
	default:
		return ansiDim + "DBG" + ansiReset
	}
}

func appendAttr(buf []byte, a slog.Attr, prefix string) []byte {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for i, ga := range a.Value.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, ga, p)
		}
		return buf
	}

	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	switch a.Value.Kind() {
	case slog.KindString:
		s := a.Value.String()
		if needsQuoting(s) {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	case slog.KindTime:
		return a.Value.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindDuration:
		return append(buf, a.Value.Duration().String()...)
	default:
		return fmt.Append(buf, a.Value.Any())
	}
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c <= ' ' || c == '"' || c == '=' {
			return true
		}
	}
	return false
}
