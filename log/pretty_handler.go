// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// PrettyHandler is a colored slog handler meant for terminals.
type PrettyHandler struct {
	groups []string
	attrs  []slog.Attr

	opts slog.HandlerOptions

	mu  *sync.Mutex
	out io.Writer
}

var (
	LevelTags = map[slog.Level]string{
		slog.LevelDebug: color.New(color.FgWhite, color.Bold).Sprint("DEBUG"),
		slog.LevelInfo:  color.New(color.FgBlue, color.Bold).Sprint("INFO"),
		slog.LevelWarn:  color.New(color.FgYellow, color.Bold).Sprint("WARN"),
		slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERROR"),
	}

	faint    = color.New(color.Faint)
	faintB   = color.New(color.Faint, color.Bold)
	message  = color.New(color.FgHiWhite)
	valueCol = color.New(color.FgWhite)
	errorKey = color.New(color.FgRed)

	bufPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}

	_ slog.Handler = (*PrettyHandler)(nil)
)

func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{out: out, mu: &sync.Mutex{}}
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	h.opts = *opts

	return h
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		groups: append([]string(nil), h.groups...),
		attrs:  append([]slog.Attr(nil), h.attrs...),
		opts:   h.opts,
		mu:     h.mu,
		out:    h.out,
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}

	return level >= threshold
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	bf := bufPool.Get().(*bytes.Buffer)
	bf.Reset()
	defer bufPool.Put(bf)

	var (
		name       string
		stacktrace string
		attrs      = make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	)

	collect := func(a slog.Attr) bool {
		switch a.Key {
		case "name":
			name = a.Value.String()
		case "stack", "stacktrace":
			stacktrace = a.Value.String()
		default:
			attrs = append(attrs, a)
		}
		return true
	}

	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	fmt.Fprint(bf, faint.Sprint(r.Time.Format(time.RFC3339)), " ", LevelTags[r.Level], " ")

	if name != "" {
		fmt.Fprint(bf, faintB.Sprint(name), " ")
	}

	fmt.Fprint(bf, message.Sprint(r.Message))

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range attrs {
		key := prefix + a.Key
		value := valueCol.Sprint(a.Value.String())
		if strings.Contains(a.Key, "err") {
			fmt.Fprint(bf, " ", errorKey.Sprintf("%s=", key), value)
		} else {
			fmt.Fprint(bf, " ", faint.Sprintf("%s=", key), value)
		}
	}

	if stacktrace != "" {
		fmt.Fprint(bf, "\n", stacktrace)
	}

	bf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.out.Write(bf.Bytes())
	return err
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	h2 := h.clone()
	h2.groups = append(h2.groups, name)
	return h2
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	h2.attrs = append(h2.attrs, attrs...)
	return h2
}
