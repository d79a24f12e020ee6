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

// Package log is a thin structured logger over log/slog. Every entry
// carries the logger name and, when the context holds a recording span,
// the trace and span ids.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger represents a structured logger with tracing and
	// flexible output configuration.
	Logger struct {
		logger     *slog.Logger
		output     io.Writer
		format     Format
		path       string
		level      *slog.LevelVar
		attributes []Attr
	}

	// Option configures Logger during initialization.
	Option func(l *Logger)

	// Level defines log levels for filtering log messages.
	Level = slog.Level

	// Attr represents an attribute (key-value pair) added to log
	// entries for structured logging.
	Attr = slog.Attr

	// Format selects the entry encoding.
	Format string
)

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

var (
	LevelInfo  = slog.LevelInfo
	LevelError = slog.LevelError
	LevelWarn  = slog.LevelWarn
	LevelDebug = slog.LevelDebug
)

// WithLevel sets the logging level for the Logger.
func WithLevel(level slog.Level) Option {
	return func(l *Logger) {
		l.level.Set(level)
	}
}

// WithOutput directs the log output to the specified io.Writer.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) {
		l.output = w
	}
}

// WithFormat selects JSON (default) or colored human readable output.
func WithFormat(f Format) Option {
	return func(l *Logger) {
		l.format = f
	}
}

// WithName assigns a name to the Logger, useful for identifying the
// logging source in a multi-module setup.
func WithName(name string) Option {
	return func(l *Logger) {
		l.path = name
	}
}

// WithAttributes assigns default attributes to all log entries for
// the Logger.
func WithAttributes(attrs ...Attr) Option {
	return func(l *Logger) {
		l.attributes = attrs
	}
}

// ParseLevel maps a configuration string to a Level.
func ParseLevel(s string) (Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}

	return level, nil
}

func Any(k string, v any) Attr {
	return slog.Any(k, v)
}

func Bool(k string, v bool) Attr {
	return slog.Bool(k, v)
}

func Duration(k string, v time.Duration) Attr {
	return slog.Duration(k, v)
}

func Float64(k string, v float64) Attr {
	return slog.Float64(k, v)
}

func Int(k string, v int) Attr {
	return slog.Int(k, v)
}

func Int64(k string, v int64) Attr {
	return slog.Int64(k, v)
}

func String(k, v string) Attr {
	return slog.String(k, v)
}

func Time(k string, v time.Time) Attr {
	return slog.Time(k, v)
}

// Error creates an attribute from an error, storing the error message
// as a string.
func Error(err error) Attr {
	return String("error", err.Error())
}

// NewLogger initializes a new Logger with optional configurations for
// level, output, format and default attributes.
func NewLogger(options ...Option) *Logger {
	l := &Logger{
		output: os.Stderr,
		format: FormatJSON,
		level:  new(slog.LevelVar),
	}

	for _, option := range options {
		option(l)
	}

	opts := &slog.HandlerOptions{Level: l.level}

	var handler slog.Handler
	switch l.format {
	case FormatPretty:
		handler = NewPrettyHandler(l.output, opts)
	default:
		handler = slog.NewJSONHandler(l.output, opts)
	}

	if l.path != "" {
		handler = handler.WithAttrs([]Attr{String("name", l.path)})
	}

	l.logger = slog.New(handler)

	return l
}

func (l *Logger) options() []Option {
	return []Option{
		WithName(l.path),
		WithOutput(l.output),
		WithFormat(l.format),
		WithLevel(l.level.Level()),
	}
}

// With returns a new Logger with additional attributes, keeping the
// original Logger’s name and settings.
func (l *Logger) With(attrs ...Attr) *Logger {
	merged := make([]Attr, 0, len(l.attributes)+len(attrs))
	merged = append(merged, l.attributes...)
	merged = append(merged, attrs...)

	return NewLogger(append(l.options(), WithAttributes(merged...))...)
}

// Named returns a new Logger with a modified name, appending the
// given name to the current Logger’s path.
func (l *Logger) Named(name string, options ...Option) *Logger {
	newPath := l.path
	if newPath != "" {
		newPath += "."
	}
	newPath += name

	opts := append(l.options(), WithAttributes(l.attributes...))
	opts = append(opts, options...)
	opts = append(opts, WithName(newPath))

	return NewLogger(opts...)
}

// Log logs a message at the specified level with optional attributes,
// adding trace and span IDs if the context has a span.
func (l *Logger) Log(ctx context.Context, level Level, msg string, args ...Attr) {
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		var (
			spanCtx = span.SpanContext()
			traceID = spanCtx.TraceID().String()
			spanID  = spanCtx.SpanID().String()
		)

		args = append(
			args,
			slog.String("trace_id", traceID),
			slog.String("span_id", spanID),
		)
	}

	attrs := make([]Attr, 0, len(l.attributes)+len(args))
	attrs = append(attrs, l.attributes...)
	attrs = append(attrs, args...)

	l.logger.LogAttrs(ctx, level, msg, attrs...)
}

func (l *Logger) Info(msg string, args ...Attr) {
	l.Log(context.Background(), LevelInfo, msg, args...)
}

func (l *Logger) InfoCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelInfo, msg, args...)
}

func (l *Logger) Error(msg string, args ...Attr) {
	l.Log(context.Background(), LevelError, msg, args...)
}

func (l *Logger) ErrorCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelError, msg, args...)
}

func (l *Logger) Warn(msg string, args ...Attr) {
	l.Log(context.Background(), LevelWarn, msg, args...)
}

func (l *Logger) WarnCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelWarn, msg, args...)
}

func (l *Logger) Debug(msg string, args ...Attr) {
	l.Log(context.Background(), LevelDebug, msg, args...)
}

func (l *Logger) DebugCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelDebug, msg, args...)
}
