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

package otelutils

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
)

type (
	// TracerProvider hands out tracers whose spans repair every string
	// they record: names, status descriptions, errors, events, links
	// and string attributes.
	TracerProvider struct {
		embedded.TracerProvider

		next trace.TracerProvider
	}

	tracer struct {
		embedded.Tracer

		next trace.Tracer
		tp   *TracerProvider
	}

	span struct {
		embedded.Span

		next trace.Span
		tp   *TracerProvider
	}
)

var (
	_ trace.TracerProvider = (*TracerProvider)(nil)
	_ trace.Tracer         = (*tracer)(nil)
	_ trace.Span           = (*span)(nil)
)

// WrapTracerProvider wraps next. Wrapping an already wrapped provider
// returns it as is.
func WrapTracerProvider(next trace.TracerProvider) trace.TracerProvider {
	if next == nil {
		return nil
	}

	if tp, ok := next.(*TracerProvider); ok {
		return tp
	}

	return &TracerProvider{next: next}
}

func (tp *TracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return &tracer{
		next: tp.next.Tracer(ToValidUTF8(name), options...),
		tp:   tp,
	}
}

func (t *tracer) Start(ctx context.Context, name string, options ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(options...)

	opts := []trace.SpanStartOption{
		trace.WithSpanKind(cfg.SpanKind()),
		trace.WithAttributes(sanitizeAttributes(cfg.Attributes())...),
		trace.WithLinks(sanitizeLinks(cfg.Links())...),
	}
	if cfg.NewRoot() {
		opts = append(opts, trace.WithNewRoot())
	}
	if ts := cfg.Timestamp(); !ts.IsZero() {
		opts = append(opts, trace.WithTimestamp(ts))
	}

	ctx, s := t.next.Start(ctx, ToValidUTF8(name), opts...)

	return ctx, &span{next: s, tp: t.tp}
}

func (s *span) End(options ...trace.SpanEndOption) { s.next.End(options...) }
func (s *span) SpanContext() trace.SpanContext     { return s.next.SpanContext() }
func (s *span) IsRecording() bool                  { return s.next.IsRecording() }
func (s *span) SetName(name string)                { s.next.SetName(ToValidUTF8(name)) }

// TracerProvider returns the wrapper so tracers obtained from a span
// keep repairing strings.
func (s *span) TracerProvider() trace.TracerProvider { return s.tp }

func (s *span) SetStatus(code codes.Code, description string) {
	s.next.SetStatus(code, ToValidUTF8(description))
}

func (s *span) SetAttributes(kv ...attribute.KeyValue) {
	s.next.SetAttributes(sanitizeAttributes(kv)...)
}

func (s *span) AddEvent(name string, options ...trace.EventOption) {
	s.next.AddEvent(ToValidUTF8(name), sanitizeEventOptions(options)...)
}

func (s *span) AddLink(link trace.Link) {
	s.next.AddLink(sanitizeLinks([]trace.Link{link})[0])
}

func (s *span) RecordError(err error, options ...trace.EventOption) {
	s.next.RecordError(SanitizeError(err), sanitizeEventOptions(options)...)
}

func sanitizeEventOptions(options []trace.EventOption) []trace.EventOption {
	cfg := trace.NewEventConfig(options...)

	opts := []trace.EventOption{
		trace.WithTimestamp(cfg.Timestamp()),
		trace.WithStackTrace(cfg.StackTrace()),
	}
	if attrs := cfg.Attributes(); len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(sanitizeAttributes(attrs)...))
	}

	return opts
}

func sanitizeLinks(links []trace.Link) []trace.Link {
	out := make([]trace.Link, len(links))
	for i, l := range links {
		out[i] = trace.Link{
			SpanContext: l.SpanContext,
			Attributes:  sanitizeAttributes(l.Attributes),
		}
	}

	return out
}

func sanitizeAttributes(kvs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(kvs))
	for _, kv := range kvs {
		if !kv.Valid() {
			continue
		}

		key := attribute.Key(ToValidUTF8(string(kv.Key)))

		switch kv.Value.Type() {
		case attribute.STRING:
			out = append(out, key.String(ToValidUTF8(kv.Value.AsString())))
		case attribute.STRINGSLICE:
			values := append([]string(nil), kv.Value.AsStringSlice()...)
			for i, v := range values {
				values[i] = ToValidUTF8(v)
			}
			out = append(out, key.StringSlice(values))
		default:
			out = append(out, attribute.KeyValue{Key: key, Value: kv.Value})
		}
	}

	return out
}
