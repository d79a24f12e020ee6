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

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.airbear.app/ingest/internal/version"
	"go.airbear.app/ingest/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter is a fixed window rate limiter over a Store.
	Limiter struct {
		store      Store
		logger     *log.Logger
		tracer     trace.Tracer
		registerer prometheus.Registerer
		now        func() time.Time

		cleanupInterval time.Duration
		cleanupOnce     sync.Once
		maxWindow       atomic.Int64

		requestsTotal    *prometheus.CounterVec
		checkDuration    *prometheus.HistogramVec
		storeErrorsTotal *prometheus.CounterVec
	}

	// Rate defines the rate limit parameters.
	Rate struct {
		// Limit is the maximum number of requests admitted within a
		// window.
		Limit int

		// Window is the duration of a window.
		Window time.Duration
	}

	// Result contains the outcome of a rate limit check.
	Result struct {
		Allowed bool

		Limit int

		// Count is the number of requests observed in the current
		// window, this one included.
		Count int

		Remaining int

		// ResetAt is the instant after which the window is over.
		ResetAt time.Time
	}
)

const (
	tracerName = "go.airbear.app/ingest/ratelimit"
)

var (
	ErrInvalidRate = errors.New("rate limit and window must be positive")
)

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(l *Limiter) {
		l.store = s
	}
}

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerer = r
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithCleanupInterval sets the interval of the background sweep of
// expired buckets. Default is 5 minutes.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.cleanupInterval = d
	}
}

// NewLimiter creates a limiter. Without WithStore buckets are kept in
// memory.
func NewLimiter(options ...Option) *Limiter {
	l := &Limiter{
		store:           NewMemoryStore(),
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		tracer:          otel.GetTracerProvider().Tracer(tracerName),
		registerer:      prometheus.DefaultRegisterer,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
	}

	for _, o := range options {
		o(l)
	}

	l.registerMetrics(l.registerer)

	return l
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Total number of rate limit checks.",
		},
		[]string{"namespace", "allowed"},
	)
	if err := r.Register(l.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of rate limit checks in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"namespace", "allowed"},
	)
	if err := r.Register(l.checkDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.checkDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	l.storeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Total number of rate limit checks that failed in the store.",
		},
		[]string{"namespace"},
	)
	if err := r.Register(l.storeErrorsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.storeErrorsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Admit reports whether one more request for key fits in the current
// window of limit requests per window. It never fails: when the store
// errors the failure is logged and the request is admitted.
func (l *Limiter) Admit(ctx context.Context, key string, limit int, window time.Duration) bool {
	result, err := l.Allow(ctx, key, Rate{Limit: limit, Window: window})
	if err != nil {
		l.storeErrorsTotal.WithLabelValues(namespaceOf(key)).Inc()
		l.logger.ErrorCtx(ctx, "cannot check rate limit, admitting request",
			log.String("namespace", namespaceOf(key)),
			log.Error(err),
		)
		return true
	}

	return result.Allowed
}

// Allow counts one request for key and returns whether it is admitted.
func (l *Limiter) Allow(ctx context.Context, key string, rate Rate) (*Result, error) {
	if rate.Limit <= 0 || rate.Window <= 0 {
		return nil, ErrInvalidRate
	}

	var (
		start    = time.Now()
		ns       = namespaceOf(key)
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Allow",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.namespace", ns),
				attribute.Int("ratelimit.limit", rate.Limit),
				attribute.Int64("ratelimit.window_ms", rate.Window.Milliseconds()),
			),
		)
		defer span.End()
	}

	l.trackWindow(rate.Window)

	bucket, err := l.store.Increment(ctx, key, rate.Window, l.now())
	if err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, fmt.Errorf("cannot increment bucket: %w", err)
	}

	allowed := bucket.Count <= rate.Limit
	remaining := max(rate.Limit-bucket.Count, 0)

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", allowed),
			attribute.Int("ratelimit.count", bucket.Count),
			attribute.Int("ratelimit.remaining", remaining),
		)
	}

	l.recordMetrics(ns, allowed, time.Since(start))

	return &Result{
		Allowed:   allowed,
		Limit:     rate.Limit,
		Count:     bucket.Count,
		Remaining: remaining,
		ResetAt:   bucket.WindowStart.Add(rate.Window),
	}, nil
}

// trackWindow remembers the largest window seen so the cleanup loop
// never removes a bucket whose window is still open.
func (l *Limiter) trackWindow(w time.Duration) {
	for {
		current := l.maxWindow.Load()
		if int64(w) <= current || l.maxWindow.CompareAndSwap(current, int64(w)) {
			return
		}
	}
}

func (l *Limiter) recordMetrics(namespace string, allowed bool, duration time.Duration) {
	allowedStr := "true"
	if !allowed {
		allowedStr = "false"
	}

	l.requestsTotal.WithLabelValues(namespace, allowedStr).Inc()
	l.checkDuration.WithLabelValues(namespace, allowedStr).Observe(duration.Seconds())
}
