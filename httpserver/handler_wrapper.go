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

package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.airbear.app/ingest/internal/otelutils"
	"go.airbear.app/ingest/internal/version"
	"go.airbear.app/ingest/log"
	"go.gearno.de/crypto/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	handlerWrapper struct {
		next            http.Handler
		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
		requestSize     *prometheus.HistogramVec
		responseSize    *prometheus.HistogramVec
		tracer          trace.Tracer
		logger          *log.Logger
	}
)

const (
	tracerName = "go.airbear.app/ingest/httpserver"
)

func newHandlerWrapper(
	next http.Handler,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
) *handlerWrapper {
	metricLabels := []string{
		"method",
		"host",
		"flavor",
		"status_code",
		"path",
	}

	hw := &handlerWrapper{
		next:   next,
		logger: logger,
		tracer: tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		),
	}

	hw.requestsTotal = registerCounterVec(
		registerer,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "http_server",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests made.",
			},
			metricLabels,
		),
	)

	hw.requestDuration = registerHistogramVec(
		registerer,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "http_server",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			metricLabels,
		),
	)

	hw.requestSize = registerHistogramVec(
		registerer,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "http_server",
				Name:      "request_size_bytes",
				Help:      "Size of the HTTP request in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
			},
			metricLabels,
		),
	)

	hw.responseSize = registerHistogramVec(
		registerer,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "http_server",
				Name:      "response_size_bytes",
				Help:      "Size of HTTP responses in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
			},
			metricLabels,
		),
	)

	return hw
}

func registerCounterVec(r prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := r.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return c
}

func registerHistogramVec(r prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := r.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return h
}

func (hw *handlerWrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Bypass for OPTIONS request to avoid telemetry, metrics and
	// logging noise.
	if r.Method == http.MethodOptions {
		hw.next.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/health" {
		RenderJSON(w, http.StatusOK, struct{}{})
		return
	}

	var (
		r2        = r.Clone(r.Context())
		ctx       = r2.Context()
		start     = time.Now()
		requestID = r2.Header.Get("x-request-id")
		clientIP  = ClientIP(r2)
		path      = otelutils.ToValidUTF8(r2.URL.Path)
		host      = otelutils.ToValidUTF8(r2.Host)
		userAgent = otelutils.ToValidUTF8(r2.UserAgent())
		ww        = middleware.NewWrapResponseWriter(w, r2.ProtoMajor)
		logger    = hw.logger.With(
			log.String("http_request_method", r2.Method),
			log.String("http_request_host", host),
			log.String("http_request_path", path),
			log.String("http_request_flavor", r2.Proto),
			log.String("http_request_user_agent", userAgent),
			log.String("http_request_client_ip", clientIP),
		)
	)

	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			logger.ErrorCtx(ctx, "cannot generate request id", log.Error(err))
		}

		requestID = id.String()
	}
	r2.Header.Set("x-request-id", requestID)
	ww.Header().Set("x-request-id", requestID)
	logger = logger.With(log.String("http_request_id", requestID))

	propagator := otel.GetTextMapPropagator()
	ctx = propagator.Extract(ctx, propagation.HeaderCarrier(r2.Header))

	ctx, span := hw.tracer.Start(
		ctx,
		fmt.Sprintf("%s %s", r2.Method, path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.NetworkPeerAddress(clientIP),
			semconv.URLScheme(scheme(r2)),
			semconv.HTTPRequestMethodKey.String(r2.Method),
			semconv.URLPath(path),
			semconv.ServerAddress(host),
			semconv.UserAgentOriginal(userAgent),
			attribute.String("http.flavor", r2.Proto),
			attribute.String("http.request_id", requestID),
		),
	)
	defer span.End()

	// Hack to get route pattern from Chi. As today using the STD
	// router will require to much works to have proper sub router
	// support, a task for later.
	ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())

	defer func() {
		duration := time.Since(start)
		hasPanic := false
		rvr := recover()
		if rvr != nil {
			hasPanic = true

			if err, ok := rvr.(error); ok {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Error, fmt.Sprintf("%v", rvr))
			}

			stack := make([]byte, 4096)
			length := runtime.Stack(stack, false)

			logger = logger.With(
				log.Any("error", rvr),
				log.String("stacktrace", string(stack[:length])),
			)

			if ww.Status() == 0 {
				RenderError(ww, http.StatusInternalServerError)
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metricLabels := prometheus.Labels{
			"method":      r2.Method,
			"host":        host,
			"flavor":      r2.Proto,
			"status_code": strconv.Itoa(status),
			"path":        chi.RouteContext(ctx).RoutePattern(),
		}

		hw.requestsTotal.With(metricLabels).Inc()
		hw.requestDuration.With(metricLabels).Observe(duration.Seconds())
		hw.requestSize.With(metricLabels).Observe(estimateRequestSize(r))
		hw.responseSize.With(metricLabels).Observe(float64(ww.BytesWritten()))

		msg := fmt.Sprintf(
			"%s %s %d %s %s",
			r2.Method,
			path,
			status,
			formatSize(ww.BytesWritten()),
			duration,
		)

		logger = logger.With(
			log.Int("http_response_size", ww.BytesWritten()),
			log.Int("http_response_status", status),
		)

		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status > 499 && !hasPanic {
			span.SetStatus(codes.Error, fmt.Sprintf("%d status code", status))
		}

		if status > 499 || hasPanic {
			logger.ErrorCtx(ctx, msg)
		} else {
			logger.InfoCtx(ctx, msg)
		}
	}()

	hw.next.ServeHTTP(ww, r2.WithContext(ctx))
}

func scheme(r *http.Request) string {
	if proto := r.Header.Get("x-forwarded-proto"); proto != "" {
		return proto
	}

	if r.TLS != nil {
		return "https"
	}

	return "http"
}

func formatSize(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%dB", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fkB", float64(n)/1e3)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fMB", float64(n)/1e6)
	default:
		return fmt.Sprintf("%.1fGB", float64(n)/1e9)
	}
}

func estimateRequestSize(r *http.Request) float64 {
	s := 0
	if r.URL != nil {
		s = len(r.URL.Path)
	}

	s += len(r.Method)
	s += len(r.Proto)
	for name, values := range r.Header {
		s += len(name)
		for _, value := range values {
			s += len(value)
		}
	}
	s += len(r.Host)

	// NOTE: r.Form and r.MultipartForm are assumed to be included
	// in r.URL.

	if r.ContentLength != -1 {
		s += int(r.ContentLength)
	}

	return float64(s)
}
