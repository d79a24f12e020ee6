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

// Package ingest serves the public telemetry write endpoints. Each
// request is rate limited per caller, authenticated with a shared
// ingest token, scrubbed of personal data, hashed and persisted.
package ingest

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.airbear.app/ingest/httpserver"
	"go.airbear.app/ingest/log"
	"go.airbear.app/ingest/pii"
	"go.airbear.app/ingest/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	Config struct {
		// Token is the shared secret expected in the
		// x-airbear-ingest-token header. An empty token rejects every
		// request.
		Token string
	}

	Option func(h *Handler)

	Handler struct {
		router   chi.Router
		store    Store
		limiter  *ratelimit.Limiter
		scrubber pii.Scrubber
		token    [sha256.Size]byte
		hasToken bool
		logger   *log.Logger
		now      func() time.Time

		requestsTotal *prometheus.CounterVec
	}

	endpoint struct {
		name      string
		namespace string
		table     string
		rate      ratelimit.Rate
		build     func(body map[string]any) (persist func(context.Context) error, err error)
	}
)

const (
	TokenHeader = "x-airbear-ingest-token"

	// MaxBodySize bounds the size of a telemetry payload.
	MaxBodySize = 64 << 10

	outcomeAccepted     = "accepted"
	outcomeRateLimited  = "rate_limited"
	outcomeUnauthorized = "unauthorized"
	outcomeBadRequest   = "bad_request"
	outcomeStoreError   = "store_error"

	healthCheckTimeout = 2 * time.Second
)

var (
	ClientErrorRate = ratelimit.Rate{Limit: 30, Window: 60 * time.Second}
	SuggestionRate  = ratelimit.Rate{Limit: 10, Window: 60 * time.Second}

	okResponse = map[string]bool{"ok": true}
)

func WithLogger(l *log.Logger) Option {
	return func(h *Handler) {
		h.logger = l.Named("ingest")
	}
}

func WithScrubber(s pii.Scrubber) Option {
	return func(h *Handler) {
		h.scrubber = s
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(h *Handler) {
		h.registerMetrics(r)
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler returns the ingest API. Routes are relative, the handler
// is meant to be mounted under /api.
func NewHandler(cfg Config, store Store, limiter *ratelimit.Limiter, options ...Option) *Handler {
	h := &Handler{
		store:    store,
		limiter:  limiter,
		scrubber: pii.Default,
		token:    sha256.Sum256([]byte(cfg.Token)),
		hasToken: cfg.Token != "",
		logger:   log.NewLogger(log.WithOutput(io.Discard)),
		now:      time.Now,
	}

	h.registerMetrics(prometheus.NewRegistry())

	for _, o := range options {
		o(h)
	}

	router := chi.NewRouter()
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderError(w, http.StatusNotFound)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderError(w, http.StatusMethodNotAllowed)
	})

	router.Post("/client-error", h.serve(h.clientErrorEndpoint()))
	router.Post("/suggestion", h.serve(h.suggestionEndpoint()))
	router.Get("/health", h.health)

	h.router = router

	return h
}

func (h *Handler) registerMetrics(r prometheus.Registerer) {
	h.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ingest",
			Name:      "requests_total",
			Help:      "Total number of telemetry ingest requests by outcome.",
		},
		[]string{"endpoint", "outcome"},
	)
	if err := r.Register(h.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			h.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) clientErrorEndpoint() endpoint {
	return endpoint{
		name:      "client-error",
		namespace: ratelimit.NamespaceClientError,
		table:     TableClientErrorReports,
		rate:      ClientErrorRate,
		build: func(body map[string]any) (func(context.Context) error, error) {
			report, err := NewErrorReport(body, h.scrubber)
			if err != nil {
				return nil, err
			}

			return func(ctx context.Context) error {
				return h.store.InsertErrorReport(ctx, report)
			}, nil
		},
	}
}

func (h *Handler) suggestionEndpoint() endpoint {
	return endpoint{
		name:      "suggestion",
		namespace: ratelimit.NamespaceSuggestion,
		table:     TableUserSuggestions,
		rate:      SuggestionRate,
		build: func(body map[string]any) (func(context.Context) error, error) {
			suggestion, err := NewSuggestion(body, h.scrubber)
			if err != nil {
				return nil, err
			}

			return func(ctx context.Context) error {
				return h.store.InsertSuggestion(ctx, suggestion)
			}, nil
		},
	}
}

// serve runs the admission sequence shared by the write endpoints.
// The order of the checks is part of the contract: rate limit, then
// token, then body.
func (h *Handler) serve(e endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			ctx  = r.Context()
			span = trace.SpanFromContext(ctx)
		)

		reject := func(status int, outcome string) {
			span.SetAttributes(attribute.String("ingest.outcome", outcome))
			h.requestsTotal.WithLabelValues(e.name, outcome).Inc()
			httpserver.RenderError(w, status)
		}

		ip := httpserver.ClientIP(r)
		if !h.limiter.Admit(ctx, ratelimit.Key(e.namespace, ip), e.rate.Limit, e.rate.Window) {
			reject(http.StatusTooManyRequests, outcomeRateLimited)
			return
		}

		if !h.authorized(r.Header.Get(TokenHeader)) {
			reject(http.StatusUnauthorized, outcomeUnauthorized)
			return
		}

		body, err := decodeBody(w, r)
		if err != nil {
			reject(http.StatusBadRequest, outcomeBadRequest)
			return
		}

		persist, err := e.build(body)
		if err != nil {
			reject(http.StatusBadRequest, outcomeBadRequest)
			return
		}

		if err := persist(ctx); err != nil {
			h.logger.ErrorCtx(
				ctx,
				"cannot persist telemetry",
				log.String("kind", "telemetry_insert_failed"),
				log.String("table", e.table),
				log.Error(err),
			)
			span.RecordError(err)
			reject(http.StatusInternalServerError, outcomeStoreError)
			return
		}

		span.SetAttributes(attribute.String("ingest.outcome", outcomeAccepted))
		h.requestsTotal.WithLabelValues(e.name, outcomeAccepted).Inc()
		httpserver.RenderJSON(w, http.StatusOK, okResponse)
	}
}

// authorized compares digests so the comparison time depends neither
// on the content nor on the length of the presented token.
func (h *Handler) authorized(presented string) bool {
	if !h.hasToken {
		return false
	}

	digest := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(digest[:], h.token[:]) == 1
}

// decodeBody reads a single JSON object of at most MaxBodySize bytes.
func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}

	body, ok := v.(map[string]any)
	if !ok {
		return nil, ErrInvalidBody
	}

	return body, nil
}

type (
	healthCheck struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}

	healthReport struct {
		Timestamp time.Time              `json:"timestamp"`
		Status    string                 `json:"status"`
		Checks    map[string]healthCheck `json:"checks"`
	}
)

const (
	healthy   = "healthy"
	unhealthy = "unhealthy"
)

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Timestamp: h.now().UTC(),
		Status:    healthy,
		Checks:    make(map[string]healthCheck, 2),
	}

	if h.hasToken {
		report.Checks["ingest_token"] = healthCheck{Status: healthy, Message: "Configured"}
	} else {
		report.Checks["ingest_token"] = healthCheck{Status: unhealthy, Message: "Missing"}
		report.Status = unhealthy
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.WarnCtx(ctx, "store health check failed", log.Error(err))
		report.Checks["store"] = healthCheck{Status: unhealthy, Message: "Unreachable"}
		report.Status = unhealthy
	} else {
		report.Checks["store"] = healthCheck{Status: healthy, Message: "Reachable"}
	}

	status := http.StatusOK
	if report.Status != healthy {
		status = http.StatusServiceUnavailable
	}

	httpserver.RenderJSON(w, status, report)
}
