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

package httpclient

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.airbear.app/ingest/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTelemetryRoundTripper(t *testing.T) {
	var seen http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	var logBuf bytes.Buffer
	registry := prometheus.NewRegistry()
	client := DefaultPooledClient(
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(registry),
	)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rest/v1/user_suggestions?apikey=secret", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, seen.Get("x-request-id"))

	assert.Contains(t, logBuf.String(), "/rest/v1/user_suggestions")
	assert.Contains(t, logBuf.String(), `"name":"http.client"`)
	assert.NotContains(t, logBuf.String(), "secret")

	count, err := testutil.GatherAndCount(registry, "http_client_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTelemetryRoundTripper_Tracing(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var traceparent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)

	client := DefaultClient(
		WithTracerProvider(tp),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ctx, root := tp.Tracer("test").Start(context.Background(), "root")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/repos", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	root.End()

	assert.NotEmpty(t, traceparent)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET "+req.URL.Host, spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}

func TestTelemetryRoundTripper_TransportError(t *testing.T) {
	var logBuf bytes.Buffer
	client := DefaultClient(
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
	)

	_, err := client.Get("http://127.0.0.1:1/unreachable")
	require.Error(t, err)
	assert.Contains(t, logBuf.String(), "cannot execute http transaction")
}
