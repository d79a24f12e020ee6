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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.airbear.app/ingest/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// setupTracerProvider creates a tracer provider with a span recorder for testing
func setupTracerProvider() (trace.TracerProvider, *tracetest.SpanRecorder) {
	spanRecorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(spanRecorder),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tracerProvider, spanRecorder
}

func TestHTTPServer_BasicOperation(t *testing.T) {
	// Set up the tracer provider
	tracerProvider, spanRecorder := setupTracerProvider()
	defer func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}()

	// Create a test handler
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Create a logger that writes to a buffer
	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	// Create a test registry for metrics
	registry := prometheus.NewRegistry()

	// Set up the server
	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(registry),
		WithTracerProvider(tracerProvider),
	)

	// Create a test server
	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	// Make a test request
	req, err := http.NewRequest("GET", ts.URL+"/test", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")

	// Send the request
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Check response
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, string(body))

	// Check that request ID was set
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	// Check logs
	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "http_request_method")
	assert.Contains(t, logOutput, "/test")
	assert.Contains(t, logOutput, "test-agent")
	assert.Contains(t, logOutput, "200")

	// Check metrics
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	assert.Greater(t, len(metricFamilies), 0)

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /test", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}

// mockPanicHandler is a handler that always panics
type mockPanicHandler struct{}

func (h *mockPanicHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	panic("test panic")
}

func TestHTTPServer_PanicHandling(t *testing.T) {
	// Set up the tracer provider
	tracerProvider, _ := setupTracerProvider()
	defer func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}()

	// Create a handler that panics
	panicHandler := &mockPanicHandler{}

	// Create a logger that writes to a buffer
	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	// Create a test registry for metrics
	registry := prometheus.NewRegistry()

	// Set up the server
	server := NewServer(":8080", panicHandler,
		WithLogger(logger),
		WithRegisterer(registry),
		WithTracerProvider(tracerProvider),
	)

	// Create a test server
	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	// Make a test request
	resp, err := http.Get(ts.URL + "/panic")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Check response
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// Check response body
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var respBody map[string]any
	err = json.Unmarshal(body, &respBody)
	require.NoError(t, err)
	assert.Equal(t, false, respBody["ok"])

	// Check logs
	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "/panic")
	assert.Contains(t, logOutput, "500")
	assert.Contains(t, logOutput, "test panic")
	assert.Contains(t, logOutput, "stacktrace")

	// Check metrics
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	assert.Greater(t, len(metricFamilies), 0)

	// Verify panic handling works properly (it doesn't crash the server)
	assert.NotPanics(t, func() {
		resp, err := http.Get(ts.URL + "/panic")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestHTTPServer_Propagation(t *testing.T) {
	// Create a test handler that logs the HTTP headers for verification
	var requestHeaders http.Header
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})

	// Create a logger that writes to a buffer
	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	// Set up a test provider
	tracerProvider, _ := setupTracerProvider()
	defer func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}()

	// Set up the server
	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(prometheus.NewRegistry()),
		WithTracerProvider(tracerProvider),
	)

	// Create a test server
	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	// Create a request
	req, err := http.NewRequest("GET", ts.URL+"/test", nil)
	require.NoError(t, err)

	// Add a traceparent header to test propagation
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01")

	// Send the request
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Check response
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Verify request ID is present
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	// Verify the trace header was received by the handler
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01",
		requestHeaders.Get("traceparent"))
}

// TestHTTPServer_Metrics tests the metrics collection
func TestHTTPServer_Metrics(t *testing.T) {
	// Create a test handler that introduces various response sizes and timing
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fast":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		case "/slow":
			time.Sleep(50 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok","data":"` + strings.Repeat("x", 1000) + `"}`))
		case "/error":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"bad request"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	// Create a logger that writes to a buffer
	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	// Create a test registry for metrics
	registry := prometheus.NewRegistry()

	// Set up the server
	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(registry),
	)

	// Create a test server
	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	// Make multiple requests to test different metrics
	paths := []string{"/fast", "/slow", "/error", "/notfound"}
	for _, path := range paths {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	// Check metrics
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)

	// Verify that we have metrics registered
	foundMetrics := false
	for _, mf := range metricFamilies {
		if strings.Contains(*mf.Name, "http_server_") {
			foundMetrics = true
			break
		}
	}

	assert.True(t, foundMetrics, "HTTP server metrics should exist")
}

// TestHTTPServer_Logging tests the logging functionality
func TestHTTPServer_Logging(t *testing.T) {
	// Create a test handler
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/error" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Custom-Header", "test-value")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Create a logger that writes to a buffer
	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	// Set up the server
	server := NewServer(":8080", testHandler,
		WithLogger(logger),
	)

	// Create a test server
	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	// Make a successful request
	resp, err := http.Get(ts.URL + "/test")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Make an error request
	resp, err = http.Get(ts.URL + "/error")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Check logs
	logOutput := logBuf.String()

	// Verify logs contain appropriate information
	assert.Contains(t, logOutput, "/test")
	assert.Contains(t, logOutput, "200")
	assert.Contains(t, logOutput, "/error")
	assert.Contains(t, logOutput, "500")
}

// Create a custom registry for the health endpoint test to avoid duplicate metrics registration
var healthRegistry = prometheus.NewRegistry()

// TestHTTPServer_Health tests the health endpoint
func TestHTTPServer_Health(t *testing.T) {
	// Create a test handler that should not be called for health endpoint
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called for health endpoint")
	})

	// Create a logger that writes to a buffer
	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	// Set up the server with a dedicated registry
	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(healthRegistry),
	)

	// Create a test server
	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	// Make a request to the health endpoint
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Check response
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("content-type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(body))

	// Verify that logs don't contain health check request (should be bypassed)
	logOutput := logBuf.String()
	assert.NotContains(t, logOutput, "/health")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name string
		xff  string
		want string
	}{
		{name: "absent", xff: "", want: "unknown"},
		{name: "single", xff: "203.0.113.7", want: "203.0.113.7"},
		{name: "chain", xff: "203.0.113.7, 10.0.0.1, 10.0.0.2", want: "203.0.113.7"},
		{name: "padded", xff: "   198.51.100.4  ,10.0.0.1", want: "198.51.100.4"},
		{name: "empty first entry", xff: " ,10.0.0.1", want: "unknown"},
		{name: "ipv6", xff: "2001:db8::1", want: "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/client-error", nil)
			r.RemoteAddr = "192.0.2.1:1234"
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}

func TestHTTPServer_ClientIPLogged(t *testing.T) {
	var logBuf bytes.Buffer
	server := NewServer(":8080",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/x", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Request-Id", "req-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-123", resp.Header.Get("x-request-id"))
	assert.Contains(t, logBuf.String(), `"http_request_client_ip":"203.0.113.9"`)
	assert.Contains(t, logBuf.String(), `"http_request_id":"req-123"`)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Referrer-Policy", "same-origin")
		RenderJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, ContentSecurityPolicy, rec.Header().Get("Content-Security-Policy"))
	assert.Contains(t, ContentSecurityPolicy, "frame-ancestors 'none'")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "same-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "{\"ok\":true}\n", rec.Body.String())
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://airbear.app"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	t.Run("allowed preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/api/client-error", nil)
		r.Header.Set("Origin", "https://airbear.app")
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
		r.Header.Set("Access-Control-Request-Headers", "content-type, x-airbear-ingest-token")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)

		assert.Equal(t, "https://airbear.app", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers")), "x-airbear-ingest-token")
	})

	t.Run("foreign origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/client-error", nil)
		r.Header.Set("Origin", "https://evil.example")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRenderError(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderError(rec, http.StatusTooManyRequests)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("content-type"))
	assert.Equal(t, "{\"ok\":false}\n", rec.Body.String())
}

func TestRenderJSON_UnencodableValuePanics(t *testing.T) {
	rec := httptest.NewRecorder()

	assert.Panics(t, func() {
		RenderJSON(rec, http.StatusOK, map[string]any{"f": func() {}})
	})
	assert.Empty(t, rec.Body.String(), "nothing is written before encoding succeeds")
}

func TestHTTPServer_InvalidUTF8Path(t *testing.T) {
	tracerProvider, spanRecorder := setupTracerProvider()
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	var logBuf bytes.Buffer
	server := NewServer(
		":8080",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			RenderError(w, http.StatusNotFound)
		}),
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
		WithTracerProvider(tracerProvider),
	)

	r := httptest.NewRequest(http.MethodPost, "/api/%ff%fe", nil)
	r.Host = "airbear\xff.app"
	require.False(t, utf8.ValidString(r.URL.Path))

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /api/\uFFFD", spans[0].Name())

	for _, kv := range spans[0].Attributes() {
		if kv.Value.Type() == attribute.STRING {
			assert.True(t, utf8.ValidString(kv.Value.AsString()), "attribute %s", kv.Key)
		}
	}

	assert.True(t, utf8.ValidString(logBuf.String()))
}
