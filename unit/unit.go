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

// Package unit runs a service with its ambient infrastructure: flag
// parsing, YAML configuration, logging, a Prometheus metrics server
// and an OTLP trace exporter.
package unit

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.airbear.app/ingest/internal/otelutils"
	"go.airbear.app/ingest/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	traceSdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"sigs.k8s.io/yaml"
)

type (
	Unit struct {
		name        string
		version     string
		environment string

		logger *log.Logger
		config *Config
		main   Runnable
		stdout io.Writer
	}

	Runnable interface {
		Run(context.Context, *log.Logger, prometheus.Registerer, trace.TracerProvider) error
	}

	// Configurable is implemented by runnables owning a configuration
	// section named after the unit.
	Configurable interface {
		GetConfiguration() any
	}

	// EnvConfigurable is implemented by runnables reading secrets from
	// the environment. LoadEnv runs after the configuration file is
	// decoded, so environment values take precedence.
	EnvConfigurable interface {
		LoadEnv(lookup func(string) (string, bool)) error
	}

	// Validatable is implemented by runnables checking their
	// configuration before anything starts.
	Validatable interface {
		Validate() error
	}

	// Flagger is implemented by runnables registering their own
	// command line flags.
	Flagger interface {
		RegisterFlags(fs *flag.FlagSet)
	}

	Config struct {
		Log     LogConfig     `json:"log"`
		Metrics MetricsConfig `json:"metrics"`
		Tracing TracingConfig `json:"tracing"`
	}

	LogConfig struct {
		Level  string     `json:"level"`
		Format log.Format `json:"format"`
	}

	MetricsConfig struct {
		Addr string `json:"addr"`
	}

	// TracingConfig configures the OTLP HTTP exporter. Tracing is off
	// when Addr is empty.
	TracingConfig struct {
		Addr          string `json:"addr"`
		Insecure      bool   `json:"insecure"`
		MaxBatchSize  int    `json:"max-batch-size"`
		BatchTimeout  int    `json:"batch-timeout"`
		ExportTimeout int    `json:"export-timeout"`
		MaxQueueSize  int    `json:"max-queue-size"`
	}
)

const (
	defaultEnvFile = ".env"
)

func NewUnit(name, version, environment string, main Runnable) *Unit {
	return &Unit{
		name:        name,
		version:     version,
		environment: environment,
		main:        main,
		stdout:      os.Stdout,
		logger:      newLogger(name, version, environment, LogConfig{}),
		config: &Config{
			Log: LogConfig{
				Level:  "info",
				Format: log.FormatJSON,
			},
			Metrics: MetricsConfig{
				Addr: ":9090",
			},
			Tracing: TracingConfig{
				MaxBatchSize:  1024,
				BatchTimeout:  10,
				ExportTimeout: 15,
				MaxQueueSize:  5000,
			},
		},
	}
}

func newLogger(name, version, environment string, cfg LogConfig) *log.Logger {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.LevelInfo
	}

	return log.NewLogger(
		log.WithName(name),
		log.WithLevel(level),
		log.WithFormat(cfg.Format),
		log.WithAttributes(
			log.String("version", version),
			log.String("environment", environment),
		),
	)
}

func (u *Unit) Run() error {
	return u.RunContext(context.Background())
}

func (u *Unit) RunContext(parentCtx context.Context) error {
	return u.run(parentCtx, os.Args[1:])
}

func (u *Unit) run(parentCtx context.Context, args []string) error {
	fs := flag.NewFlagSet(u.name, flag.ContinueOnError)
	filename := fs.String("cfg-file", "", "the path of the configuration file")
	envFile := fs.String("env-file", defaultEnvFile, "the path of a dotenv file loaded into the environment")
	printCfg := fs.Bool("print-cfg", false, "print the loaded cfg and exit")
	help := fs.Bool("help", false, "show this help message")
	version := fs.Bool("version", false, "show the service version")

	if flagger, ok := u.main.(Flagger); ok {
		flagger.RegisterFlags(fs)
	}

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("cannot parse flags: %w", err)
	}

	if *help {
		fs.SetOutput(u.stdout)
		fs.PrintDefaults()
		return nil
	}

	if *version {
		fmt.Fprintf(u.stdout, "version: %s\n", u.version)
		return nil
	}

	if *filename != "" {
		if err := u.loadConfigurationFromFile(*filename); err != nil {
			return fmt.Errorf("cannot load configuration from %q file: %w", *filename, err)
		}
	}

	if *printCfg {
		return u.printConfiguration()
	}

	if err := loadEnvFile(*envFile); err != nil {
		return fmt.Errorf("cannot load env file %q: %w", *envFile, err)
	}

	if err := u.loadConfigurationFromEnv(); err != nil {
		return err
	}

	u.logger = newLogger(u.name, u.version, u.environment, u.config.Log)
	logger := u.logger.Named("unit")

	ctx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(context.Canceled)

	wg := sync.WaitGroup{}
	metricsInitialized := make(chan prometheus.Registerer)
	tracingInitialized := make(chan trace.TracerProvider)

	metricsServerCtx, stopMetricsServer := context.WithCancel(context.Background())
	defer stopMetricsServer()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runMetricsServer(metricsServerCtx, metricsInitialized); err != nil && !errors.Is(err, context.Canceled) {
			cancel(fmt.Errorf("metrics server crashed: %w", err))
		}

		logger.Info("metrics server shutdown")
	}()

	tracingExporterCtx, stopTracingExporter := context.WithCancel(context.Background())
	defer stopTracingExporter()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runTracingExporter(tracingExporterCtx, tracingInitialized); err != nil && !errors.Is(err, context.Canceled) {
			cancel(fmt.Errorf("traces exporter crashed: %w", err))
		}

		logger.Info("traces exporter shutdown")
	}()

	var registry prometheus.Registerer
	var traceProvider trace.TracerProvider

	select {
	case registry = <-metricsInitialized:
	case <-ctx.Done():
		stopMetricsServer()
		stopTracingExporter()
		wg.Wait()
		return context.Cause(ctx)
	}

	select {
	case traceProvider = <-tracingInitialized:
	case <-ctx.Done():
		stopMetricsServer()
		stopTracingExporter()
		wg.Wait()
		return context.Cause(ctx)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mainDone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(mainDone)

		if err := u.main.Run(ctx, u.logger, registry, traceProvider); err != nil {
			cancel(err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-mainDone:
	}

	stopMetricsServer()
	stopTracingExporter()

	wg.Wait()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (u *Unit) printConfiguration() error {
	config := map[string]any{"unit": u.config}
	if configurable, ok := u.main.(Configurable); ok {
		config[u.name] = configurable.GetConfiguration()
	}

	encoder := json.NewEncoder(u.stdout)
	encoder.SetIndent("", "\t")

	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("cannot encode configuration: %w", err)
	}

	return nil
}

func (u *Unit) runMetricsServer(ctx context.Context, initialized chan<- prometheus.Registerer) error {
	logger := u.logger.Named("unit.metrics")

	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metricsHandler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
			ErrorHandling:       promhttp.ContinueOnError,
			ErrorLog:            stdlog.New(logger.NewWriter(log.LevelError), "", 0),
		},
	)

	httpServer := &http.Server{
		Addr: u.config.Metrics.Addr,
		Handler: http.TimeoutHandler(
			metricsHandler,
			5*time.Second,
			"request timed out",
		),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	logger.Info("starting metrics server", log.String("addr", httpServer.Addr))
	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", httpServer.Addr, err)
	}
	defer listener.Close()

	select {
	case initialized <- registry:
	case <-ctx.Done():
		return ctx.Err()
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.Info("metrics server started")

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down metrics server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return ctx.Err()
}

func (u *Unit) runTracingExporter(ctx context.Context, initialized chan<- trace.TracerProvider) error {
	logger := u.logger.Named("unit.tracing")
	config := u.config.Tracing

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	if config.Addr == "" {
		logger.Info("tracing disabled")

		tp := noop.NewTracerProvider()
		select {
		case initialized <- tp:
		case <-ctx.Done():
			return ctx.Err()
		}

		<-ctx.Done()
		return ctx.Err()
	}

	logger.Info("starting traces exporter", log.String("addr", config.Addr))

	otel.SetErrorHandler(&otelErrorHandler{logger: logger, ctx: ctx})

	exporterOptions := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Addr),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithRetry(
			otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				MaxElapsedTime:  5 * time.Minute,
			},
		),
		otlptracehttp.WithTimeout(15 * time.Second),
	}
	if config.Insecure {
		exporterOptions = append(exporterOptions, otlptracehttp.WithInsecure())
	}

	exporter := otlptracehttp.NewUnstarted(exporterOptions...)

	if err := exporter.Start(ctx); err != nil {
		return fmt.Errorf("cannot create otel exporter: %w", err)
	}

	traceProvider := traceSdk.NewTracerProvider(
		traceSdk.WithBatcher(
			exporter,
			traceSdk.WithMaxExportBatchSize(config.MaxBatchSize),
			traceSdk.WithBatchTimeout(time.Duration(config.BatchTimeout)*time.Second),
			traceSdk.WithExportTimeout(time.Duration(config.ExportTimeout)*time.Second),
			traceSdk.WithMaxQueueSize(config.MaxQueueSize),
		),
		traceSdk.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(u.name),
				semconv.ServiceVersion(u.version),
				semconv.DeploymentEnvironmentName(u.environment),
			),
		),
	)
	tp := otelutils.WrapTracerProvider(traceProvider)
	otel.SetTracerProvider(tp)

	select {
	case initialized <- tp:
	case <-ctx.Done():
	}

	logger.Info("trace exporter started")

	<-ctx.Done()

	logger.Info("shutting down traces exporter")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := traceProvider.ForceFlush(shutdownCtx); err != nil {
		return fmt.Errorf("cannot flush remaining spans: %w", err)
	}

	if err := traceProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown provider: %w", err)
	}

	return ctx.Err()
}

func (u *Unit) loadConfigurationFromFile(filename string) error {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}

	blob, err = yaml.YAMLToJSON(blob)
	if err != nil {
		return fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	config := map[string]json.RawMessage{}
	if err := json.Unmarshal(blob, &config); err != nil {
		return fmt.Errorf("cannot decode file: %w", err)
	}

	if section, ok := config["unit"]; ok {
		if err := json.Unmarshal(section, u.config); err != nil {
			return fmt.Errorf("cannot decode %q config section: %w", "unit", err)
		}
	}

	if configurable, ok := u.main.(Configurable); ok {
		if section, ok := config[u.name]; ok {
			if err := json.Unmarshal(section, configurable.GetConfiguration()); err != nil {
				return fmt.Errorf("cannot decode %q config section: %w", u.name, err)
			}
		}
	}

	return nil
}

func (u *Unit) loadConfigurationFromEnv() error {
	if envConfigurable, ok := u.main.(EnvConfigurable); ok {
		if err := envConfigurable.LoadEnv(os.LookupEnv); err != nil {
			return fmt.Errorf("cannot load configuration from environment: %w", err)
		}
	}

	if validatable, ok := u.main.(Validatable); ok {
		if err := validatable.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	return nil
}

// loadEnvFile loads a dotenv file without overriding variables
// already set. A missing default file is not an error.
func loadEnvFile(filename string) error {
	if filename == "" {
		return nil
	}

	if _, err := os.Stat(filename); err != nil {
		if errors.Is(err, os.ErrNotExist) && filename == defaultEnvFile {
			return nil
		}
		return err
	}

	return godotenv.Load(filename)
}
