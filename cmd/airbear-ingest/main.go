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

// Command airbear-ingest serves the AirBear telemetry ingest
// endpoints. With -triage it instead files GitHub issues for the
// latest error reports and suggestions, then exits.
package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.airbear.app/ingest/httpclient"
	"go.airbear.app/ingest/httpserver"
	"go.airbear.app/ingest/ingest"
	"go.airbear.app/ingest/internal/version"
	"go.airbear.app/ingest/log"
	"go.airbear.app/ingest/pg"
	"go.airbear.app/ingest/ratelimit"
	"go.airbear.app/ingest/triage"
	"go.airbear.app/ingest/unit"
	"go.opentelemetry.io/otel/trace"
)

type (
	Service struct {
		cfg    Config
		triage bool
	}

	// storeSource is implemented by the stores triage can read from.
	storeSource interface {
		ingest.Store
		triage.Source
	}
)

const (
	shutdownTimeout = 10 * time.Second
)

var (
	_ unit.Runnable        = (*Service)(nil)
	_ unit.Configurable    = (*Service)(nil)
	_ unit.EnvConfigurable = (*Service)(nil)
	_ unit.Validatable     = (*Service)(nil)
	_ unit.Flagger         = (*Service)(nil)
)

func main() {
	environment := os.Getenv("AIRBEAR_ENV")
	if environment == "" {
		environment = "production"
	}

	svc := &Service{cfg: DefaultConfig()}
	u := unit.NewUnit("airbear-ingest", version.Service, environment, svc)

	if err := u.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "airbear-ingest: %v\n", err)
		os.Exit(1)
	}
}

func (s *Service) GetConfiguration() any {
	return &s.cfg
}

func (s *Service) LoadEnv(lookup func(string) (string, bool)) error {
	return s.cfg.LoadEnv(lookup)
}

func (s *Service) Validate() error {
	return s.cfg.Validate(s.triage)
}

func (s *Service) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&s.triage, "triage", false, "file GitHub issues for recent telemetry and exit")
}

func (s *Service) Run(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tracerProvider trace.TracerProvider,
) error {
	var pgClient *pg.Client
	if s.cfg.usesPostgres(s.triage) {
		client, err := s.newPGClient(logger, registerer, tracerProvider)
		if err != nil {
			return err
		}
		defer client.Close()

		pgClient = client
	}

	store, err := s.newStore(ctx, pgClient, logger, registerer, tracerProvider)
	if err != nil {
		return err
	}

	if closer, ok := store.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Error("cannot close store", log.Error(err))
			}
		}()
	}

	if s.triage {
		return s.runTriage(ctx, store, logger, registerer, tracerProvider)
	}

	return s.runServer(ctx, store, pgClient, logger, registerer, tracerProvider)
}

func (s *Service) newPGClient(
	logger *log.Logger,
	registerer prometheus.Registerer,
	tracerProvider trace.TracerProvider,
) (*pg.Client, error) {
	cfg := s.cfg.Postgres
	options := []pg.Option{
		pg.WithLogger(logger),
		pg.WithAddr(cfg.Addr),
		pg.WithUser(cfg.User),
		pg.WithPassword(cfg.Password),
		pg.WithDatabase(cfg.Database),
		pg.WithPoolSize(cfg.PoolSize),
		pg.WithQueryLogging(cfg.QueryLogging),
		pg.WithTracerProvider(tracerProvider),
		pg.WithRegisterer(registerer),
	}

	if cfg.CACertFile != "" {
		certs, err := loadCertificates(cfg.CACertFile)
		if err != nil {
			return nil, err
		}

		options = append(options, pg.WithTLS(certs))
	}

	client, err := pg.NewClient(options...)
	if err != nil {
		return nil, fmt.Errorf("cannot create pg client: %w", err)
	}

	return client, nil
}

func (s *Service) newStore(
	ctx context.Context,
	pgClient *pg.Client,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tracerProvider trace.TracerProvider,
) (ingest.Store, error) {
	switch s.cfg.Store.Kind {
	case StoreKindPG:
		store := ingest.NewPGStore(pgClient)
		if err := store.Migrate(ctx, logger); err != nil {
			return nil, fmt.Errorf("cannot migrate database: %w", err)
		}

		return store, nil

	case StoreKindREST:
		client := httpclient.DefaultPooledClient(
			httpclient.WithLogger(logger),
			httpclient.WithTracerProvider(tracerProvider),
			httpclient.WithRegisterer(registerer),
			httpclient.WithTimeout(10*time.Second),
		)

		store, err := ingest.NewRESTStore(client, s.cfg.Store.REST.URL, s.cfg.Store.REST.Key)
		if err != nil {
			return nil, fmt.Errorf("cannot create rest store: %w", err)
		}

		return store, nil

	case StoreKindKafka:
		store, err := ingest.NewKafkaStore(s.cfg.Store.Kafka.Brokers, s.cfg.Store.Kafka.TopicPrefix)
		if err != nil {
			return nil, fmt.Errorf("cannot create kafka store: %w", err)
		}

		return store, nil
	}

	return nil, fmt.Errorf("unknown store kind %q", s.cfg.Store.Kind)
}

func (s *Service) newRateLimitStore(ctx context.Context, pgClient *pg.Client) (ratelimit.Store, func(), error) {
	switch s.cfg.RateLimit.Store {
	case RateLimitStoreMemory:
		return ratelimit.NewMemoryStore(), func() {}, nil

	case RateLimitStorePG:
		store, err := ratelimit.NewPGStore(ctx, pgClient)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot create pg rate limit store: %w", err)
		}

		return store, func() {}, nil

	case RateLimitStoreRedis:
		cfg := s.cfg.RateLimit.Redis
		client := redis.NewUniversalClient(
			&redis.UniversalOptions{
				Addrs:    cfg.Addrs,
				Password: cfg.Password,
				DB:       cfg.DB,
			},
		)

		store, err := ratelimit.NewRedisStore(ctx, client, cfg.KeyPrefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("cannot create redis rate limit store: %w", err)
		}

		return store, func() { _ = client.Close() }, nil
	}

	return nil, nil, fmt.Errorf("unknown rate limit store %q", s.cfg.RateLimit.Store)
}

func (s *Service) runServer(
	ctx context.Context,
	store ingest.Store,
	pgClient *pg.Client,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tracerProvider trace.TracerProvider,
) error {
	limiterStore, closeLimiterStore, err := s.newRateLimitStore(ctx, pgClient)
	if err != nil {
		return err
	}
	defer closeLimiterStore()

	limiter := ratelimit.NewLimiter(
		ratelimit.WithStore(limiterStore),
		ratelimit.WithLogger(logger),
		ratelimit.WithTracerProvider(tracerProvider),
		ratelimit.WithRegisterer(registerer),
		ratelimit.WithCleanupInterval(s.cfg.RateLimit.cleanupInterval()),
	)
	limiter.StartCleanup(ctx)

	handler := ingest.NewHandler(
		ingest.Config{Token: s.cfg.IngestToken},
		store,
		limiter,
		ingest.WithLogger(logger),
		ingest.WithRegisterer(registerer),
	)

	router := chi.NewRouter()
	router.Use(httpserver.SecurityHeaders, httpserver.CORS(s.cfg.CORSOrigins))
	router.Mount("/api", handler)

	readTimeout, writeTimeout := s.cfg.timeouts()
	server := httpserver.NewServer(
		s.cfg.Addr,
		router,
		httpserver.WithLogger(logger),
		httpserver.WithTracerProvider(tracerProvider),
		httpserver.WithRegisterer(registerer),
		httpserver.WithTimeouts(readTimeout, writeTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting ingest server", log.String("addr", s.cfg.Addr))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("cannot serve ingest endpoints: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown ingest server: %w", err)
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("cannot serve ingest endpoints: %w", err)
	}

	logger.Info("ingest server shutdown")

	return nil
}

func (s *Service) runTriage(
	ctx context.Context,
	store ingest.Store,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tracerProvider trace.TracerProvider,
) error {
	source, ok := store.(storeSource)
	if !ok {
		return fmt.Errorf("store %q cannot be read for triage", s.cfg.Store.Kind)
	}

	httpClient := httpclient.DefaultClient(
		httpclient.WithLogger(logger),
		httpclient.WithTracerProvider(tracerProvider),
		httpclient.WithRegisterer(registerer),
		httpclient.WithTimeout(30*time.Second),
	)

	triager := triage.NewTriager(
		source,
		triage.NewGitHubClient(httpClient, s.cfg.Triage.Token, s.cfg.Triage.Repository),
		triage.WithLogger(logger),
		triage.WithLimit(s.cfg.Triage.Limit),
		triage.WithConcurrency(s.cfg.Triage.Concurrency),
	)

	summary, err := triager.Run(ctx)
	if err != nil {
		return fmt.Errorf("cannot triage telemetry: %w", err)
	}

	logger.Info(
		"triage done",
		log.Int64("created", summary.Created),
		log.Int64("skipped", summary.Skipped),
		log.Int64("failed", summary.Failed),
	)

	return nil
}

func loadCertificates(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot read ca certificate file: %w", err)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cannot parse ca certificate: %w", err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %q", filename)
	}

	return certs, nil
}
