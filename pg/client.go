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

// Package pg wraps a pgx connection pool with logging, tracing and
// Prometheus pool metrics.
package pg

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/multitracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"
	"go.airbear.app/ingest/internal/version"
	"go.airbear.app/ingest/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client provides a PostgreSQL client with a connection pool,
	// logging, tracing, and Prometheus metrics registration.
	Client struct {
		addr     string
		user     string
		password string
		database string

		poolSize int32

		rootCAs    *x509.CertPool
		logQueries bool

		pool *pgxpool.Pool

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		registerer     prometheus.Registerer
	}

	ExecFunc func(Conn) error

	AdvisoryLock = uint32
)

const (
	BaseAdvisoryLockId uint32 = 42
)

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("pg.client")
	}
}

func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

func WithPassword(password string) Option {
	return func(c *Client) {
		c.password = password
	}
}

func WithDatabase(database string) Option {
	return func(c *Client) {
		c.database = database
	}
}

// WithTLS enables TLS, trusting the given certificates. The server
// name is taken from the address.
func WithTLS(certs []*x509.Certificate) Option {
	return func(c *Client) {
		c.rootCAs = x509.NewCertPool()
		for _, cert := range certs {
			c.rootCAs.AddCert(cert)
		}
	}
}

func WithPoolSize(i int32) Option {
	return func(c *Client) {
		c.poolSize = i
	}
}

// WithQueryLogging logs every query at info level. Off by default,
// queries are already traced.
func WithQueryLogging(enabled bool) Option {
	return func(c *Client) {
		c.logQueries = enabled
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "localhost:5432",
		user:           "postgres",
		database:       "postgres",
		poolSize:       10,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	host, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	config, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("cannot parse default pool config: %w", err)
	}

	config.ConnConfig.Host = host
	config.ConnConfig.Port = uint16(port)
	config.ConnConfig.User = c.user
	config.ConnConfig.Password = c.password
	config.ConnConfig.Database = c.database
	config.ConnConfig.TLSConfig = nil
	config.ConnConfig.Fallbacks = nil
	config.MinConns = 1
	config.MaxConns = c.poolSize

	if c.rootCAs != nil {
		config.ConnConfig.TLSConfig = &tls.Config{
			RootCAs:    c.rootCAs,
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
	}

	c.tracer = c.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(
			version.New(0).Alpha(1),
		),
	)

	var pgxTracer pgx.QueryTracer = &tracer{c.tracer}
	if c.logQueries {
		pgxTracer = multitracer.New(
			pgxTracer,
			&tracelog.TraceLog{
				Logger:   &logger{c.logger},
				LogLevel: tracelog.LogLevelInfo,
			},
		)
	}
	config.ConnConfig.Tracer = pgxTracer

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool from config: %w", err)
	}

	collector := newCollector(
		pool,
		prometheus.Labels{
			"database": c.database,
			"addr":     c.addr,
		},
	)
	if err := c.registerer.Register(collector); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot register pool collector: %w", err)
	}

	c.pool = pool

	return c, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// Ping checks that a connection can be acquired and answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.WithConn(ctx, func(conn Conn) error {
		var one int
		return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil
	}

	return c.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}

	if err != nil {
		recordError(span, err)
	}

	span.End()
}

func (c *Client) WithConn(ctx context.Context, exec ExecFunc) (err error) {
	ctx, span := c.startSpan(ctx, "WithConn")
	defer func() { endSpan(span, err) }()

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("cannot acquire connection: %w", err)
	}
	defer conn.Release()

	return exec(conn)
}

func (c *Client) WithTx(ctx context.Context, exec ExecFunc) (err error) {
	ctx, span := c.startSpan(ctx, "WithTx")
	defer func() { endSpan(span, err) }()

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("cannot acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}

	if err := exec(tx); err != nil {
		if err2 := tx.Rollback(ctx); err2 != nil {
			err = errors.Join(
				err,
				fmt.Errorf("cannot rollback transaction: %w", err2),
			)
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cannot commit transaction: %w", err)
	}

	return nil
}

// WithAdvisoryLock runs f in a transaction holding the transaction
// level advisory lock (BaseAdvisoryLockId, id).
func (c *Client) WithAdvisoryLock(ctx context.Context, id AdvisoryLock, f ExecFunc) (err error) {
	ctx, span := c.startSpan(ctx, "WithAdvisoryLock", attribute.Int("lock_id", int(id)))
	defer func() { endSpan(span, err) }()

	return c.WithTx(
		ctx,
		func(conn Conn) error {
			q := "SELECT pg_advisory_xact_lock($1, $2)"
			if _, err := conn.Exec(ctx, q, int32(BaseAdvisoryLockId), int32(id)); err != nil {
				return fmt.Errorf("cannot acquire advisory lock: %w", err)
			}

			return f(conn)
		},
	)
}
