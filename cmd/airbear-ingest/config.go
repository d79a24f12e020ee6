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

package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.airbear.app/ingest/triage"
)

type (
	Config struct {
		Addr string `json:"addr"`
		// ReadTimeout and WriteTimeout are in seconds.
		ReadTimeout  int             `json:"read-timeout"`
		WriteTimeout int             `json:"write-timeout"`
		IngestToken  string          `json:"ingest-token"`
		CORSOrigins  []string        `json:"cors-origins"`
		Store        StoreConfig     `json:"store"`
		RateLimit    RateLimitConfig `json:"rate-limit"`
		Postgres     PGConfig        `json:"postgres"`
		Triage       TriageConfig    `json:"triage"`
	}

	StoreConfig struct {
		// Kind is one of pg, rest or kafka.
		Kind  string      `json:"kind"`
		REST  RESTConfig  `json:"rest"`
		Kafka KafkaConfig `json:"kafka"`
	}

	RESTConfig struct {
		URL string `json:"url"`
		Key string `json:"key"`
	}

	KafkaConfig struct {
		Brokers     []string `json:"brokers"`
		TopicPrefix string   `json:"topic-prefix"`
	}

	RateLimitConfig struct {
		// Store is one of memory, pg or redis.
		Store           string      `json:"store"`
		CleanupInterval int         `json:"cleanup-interval"`
		Redis           RedisConfig `json:"redis"`
	}

	RedisConfig struct {
		Addrs     []string `json:"addrs"`
		Password  string   `json:"password"`
		DB        int      `json:"db"`
		KeyPrefix string   `json:"key-prefix"`
	}

	PGConfig struct {
		Addr         string `json:"addr"`
		User         string `json:"user"`
		Password     string `json:"password"`
		Database     string `json:"database"`
		PoolSize     int32  `json:"pool-size"`
		CACertFile   string `json:"ca-cert-file"`
		QueryLogging bool   `json:"query-logging"`
	}

	TriageConfig struct {
		Repository  string `json:"repository"`
		Token       string `json:"token"`
		Limit       int    `json:"limit"`
		Concurrency int    `json:"concurrency"`
	}
)

const (
	StoreKindPG    = "pg"
	StoreKindREST  = "rest"
	StoreKindKafka = "kafka"

	RateLimitStoreMemory = "memory"
	RateLimitStorePG     = "pg"
	RateLimitStoreRedis  = "redis"

	minIngestTokenLength = 16
	minRESTKeyLength     = 20
)

func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  10,
		WriteTimeout: 10,
		Store: StoreConfig{
			Kind: StoreKindPG,
			Kafka: KafkaConfig{
				TopicPrefix: "airbear.telemetry.",
			},
		},
		RateLimit: RateLimitConfig{
			Store:           RateLimitStoreMemory,
			CleanupInterval: 300,
			Redis: RedisConfig{
				KeyPrefix: "airbear:ratelimit:",
			},
		},
		Postgres: PGConfig{
			Addr:     "localhost:5432",
			User:     "airbear",
			Database: "airbear",
			PoolSize: 10,
		},
		Triage: TriageConfig{
			Limit:       triage.DefaultLimit,
			Concurrency: triage.DefaultConcurrency,
		},
	}
}

// LoadEnv reads secrets from the environment. Set variables override
// the configuration file.
func (c *Config) LoadEnv(lookup func(string) (string, bool)) error {
	overrides := []struct {
		name   string
		target *string
	}{
		{"AIRBEAR_INGEST_TOKEN", &c.IngestToken},
		{"AIRBEAR_PG_PASSWORD", &c.Postgres.Password},
		{"AIRBEAR_REST_KEY", &c.Store.REST.Key},
		{"AIRBEAR_REDIS_PASSWORD", &c.RateLimit.Redis.Password},
		{"GITHUB_TOKEN", &c.Triage.Token},
		{"GITHUB_REPOSITORY", &c.Triage.Repository},
	}

	for _, o := range overrides {
		if v, ok := lookup(o.name); ok && v != "" {
			*o.target = v
		}
	}

	return nil
}

func (c *Config) Validate(triageMode bool) error {
	var errs []error

	if len(c.IngestToken) < minIngestTokenLength && !triageMode {
		errs = append(errs, fmt.Errorf("ingest token must be at least %d characters", minIngestTokenLength))
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("read and write timeouts must be positive"))
	}

	switch c.Store.Kind {
	case StoreKindPG:
	case StoreKindREST:
		u, err := url.Parse(c.Store.REST.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid rest store url %q", c.Store.REST.URL))
		}
		if len(c.Store.REST.Key) < minRESTKeyLength {
			errs = append(errs, fmt.Errorf("rest store key must be at least %d characters", minRESTKeyLength))
		}
	case StoreKindKafka:
		if len(c.Store.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka store requires at least one broker"))
		}
		if triageMode {
			errs = append(errs, errors.New("triage cannot read from the kafka store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}

	switch c.RateLimit.Store {
	case RateLimitStoreMemory, RateLimitStorePG:
	case RateLimitStoreRedis:
		if len(c.RateLimit.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("redis rate limit store requires at least one address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit store %q", c.RateLimit.Store))
	}

	if c.RateLimit.CleanupInterval <= 0 {
		errs = append(errs, errors.New("rate limit cleanup interval must be positive"))
	}

	for _, origin := range c.CORSOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, fmt.Errorf("invalid cors origin %q", origin))
		}
	}

	if triageMode {
		if c.Triage.Token == "" {
			errs = append(errs, errors.New("triage requires a github token"))
		}
		if strings.Count(c.Triage.Repository, "/") != 1 {
			errs = append(errs, fmt.Errorf("triage repository must be owner/name, got %q", c.Triage.Repository))
		}
		if c.Triage.Limit <= 0 || c.Triage.Concurrency <= 0 {
			errs = append(errs, errors.New("triage limit and concurrency must be positive"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) usesPostgres(triageMode bool) bool {
	return c.Store.Kind == StoreKindPG ||
		(!triageMode && c.RateLimit.Store == RateLimitStorePG)
}

func (c *Config) timeouts() (read, write time.Duration) {
	return time.Duration(c.ReadTimeout) * time.Second, time.Duration(c.WriteTimeout) * time.Second
}

func (c *RateLimitConfig) cleanupInterval() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}
