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
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.airbear.app/ingest/pg"
)

func testPGClient(t *testing.T) *pg.Client {
	t.Helper()

	addr := os.Getenv("AIRBEAR_TEST_PG_ADDR")
	if addr == "" {
		t.Skip("AIRBEAR_TEST_PG_ADDR not set")
	}

	client, err := pg.NewClient(
		pg.WithAddr(addr),
		pg.WithUser(envOr("AIRBEAR_TEST_PG_USER", "postgres")),
		pg.WithPassword(envOr("AIRBEAR_TEST_PG_PASSWORD", "postgres")),
		pg.WithDatabase(envOr("AIRBEAR_TEST_PG_DATABASE", "postgres")),
		pg.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

func testRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()

	addr := os.Getenv("AIRBEAR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AIRBEAR_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func testStoreSemantics(t *testing.T, s Store) {
	ctx := context.Background()
	key := fmt.Sprintf("test:%d", time.Now().UnixNano())
	t0 := time.UnixMilli(time.Now().UnixMilli())

	b, err := s.Increment(ctx, key, time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count)
	assert.True(t, t0.Equal(b.WindowStart))

	b, err = s.Increment(ctx, key, time.Minute, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Count)
	assert.True(t, t0.Equal(b.WindowStart))

	t1 := t0.Add(time.Minute + time.Millisecond)
	b, err = s.Increment(ctx, key, time.Minute, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count)
	assert.True(t, t1.Equal(b.WindowStart))
}

func TestPGStore(t *testing.T) {
	client := testPGClient(t)

	s, err := NewPGStore(context.Background(), client)
	require.NoError(t, err)

	testStoreSemantics(t, s)

	_, err = s.Cleanup(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
}

func TestRedisStore(t *testing.T) {
	client := testRedisClient(t)

	s, err := NewRedisStore(context.Background(), client, "airbear:test:")
	require.NoError(t, err)

	testStoreSemantics(t, s)
}
