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
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisStore keeps each bucket in a Redis hash. Buckets expire on
	// their own two windows after the last request, so no cleanup loop
	// is needed.
	RedisStore struct {
		client redis.Scripter
		prefix string
	}
)

var (
	//go:embed fixed_window.lua
	fixedWindowSource string

	fixedWindowScript = redis.NewScript(fixedWindowSource)

	_ Store = (*RedisStore)(nil)
)

// NewRedisStore checks connectivity and loads the script.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cannot ping redis: %w", err)
	}

	if err := fixedWindowScript.Load(ctx, client).Err(); err != nil {
		return nil, fmt.Errorf("cannot load fixed window script: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Bucket, error) {
	values, err := fixedWindowScript.Run(
		ctx,
		s.client,
		[]string{s.prefix + key},
		now.UnixMilli(),
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Bucket{}, fmt.Errorf("cannot run fixed window script: %w", err)
	}

	if len(values) != 2 {
		return Bucket{}, fmt.Errorf("unexpected fixed window script reply: %v", values)
	}

	return Bucket{Count: int(values[0]), WindowStart: time.UnixMilli(values[1])}, nil
}
