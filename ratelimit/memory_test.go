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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Increment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	b, err := s.Increment(ctx, "k", time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, Bucket{Count: 1, WindowStart: t0}, b)

	b, err = s.Increment(ctx, "k", time.Minute, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Bucket{Count: 2, WindowStart: t0}, b)

	t1 := t0.Add(time.Minute + time.Nanosecond)
	b, err = s.Increment(ctx, "k", time.Minute, t1)
	require.NoError(t, err)
	assert.Equal(t, Bucket{Count: 1, WindowStart: t1}, b)
}

func TestMemoryStore_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	b, err := s.Increment(ctx, "k", time.Minute, now)
	require.NoError(t, err)
	b.Count = 100

	b, err = s.Increment(ctx, "k", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Count)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = s.Increment(ctx, "a", time.Minute, t0)
	_, _ = s.Increment(ctx, "b", time.Minute, t0.Add(time.Minute))

	n, err := s.Cleanup(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, bucketCount(s))
}

func bucketCount(s *MemoryStore) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.buckets)
}
