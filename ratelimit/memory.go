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
	"sync"
	"time"
)

type (
	// MemoryStore keeps buckets in a process-local map. Buckets are
	// never removed unless the limiter cleanup loop runs.
	MemoryStore struct {
		mu      sync.Mutex
		buckets map[string]*Bucket
	}
)

var (
	_ Store   = (*MemoryStore)(nil)
	_ Cleaner = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*Bucket),
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &Bucket{WindowStart: now}
		s.buckets[key] = b
	}

	if expired(b.WindowStart, now, window) {
		b.Count = 0
		b.WindowStart = now
	}

	b.Count++

	return *b, nil
}

// Cleanup removes buckets whose window started before the given time.
func (s *MemoryStore) Cleanup(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, b := range s.buckets {
		if b.WindowStart.Before(before) {
			delete(s.buckets, key)
			n++
		}
	}

	return n, nil
}
