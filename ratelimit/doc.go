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

// Package ratelimit provides fixed window admission control keyed by
// caller identity.
//
// # Algorithm
//
// Each key owns a bucket holding a request count and the instant its
// current window started. On every request the bucket is created
// lazily, reset to a fresh window when the current time is past
// windowStart + window, then incremented. The request is admitted when
// the post-increment count is at most the limit. Rejected requests are
// counted too.
//
// Windows start at the first request of the key, not on a wall clock
// boundary, and they do not slide: a caller may burst up to twice the
// limit in a short interval straddling two windows.
//
// # Keys
//
// The limiter does not namespace keys. Call sites sharing a store must
// prefix their keys (see Key) or they share a quota.
//
// # Stores
//
// Bucket state lives behind the Store interface:
//
//   - MemoryStore keeps buckets in a process-local map (default)
//   - PGStore keeps them in an UNLOGGED PostgreSQL table
//   - RedisStore keeps them in Redis hashes updated by a Lua script
//
// Every store performs the reset-or-increment step atomically per key.
//
// # Usage
//
//	limiter := ratelimit.NewLimiter(
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithRegisterer(registry),
//	)
//	limiter.StartCleanup(ctx)
//
//	if !limiter.Admit(ctx, ratelimit.Key("err", ip), 30, time.Minute) {
//	    w.WriteHeader(http.StatusTooManyRequests)
//	    return
//	}
//
// # Metrics
//
//   - ratelimit_requests_total{namespace,allowed}
//   - ratelimit_check_duration_seconds{namespace,allowed}
//   - ratelimit_store_errors_total{namespace}
package ratelimit
