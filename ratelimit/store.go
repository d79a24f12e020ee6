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
	"strings"
	"time"
)

type (
	// Bucket is the counter of a single key.
	Bucket struct {
		Count       int
		WindowStart time.Time
	}

	// Store holds buckets. Increment must, atomically for the key,
	// create the bucket if missing, reset it to {0, now} when now is
	// past WindowStart + window, increment Count and return the
	// updated bucket.
	Store interface {
		Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Bucket, error)
	}

	// Cleaner is implemented by stores that need an explicit sweep of
	// expired buckets.
	Cleaner interface {
		Cleanup(ctx context.Context, before time.Time) (int64, error)
	}
)

const (
	NamespaceClientError = "err"
	NamespaceSuggestion  = "sug"
)

// Key composes the bucket key of an identity within a namespace.
func Key(namespace, identity string) string {
	return namespace + ":" + identity
}

// namespaceOf returns the namespace part of a key, used as a bounded
// metric label.
func namespaceOf(key string) string {
	ns, _, found := strings.Cut(key, ":")
	if !found {
		return "none"
	}

	return ns
}

// expired reports whether a window started at start is over at now.
func expired(start, now time.Time, window time.Duration) bool {
	return now.Sub(start) > window
}
