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
	"time"

	"go.airbear.app/ingest/log"
)

// StartCleanup starts a background goroutine that periodically removes
// expired buckets from the store. It does nothing when the store does
// not implement Cleaner. The goroutine stops when ctx is cancelled.
//
// Only buckets whose window is over are removed, so admission
// decisions are the same with or without cleanup.
//
// This method is safe to call multiple times; only the first call
// starts the goroutine.
func (l *Limiter) StartCleanup(ctx context.Context) {
	cleaner, ok := l.store.(Cleaner)
	if !ok {
		return
	}

	l.cleanupOnce.Do(func() {
		go l.runCleanupLoop(ctx, cleaner)
	})
}

func (l *Limiter) runCleanupLoop(ctx context.Context, cleaner Cleaner) {
	l.logger.InfoCtx(ctx, "starting rate limit cleanup loop",
		log.Duration("interval", l.cleanupInterval),
	)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoCtx(ctx, "stopping rate limit cleanup loop")
			return
		case <-ticker.C:
			if _, err := l.Cleanup(ctx, cleaner); err != nil {
				l.logger.ErrorCtx(ctx, "rate limit cleanup failed",
					log.Error(err),
				)
			}
		}
	}
}

// Cleanup runs one sweep. A bucket is removed when its window started
// more than the largest window seen by the limiter ago.
func (l *Limiter) Cleanup(ctx context.Context, cleaner Cleaner) (int64, error) {
	retention := time.Duration(l.maxWindow.Load())
	if retention == 0 {
		return 0, nil
	}

	before := l.now().Add(-retention)

	n, err := cleaner.Cleanup(ctx, before)
	if err != nil {
		return 0, err
	}

	l.logger.DebugCtx(ctx, "rate limit cleanup completed",
		log.Int64("buckets_deleted", n),
		log.Duration("retention", retention),
	)

	return n, nil
}
