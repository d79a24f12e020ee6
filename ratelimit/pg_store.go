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
	"time"

	"go.airbear.app/ingest/pg"
)

type (
	// PGStore keeps buckets in the rate_limit_buckets UNLOGGED table,
	// shared by every instance pointing at the same database. The
	// table skips the WAL; its content is lost on crash, which only
	// resets the quotas.
	PGStore struct {
		pg *pg.Client
	}
)

var (
	_ Store   = (*PGStore)(nil)
	_ Cleaner = (*PGStore)(nil)
)

// NewPGStore creates the bucket table if it does not exist.
func NewPGStore(ctx context.Context, client *pg.Client) (*PGStore, error) {
	s := &PGStore{pg: client}

	err := client.WithConn(ctx, func(conn pg.Conn) error {
		return ensureTable(ctx, conn)
	})
	if err != nil {
		return nil, fmt.Errorf("cannot ensure rate_limit_buckets table: %w", err)
	}

	return s, nil
}

func ensureTable(ctx context.Context, conn pg.Conn) error {
	q := `
CREATE UNLOGGED TABLE IF NOT EXISTS rate_limit_buckets (
    key           TEXT PRIMARY KEY,
    window_start  BIGINT NOT NULL,
    count         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_limit_buckets_window_start
ON rate_limit_buckets (window_start);
`
	_, err := conn.Exec(ctx, q)
	return err
}

// Increment resets and increments the bucket in a single statement;
// the row lock taken by ON CONFLICT serializes concurrent callers.
func (s *PGStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Bucket, error) {
	var (
		count       int
		windowStart int64
	)

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO rate_limit_buckets (key, window_start, count)
VALUES ($1, $2, 1)
ON CONFLICT (key) DO UPDATE SET
    window_start = CASE
        WHEN $2 - rate_limit_buckets.window_start > $3 THEN $2
        ELSE rate_limit_buckets.window_start
    END,
    count = CASE
        WHEN $2 - rate_limit_buckets.window_start > $3 THEN 1
        ELSE rate_limit_buckets.count + 1
    END
RETURNING count, window_start
`
		return conn.QueryRow(ctx, q, key, now.UnixMilli(), window.Milliseconds()).Scan(&count, &windowStart)
	})
	if err != nil {
		return Bucket{}, fmt.Errorf("cannot upsert bucket: %w", err)
	}

	return Bucket{Count: count, WindowStart: time.UnixMilli(windowStart)}, nil
}

func (s *PGStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	var rowsDeleted int64

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `DELETE FROM rate_limit_buckets WHERE window_start < $1`
		tag, err := conn.Exec(ctx, q, before.UnixMilli())
		if err != nil {
			return err
		}
		rowsDeleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cannot delete expired buckets: %w", err)
	}

	return rowsDeleted, nil
}
