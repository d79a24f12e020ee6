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

package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.airbear.app/ingest/ingest/migrations"
	"go.airbear.app/ingest/log"
	"go.airbear.app/ingest/migrator"
	"go.airbear.app/ingest/pg"
)

type (
	// PGStore writes records straight into PostgreSQL.
	PGStore struct {
		pg *pg.Client
	}
)

var (
	_ Store = (*PGStore)(nil)
)

func NewPGStore(client *pg.Client) *PGStore {
	return &PGStore{pg: client}
}

// Migrate creates or upgrades the ingest tables.
func (s *PGStore) Migrate(ctx context.Context, logger *log.Logger) error {
	m := migrator.NewMigrator(s.pg, migrations.FS, migrator.WithLogger(logger))
	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("cannot migrate ingest tables: %w", err)
	}

	return nil
}

func (s *PGStore) InsertErrorReport(ctx context.Context, r *ErrorReport) error {
	meta, err := r.MetaJSON()
	if err != nil {
		return fmt.Errorf("cannot encode meta: %w", err)
	}

	return s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO client_error_reports (
    url,
    message,
    stack,
    user_agent,
    severity,
    meta,
    app_version,
    git_sha,
    hash
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
		_, err := conn.Exec(
			ctx,
			q,
			pgText(r.URL),
			pgText(r.Message),
			pgText(r.Stack),
			pgText(r.UserAgent),
			pgText(r.Severity),
			meta,
			pgText(r.AppVersion),
			pgText(r.GitSHA),
			r.Hash,
		)
		if err != nil {
			return fmt.Errorf("cannot insert error report: %w", err)
		}

		return nil
	})
}

func (s *PGStore) InsertSuggestion(ctx context.Context, sug *Suggestion) error {
	return s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `INSERT INTO user_suggestions (text, page, hash) VALUES ($1, $2, $3)`

		if _, err := conn.Exec(ctx, q, pgText(sug.Text), pgText(sug.Page), sug.Hash); err != nil {
			return fmt.Errorf("cannot insert suggestion: %w", err)
		}

		return nil
	})
}

// ListErrorReports returns the most recent reports, newest first.
func (s *PGStore) ListErrorReports(ctx context.Context, limit int) ([]*ErrorReport, error) {
	var reports []*ErrorReport

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
SELECT
    id,
    url,
    message,
    stack,
    user_agent,
    severity,
    meta,
    app_version,
    git_sha,
    hash,
    created_at
FROM
    client_error_reports
ORDER BY
    created_at DESC
LIMIT $1
`
		rows, err := conn.Query(ctx, q, limit)
		if err != nil {
			return fmt.Errorf("cannot query error reports: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r := &ErrorReport{}
			if err := rows.Scan(
				&r.ID,
				&r.URL,
				&r.Message,
				&r.Stack,
				&r.UserAgent,
				&r.Severity,
				&r.Meta,
				&r.AppVersion,
				&r.GitSHA,
				&r.Hash,
				&r.CreatedAt,
			); err != nil {
				return fmt.Errorf("cannot scan error report: %w", err)
			}

			reports = append(reports, r)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("cannot read error reports: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return reports, nil
}

// ListSuggestions returns the most recent suggestions, newest first.
func (s *PGStore) ListSuggestions(ctx context.Context, limit int) ([]*Suggestion, error) {
	var suggestions []*Suggestion

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
SELECT
    id,
    text,
    page,
    hash,
    created_at
FROM
    user_suggestions
ORDER BY
    created_at DESC
LIMIT $1
`
		rows, err := conn.Query(ctx, q, limit)
		if err != nil {
			return fmt.Errorf("cannot query suggestions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			sug := &Suggestion{}
			if err := rows.Scan(&sug.ID, &sug.Text, &sug.Page, &sug.Hash, &sug.CreatedAt); err != nil {
				return fmt.Errorf("cannot scan suggestion: %w", err)
			}

			suggestions = append(suggestions, sug)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("cannot read suggestions: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return suggestions, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pg.Ping(ctx)
}

// pgText drops NUL bytes, which PostgreSQL text columns reject.
func pgText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
