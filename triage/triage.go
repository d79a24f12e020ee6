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

// Package triage files GitHub issues for new client error reports and
// user suggestions. Each distinct hash gets exactly one issue, found
// again through its hash:<hash> label.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"go.airbear.app/ingest/ingest"
	"go.airbear.app/ingest/log"
	"golang.org/x/sync/errgroup"
)

type (
	// Source lists recently ingested records.
	Source interface {
		ListErrorReports(ctx context.Context, limit int) ([]*ingest.ErrorReport, error)
		ListSuggestions(ctx context.Context, limit int) ([]*ingest.Suggestion, error)
	}

	// Tracker stores triage issues.
	Tracker interface {
		FindIssueByLabel(ctx context.Context, label string) (*Issue, error)
		CreateIssue(ctx context.Context, issue IssueRequest) (*Issue, error)
	}

	Option func(t *Triager)

	Triager struct {
		source      Source
		tracker     Tracker
		logger      *log.Logger
		limit       int
		concurrency int
	}

	// Summary counts what a run did.
	Summary struct {
		Created int64
		Skipped int64
		Failed  int64
	}

	candidate struct {
		kind   string
		hash   string
		title  string
		body   string
		labels []string
	}
)

const (
	DefaultLimit       = 25
	DefaultConcurrency = 4

	maxTitleRunes = 80
)

var (
	errorLabels      = []string{"triage", "auto", "bug"}
	suggestionLabels = []string{"triage", "auto", "feature"}
)

func WithLogger(l *log.Logger) Option {
	return func(t *Triager) {
		t.logger = l.Named("triage")
	}
}

// WithLimit sets how many recent records of each table are examined.
func WithLimit(n int) Option {
	return func(t *Triager) {
		t.limit = n
	}
}

func WithConcurrency(n int) Option {
	return func(t *Triager) {
		t.concurrency = n
	}
}

func NewTriager(source Source, tracker Tracker, options ...Option) *Triager {
	t := &Triager{
		source:      source,
		tracker:     tracker,
		logger:      log.NewLogger(log.WithOutput(io.Discard)),
		limit:       DefaultLimit,
		concurrency: DefaultConcurrency,
	}

	for _, o := range options {
		o(t)
	}

	return t
}

// HashLabel is the label identifying the issue of a record hash.
func HashLabel(hash string) string {
	return "hash:" + hash
}

// Run files one issue per new hash. A failure on one record is
// logged and counted, it does not stop the others.
func (t *Triager) Run(ctx context.Context) (*Summary, error) {
	reports, err := t.source.ListErrorReports(ctx, t.limit)
	if err != nil {
		return nil, fmt.Errorf("cannot list error reports: %w", err)
	}

	suggestions, err := t.source.ListSuggestions(ctx, t.limit)
	if err != nil {
		return nil, fmt.Errorf("cannot list suggestions: %w", err)
	}

	var (
		candidates = make([]candidate, 0, len(reports)+len(suggestions))
		seen       = make(map[string]struct{})
	)

	for _, r := range reports {
		if _, ok := seen[r.Hash]; ok || r.Hash == "" {
			continue
		}
		seen[r.Hash] = struct{}{}
		candidates = append(candidates, errorReportCandidate(r))
	}

	for _, s := range suggestions {
		if _, ok := seen[s.Hash]; ok || s.Hash == "" {
			continue
		}
		seen[s.Hash] = struct{}{}
		candidates = append(candidates, suggestionCandidate(s))
	}

	var (
		summary Summary
		created atomic.Int64
		skipped atomic.Int64
		failed  atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)

	for _, c := range candidates {
		g.Go(func() error {
			logger := t.logger.With(log.String("kind", c.kind), log.String("hash", c.hash))

			existing, err := t.tracker.FindIssueByLabel(gctx, HashLabel(c.hash))
			if err != nil {
				logger.ErrorCtx(gctx, "cannot look up triage issue", log.Error(err))
				failed.Add(1)
				return nil
			}

			if existing != nil {
				skipped.Add(1)
				return nil
			}

			issue, err := t.tracker.CreateIssue(
				gctx,
				IssueRequest{
					Title:  c.title,
					Body:   c.body,
					Labels: append(append([]string{}, c.labels...), HashLabel(c.hash)),
				},
			)
			if err != nil {
				logger.ErrorCtx(gctx, "cannot create triage issue", log.Error(err))
				failed.Add(1)
				return nil
			}

			logger.InfoCtx(gctx, "triage issue created", log.Int("issue", issue.Number))
			created.Add(1)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary.Created = created.Load()
	summary.Skipped = skipped.Load()
	summary.Failed = failed.Load()

	return &summary, ctx.Err()
}

func errorReportCandidate(r *ingest.ErrorReport) candidate {
	message := r.Message
	if message == "" {
		message = "error"
	}

	return candidate{
		kind:  "client_error",
		hash:  r.Hash,
		title: "[client-error] " + truncate(message, maxTitleRunes),
		body: strings.Join(
			[]string{
				"**url**: " + r.URL,
				"**severity**: " + r.Severity,
				"**hash**: " + r.Hash,
				"",
				markdownJSON(r),
			},
			"\n",
		),
		labels: errorLabels,
	}
}

func suggestionCandidate(s *ingest.Suggestion) candidate {
	text := s.Text
	if text == "" {
		text = "suggestion"
	}

	return candidate{
		kind:  "suggestion",
		hash:  s.Hash,
		title: "[suggestion] " + truncate(text, maxTitleRunes),
		body: strings.Join(
			[]string{
				"**page**: " + s.Page,
				"**hash**: " + s.Hash,
				"",
				markdownJSON(s),
			},
			"\n",
		),
		labels: suggestionLabels,
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	runes := []rune(s)
	return string(runes[:n])
}

func markdownJSON(v any) string {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}

	return "```json\n" + string(encoded) + "\n```"
}
