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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type (
	// RESTStore inserts records through a PostgREST compatible API
	// such as Supabase, authenticating with a service key.
	RESTStore struct {
		client  *http.Client
		baseURL *url.URL
		key     string
	}

	restErrorReport struct {
		URL        string          `json:"url"`
		Message    string          `json:"message"`
		Stack      string          `json:"stack"`
		UserAgent  string          `json:"user_agent"`
		Severity   string          `json:"severity"`
		Meta       json.RawMessage `json:"meta"`
		AppVersion string          `json:"app_version"`
		GitSHA     string          `json:"git_sha"`
		Hash       string          `json:"hash"`
	}

	restSuggestion struct {
		Text string `json:"text"`
		Page string `json:"page"`
		Hash string `json:"hash"`
	}
)

const (
	maxRESTErrorBody = 512
)

var (
	_ Store = (*RESTStore)(nil)
)

func NewRESTStore(client *http.Client, baseURL, key string) (*RESTStore, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("cannot parse base url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}

	return &RESTStore{
		client:  client,
		baseURL: u,
		key:     key,
	}, nil
}

func (s *RESTStore) InsertErrorReport(ctx context.Context, r *ErrorReport) error {
	meta, err := r.MetaJSON()
	if err != nil {
		return fmt.Errorf("cannot encode meta: %w", err)
	}
	if meta == nil {
		meta = json.RawMessage("null")
	}

	return s.insert(
		ctx,
		TableClientErrorReports,
		restErrorReport{
			URL:        r.URL,
			Message:    r.Message,
			Stack:      r.Stack,
			UserAgent:  r.UserAgent,
			Severity:   r.Severity,
			Meta:       meta,
			AppVersion: r.AppVersion,
			GitSHA:     r.GitSHA,
			Hash:       r.Hash,
		},
	)
}

func (s *RESTStore) InsertSuggestion(ctx context.Context, sug *Suggestion) error {
	return s.insert(
		ctx,
		TableUserSuggestions,
		restSuggestion{
			Text: sug.Text,
			Page: sug.Page,
			Hash: sug.Hash,
		},
	)
}

func (s *RESTStore) insert(ctx context.Context, table string, record any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cannot encode %s record: %w", table, err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, "/rest/v1/"+table, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("prefer", "return=minimal")

	return s.do(req)
}

// ListErrorReports returns the most recent reports, newest first.
func (s *RESTStore) ListErrorReports(ctx context.Context, limit int) ([]*ErrorReport, error) {
	var reports []*ErrorReport
	if err := s.list(ctx, TableClientErrorReports, limit, &reports); err != nil {
		return nil, err
	}

	return reports, nil
}

// ListSuggestions returns the most recent suggestions, newest first.
func (s *RESTStore) ListSuggestions(ctx context.Context, limit int) ([]*Suggestion, error) {
	var suggestions []*Suggestion
	if err := s.list(ctx, TableUserSuggestions, limit, &suggestions); err != nil {
		return nil, err
	}

	return suggestions, nil
}

func (s *RESTStore) list(ctx context.Context, table string, limit int, v any) error {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("order", "created_at.desc")
	query.Set("limit", strconv.Itoa(limit))

	req, err := s.newRequest(ctx, http.MethodGet, "/rest/v1/"+table+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxRESTErrorBody))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("cannot decode %s rows: %w", table, err)
	}

	return nil
}

// Ping checks that the API answers and accepts the service key.
func (s *RESTStore) Ping(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodHead, "/rest/v1/"+TableUserSuggestions+"?limit=1", nil)
	if err != nil {
		return err
	}

	return s.do(req)
}

func (s *RESTStore) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("cannot parse path: %w", err)
	}

	u := *s.baseURL
	u.Path += ref.Path
	u.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}

	req.Header.Set("apikey", s.key)
	req.Header.Set("authorization", "Bearer "+s.key)

	return req, nil
}

func (s *RESTStore) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxRESTErrorBody))

	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
}
