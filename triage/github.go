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

package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type (
	// GitHubClient is the subset of the GitHub REST API used to file
	// triage issues.
	GitHubClient struct {
		client  *http.Client
		baseURL string
		token   string
		repo    string
	}

	GitHubOption func(c *GitHubClient)

	Issue struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
	}

	IssueRequest struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels"`
	}

	searchIssuesResponse struct {
		TotalCount int      `json:"total_count"`
		Items      []*Issue `json:"items"`
	}
)

const (
	DefaultGitHubURL = "https://api.github.com"

	userAgent = "airbear-triage-bot"
)

func WithBaseURL(u string) GitHubOption {
	return func(c *GitHubClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// NewGitHubClient returns a client for repo, formatted owner/name.
func NewGitHubClient(client *http.Client, token, repo string, options ...GitHubOption) *GitHubClient {
	c := &GitHubClient{
		client:  client,
		baseURL: DefaultGitHubURL,
		token:   token,
		repo:    repo,
	}

	for _, o := range options {
		o(c)
	}

	return c
}

// FindIssueByLabel returns the first issue of the repository carrying
// label, or nil when there is none.
func (c *GitHubClient) FindIssueByLabel(ctx context.Context, label string) (*Issue, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("repo:%s label:%q", c.repo, label))
	q.Set("per_page", "1")

	req, err := c.newRequest(ctx, http.MethodGet, "/search/issues?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp searchIssuesResponse
	if err := c.do(req, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("cannot search issues: %w", err)
	}

	if len(resp.Items) == 0 {
		return nil, nil
	}

	return resp.Items[0], nil
}

func (c *GitHubClient) CreateIssue(ctx context.Context, issue IssueRequest) (*Issue, error) {
	body, err := json.Marshal(issue)
	if err != nil {
		return nil, fmt.Errorf("cannot encode issue: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/repos/"+c.repo+"/issues", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")

	var created Issue
	if err := c.do(req, http.StatusCreated, &created); err != nil {
		return nil, fmt.Errorf("cannot create issue: %w", err)
	}

	return &created, nil
}

func (c *GitHubClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}

	req.Header.Set("authorization", "Bearer "+c.token)
	req.Header.Set("accept", "application/vnd.github+json")
	req.Header.Set("x-github-api-version", "2022-11-28")
	req.Header.Set("user-agent", userAgent)

	return req, nil
}

func (c *GitHubClient) do(req *http.Request, expected int, v any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("cannot decode response: %w", err)
	}

	return nil
}
