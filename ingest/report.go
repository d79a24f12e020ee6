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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.airbear.app/ingest/pii"
)

type (
	// ErrorReport is a scrubbed client error as persisted in
	// client_error_reports.
	ErrorReport struct {
		ID         int64     `json:"id,omitempty"`
		URL        string    `json:"url"`
		Message    string    `json:"message"`
		Stack      string    `json:"stack"`
		UserAgent  string    `json:"user_agent"`
		Severity   string    `json:"severity"`
		Meta       any       `json:"meta"`
		AppVersion string    `json:"app_version"`
		GitSHA     string    `json:"git_sha"`
		Hash       string    `json:"hash"`
		CreatedAt  time.Time `json:"created_at,omitzero"`
	}

	// Suggestion is a scrubbed user suggestion as persisted in
	// user_suggestions.
	Suggestion struct {
		ID        int64     `json:"id,omitempty"`
		Text      string    `json:"text"`
		Page      string    `json:"page"`
		Hash      string    `json:"hash"`
		CreatedAt time.Time `json:"created_at,omitzero"`
	}

	// errorReportPayload fixes the field order of the hashed encoding.
	errorReportPayload struct {
		URL        string `json:"url"`
		Message    string `json:"message"`
		Stack      string `json:"stack"`
		UserAgent  string `json:"user_agent"`
		Severity   string `json:"severity"`
		Meta       any    `json:"meta"`
		AppVersion string `json:"app_version"`
		GitSHA     string `json:"git_sha"`
	}
)

const (
	DefaultSeverity = "error"
)

// NewErrorReport builds a scrubbed report from a decoded request body
// and computes its hash.
func NewErrorReport(body map[string]any, scrubber pii.Scrubber) (*ErrorReport, error) {
	r := &ErrorReport{
		URL:        scrubber.Scrub(text(body["url"])),
		Message:    scrubber.Scrub(text(body["message"])),
		Stack:      scrubber.Scrub(text(body["stack"])),
		UserAgent:  scrubber.Scrub(text(body["user_agent"])),
		Severity:   textOr(body["severity"], DefaultSeverity),
		Meta:       body["meta"],
		AppVersion: scrubber.Scrub(text(body["app_version"])),
		GitSHA:     scrubber.Scrub(text(body["git_sha"])),
	}

	hash, err := r.ComputeHash()
	if err != nil {
		return nil, err
	}
	r.Hash = hash

	return r, nil
}

// ComputeHash returns the hex SHA-256 of the report's canonical JSON
// encoding. Meta objects are encoded with sorted keys, so the hash
// does not depend on the key order the client sent.
func (r *ErrorReport) ComputeHash() (string, error) {
	payload := errorReportPayload{
		URL:        r.URL,
		Message:    r.Message,
		Stack:      r.Stack,
		UserAgent:  r.UserAgent,
		Severity:   r.Severity,
		Meta:       r.Meta,
		AppVersion: r.AppVersion,
		GitSHA:     r.GitSHA,
	}

	encoded, err := encodeJSON(payload)
	if err != nil {
		return "", fmt.Errorf("cannot encode error report: %w", err)
	}

	return sha256Hex(encoded), nil
}

// MetaJSON returns the encoded meta value, or nil when there is none.
func (r *ErrorReport) MetaJSON() ([]byte, error) {
	if r.Meta == nil {
		return nil, nil
	}

	return encodeJSON(r.Meta)
}

// NewSuggestion builds a scrubbed suggestion. It returns
// ErrEmptySuggestion when no text is left after scrubbing and
// trimming.
func NewSuggestion(body map[string]any, scrubber pii.Scrubber) (*Suggestion, error) {
	s := &Suggestion{
		Text: strings.TrimSpace(scrubber.Scrub(text(body["text"]))),
		Page: scrubber.Scrub(text(body["page"])),
	}

	if s.Text == "" {
		return nil, ErrEmptySuggestion
	}

	s.Hash = s.ComputeHash()

	return s, nil
}

func (s *Suggestion) ComputeHash() string {
	return sha256Hex([]byte(s.Text + "|" + s.Page))
}

// text converts a JSON value to text the way a browser client would
// coerce it: falsy values become the empty string, strings are kept
// and everything else is stringified.
func text(v any) string {
	return textOr(v, "")
}

func textOr(v any, fallback string) string {
	if falsy(v) {
		return fallback
	}

	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return pii.Stringify(f)
		}
		return n.String()
	}

	return pii.Stringify(v)
}

func falsy(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case bool:
		return !v
	case string:
		return v == ""
	case json.Number:
		f, err := v.Float64()
		return err == nil && f == 0
	case float64:
		return v == 0
	}

	return false
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes that
// encoding/json always emits back into raw characters, so the hashed
// bytes are the ones JSON.stringify produces. An escape preceded by an
// odd number of backslashes is literal text and is left alone.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}

	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' {
			out = append(out, b[i])
			continue
		}

		if i+5 < len(b) && b[i+1] == 'u' && string(b[i+2:i+5]) == "202" && (b[i+5] == '8' || b[i+5] == '9') {
			if b[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}

		// Copy the escaped character with its backslash so a literal
		// backslash never starts a new escape.
		out = append(out, b[i])
		if i+1 < len(b) {
			out = append(out, b[i+1])
			i++
		}
	}

	return out
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
