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
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.airbear.app/ingest/pii"
)

func TestText(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "nil", in: nil, want: ""},
		{name: "empty string", in: "", want: ""},
		{name: "false", in: false, want: ""},
		{name: "zero", in: json.Number("0"), want: ""},
		{name: "negative zero", in: json.Number("-0.0"), want: ""},
		{name: "true", in: true, want: "true"},
		{name: "string", in: "hello", want: "hello"},
		{name: "integer", in: json.Number("12345"), want: "12345"},
		{name: "exponent", in: json.Number("1e3"), want: "1000"},
		{name: "fraction", in: json.Number("0.5"), want: "0.5"},
		{name: "float", in: 2.5, want: "2.5"},
		{name: "object", in: map[string]any{"b": 1.0, "a": "x"}, want: `{"a":"x","b":1}`},
		{name: "array", in: []any{"a", 1.0}, want: `["a",1]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, text(tt.in))
		})
	}
}

func TestFalsy(t *testing.T) {
	assert.False(t, falsy(math.Inf(1)))
	assert.True(t, falsy(0.0))
}

func TestNewErrorReport_Defaults(t *testing.T) {
	r, err := NewErrorReport(map[string]any{}, pii.Default)
	require.NoError(t, err)

	assert.Equal(t, "", r.URL)
	assert.Equal(t, "", r.Message)
	assert.Equal(t, DefaultSeverity, r.Severity)
	assert.Nil(t, r.Meta)
	assert.Len(t, r.Hash, 64)

	meta, err := r.MetaJSON()
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestNewErrorReport_SeverityNotScrubbed(t *testing.T) {
	r, err := NewErrorReport(map[string]any{"severity": "ops@airbear.app"}, pii.Default)
	require.NoError(t, err)

	assert.Equal(t, "ops@airbear.app", r.Severity)
}

func TestNewErrorReport_NonStringFields(t *testing.T) {
	r, err := NewErrorReport(
		map[string]any{
			"message":  map[string]any{"contact": "a@b.com"},
			"stack":    []any{"frame1", "frame2"},
			"severity": json.Number("3"),
		},
		pii.Default,
	)
	require.NoError(t, err)

	assert.Equal(t, `{"contact":"[email]"}`, r.Message)
	assert.Equal(t, `["frame1","frame2"]`, r.Stack)
	assert.Equal(t, "3", r.Severity)
}

func TestErrorReport_HashCoversFieldOrder(t *testing.T) {
	r := &ErrorReport{
		URL:      "u",
		Message:  "m",
		Severity: "error",
	}

	hash, err := r.ComputeHash()
	require.NoError(t, err)

	want := sha256Hex([]byte(
		`{"url":"u","message":"m","stack":"","user_agent":"","severity":"error","meta":null,"app_version":"","git_sha":""}`,
	))
	assert.Equal(t, want, hash)
}

func TestErrorReport_HashDoesNotEscapeHTML(t *testing.T) {
	r := &ErrorReport{Message: "<script>&</script>", Severity: "error"}

	hash, err := r.ComputeHash()
	require.NoError(t, err)

	want := sha256Hex([]byte(
		`{"url":"","message":"<script>&</script>","stack":"","user_agent":"","severity":"error","meta":null,"app_version":"","git_sha":""}`,
	))
	assert.Equal(t, want, hash)
}

func TestNewSuggestion(t *testing.T) {
	s, err := NewSuggestion(map[string]any{"text": "  add night routes  ", "page": "/map"}, pii.Default)
	require.NoError(t, err)

	assert.Equal(t, "add night routes", s.Text)
	assert.Equal(t, "/map", s.Page)
	assert.Equal(t, sha256Hex([]byte("add night routes|/map")), s.Hash)

	_, err = NewSuggestion(map[string]any{"text": " \t"}, pii.Default)
	assert.ErrorIs(t, err, ErrEmptySuggestion)

	_, err = NewSuggestion(nil, pii.Default)
	assert.ErrorIs(t, err, ErrEmptySuggestion)
}

func TestNewSuggestion_OnlyPII(t *testing.T) {
	s, err := NewSuggestion(map[string]any{"text": "me@example.com"}, pii.Default)
	require.NoError(t, err)

	assert.Equal(t, "[email]", s.Text, "a fully redacted text is not empty")
	assert.False(t, strings.Contains(s.Text, "@"))
}

func TestUnescapeLineSeparators(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "nothing to do", in: `{"a":"b"}`, want: `{"a":"b"}`},
		{name: "line separator", in: `"a\u2028b"`, want: "\"a\u2028b\""},
		{name: "paragraph separator", in: `"a\u2029b"`, want: "\"a\u2029b\""},
		{name: "literal backslash", in: `"a\\u2028b"`, want: `"a\\u2028b"`},
		{name: "escaped backslash then separator", in: `"\\\u2028"`, want: "\"\\\\\u2028\""},
		{name: "other escapes kept", in: `"\u2027\n"`, want: `"\u2027\n"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(unescapeLineSeparators([]byte(tt.in))))
		})
	}
}

func TestErrorReport_HashKeepsLineSeparatorsRaw(t *testing.T) {
	r, err := NewErrorReport(
		map[string]any{"message": "line\u2028break"},
		pii.Default,
	)
	require.NoError(t, err)

	want := "{\"url\":\"\",\"message\":\"line\u2028break\",\"stack\":\"\"," +
		"\"user_agent\":\"\",\"severity\":\"error\",\"meta\":null,\"app_version\":\"\",\"git_sha\":\"\"}"
	assert.Equal(t, sha256Hex([]byte(want)), r.Hash)
}
