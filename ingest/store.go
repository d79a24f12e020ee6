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
	"errors"
)

type (
	// Store persists scrubbed telemetry records.
	Store interface {
		InsertErrorReport(ctx context.Context, r *ErrorReport) error
		InsertSuggestion(ctx context.Context, s *Suggestion) error
		Ping(ctx context.Context) error
	}
)

const (
	TableClientErrorReports = "client_error_reports"
	TableUserSuggestions    = "user_suggestions"
)

var (
	ErrEmptySuggestion = errors.New("suggestion text is empty")
	ErrInvalidBody     = errors.New("request body is not a JSON object")
)
