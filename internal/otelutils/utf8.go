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

// Package otelutils repairs invalid UTF-8 before it reaches the trace
// exporter. OTLP encodes strings as protobuf strings, and one invalid
// byte sequence makes the collector reject the whole batch.
package otelutils

import (
	"strings"
	"unicode/utf8"
)

type validError struct {
	err error
}

// ToValidUTF8 replaces each invalid byte sequence of s with U+FFFD.
func ToValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	return strings.ToValidUTF8(s, "\uFFFD")
}

// SanitizeError returns err unchanged when its message is valid UTF-8,
// else a wrapper with a repaired message that still unwraps to err.
func SanitizeError(err error) error {
	if err == nil || utf8.ValidString(err.Error()) {
		return err
	}

	return validError{err: err}
}

func (e validError) Error() string { return ToValidUTF8(e.err.Error()) }
func (e validError) Unwrap() error { return e.err }
