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

// Package pii redacts personally identifiable information from free
// text before it is hashed, persisted or logged.
//
// The default strategy is a pair of heuristic regular expressions: one
// for email addresses and one for North American phone numbers. Every
// match is replaced by a fixed placeholder token, never partially
// masked. The patterns deliberately miss international phone formats
// and obfuscated addresses; records already stored were redacted with
// exactly these patterns and the content hashes downstream depend on
// that.
package pii

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type (
	// Scrubber replaces PII found in a text with placeholder tokens.
	// Implementations must be pure and idempotent.
	Scrubber interface {
		Scrub(string) string
	}

	// RegexScrubber applies an ordered list of patterns, replacing
	// every match of each pattern with its placeholder.
	RegexScrubber struct {
		rules []rule
	}

	rule struct {
		pattern     *regexp.Regexp
		placeholder string
	}
)

const (
	EmailPlaceholder = "[email]"
	PhonePlaceholder = "[phone]"

	phoneSeparator = `[\t\n\x{000B}\f\r \x{00A0}\x{1680}\x{2000}-\x{200A}\x{2028}\x{2029}\x{202F}\x{205F}\x{3000}\x{FEFF}.-]`
)

var (
	// EmailPattern spells out both letter cases: (?i) would also fold
	// U+017F and U+212A into s and k.
	EmailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	// PhonePattern separators accept the full ECMAScript white space
	// set, which is wider than RE2's \s.
	PhonePattern = regexp.MustCompile(
		`\b(?:\+?1` + phoneSeparator + `?)?\(?\d{3}\)?` + phoneSeparator + `?\d{3}` + phoneSeparator + `?\d{4}\b`,
	)

	// Default redacts emails first, then phone numbers.
	Default Scrubber = NewRegexScrubber()

	_ Scrubber = (*RegexScrubber)(nil)
)

// NewRegexScrubber returns the email then phone scrubber.
func NewRegexScrubber() *RegexScrubber {
	return &RegexScrubber{
		rules: []rule{
			{pattern: EmailPattern, placeholder: EmailPlaceholder},
			{pattern: PhonePattern, placeholder: PhonePlaceholder},
		},
	}
}

func (s *RegexScrubber) Scrub(text string) string {
	for _, r := range s.rules {
		text = r.pattern.ReplaceAllLiteralString(text, r.placeholder)
	}

	return text
}

// Scrub canonicalizes v with Stringify and redacts it with the Default
// scrubber.
func Scrub(v any) string {
	return Default.Scrub(Stringify(v))
}

// Stringify returns the text representation of v used before
// redaction. Strings are returned as is, anything else is JSON
// encoded. When encoding fails (cycles, channels, funcs) it falls back
// to a best-effort coercion and never panics. The result is always
// valid UTF-8.
func Stringify(v any) string {
	var s string

	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			s = coerce(v)
		} else {
			s = string(encoded)
		}
	}

	return strings.ToValidUTF8(s, "\uFFFD")
}

func coerce(v any) (s string) {
	defer func() {
		if recover() != nil {
			s = fmt.Sprintf("[%T]", v)
		}
	}()

	switch x := v.(type) {
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}

	return fmt.Sprintf("[%T]", v)
}
