// Package extract pulls a structured JSON value out of free-form model output.
//
// Models wrap JSON in markdown fences, prefix it with prose, or trail it with
// commentary. Parse tries a cascade of strategies and stops at the first one
// that yields an object or an array. Failing to find one is an expected
// outcome, not an error.
package extract

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Method records which strategy produced a value.
type Method string

const (
	MethodNone     Method = "none"
	MethodFenced   Method = "fenced_block"
	MethodWhole    Method = "whole_text"
	MethodEmbedded Method = "embedded_span"
)

// fencedBlock matches a ``` fence, optionally tagged json, up to the next fence.
var fencedBlock = regexp.MustCompile("```(?:json)?\\s*\\n([\\s\\S]*?)\\n```")

// Parse runs the extraction cascade over text:
//
//  1. the interior of the first fenced code block;
//  2. the whole text;
//  3. the minimal balanced span starting at the first '[' or '{'. If that
//     span does not parse, the first span of the other bracket type is tried.
//
// Scalars (numbers, strings, booleans, null) are not structured values and do
// not count as a match. No shape validation is performed.
func Parse(text string) (Value, Method) {
	if strings.TrimSpace(text) == "" {
		return Value{}, MethodNone
	}

	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		if v, ok := decode(m[1]); ok {
			return v, MethodFenced
		}
	}

	if v, ok := decode(text); ok {
		return v, MethodWhole
	}

	for _, start := range openers(text) {
		span, ok := balancedSpan(text, start)
		if !ok {
			continue
		}
		if v, ok := decode(span); ok {
			return v, MethodEmbedded
		}
	}

	return Value{}, MethodNone
}

// openers returns the index of the first '[' and the first '{' in text,
// earliest first. Missing brackets are omitted.
func openers(text string) []int {
	sq := strings.IndexByte(text, '[')
	cu := strings.IndexByte(text, '{')
	switch {
	case sq < 0 && cu < 0:
		return nil
	case sq < 0:
		return []int{cu}
	case cu < 0:
		return []int{sq}
	case sq < cu:
		return []int{sq, cu}
	default:
		return []int{cu, sq}
	}
}

// balancedSpan counts depth over the bracket type found at start and returns
// the text up to and including the bracket that brings depth back to zero.
// Brackets inside string literals are counted too; a span broken that way
// simply fails to decode.
func balancedSpan(text string, start int) (string, bool) {
	open := text[start]
	close := byte(']')
	if open == '{' {
		close = '}'
	}

	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// decode parses s as exactly one JSON value and reports whether it is an
// object or an array.
func decode(s string) (Value, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return Value{}, false
	}

	var raw any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Value{}, false
	}

	return FromAny(raw), true
}

// ─── EXTRACTOR ────────────────────────────────────────────────────────────────

// Extractor wraps Parse with logging so failures can be diagnosed from the
// logs alone.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor returns an Extractor that logs through logger.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract runs Parse and logs the outcome. A miss is logged at warn level with
// the text length and a short prefix.
func (e *Extractor) Extract(text string) Value {
	v, method := Parse(text)
	if v.Present() {
		e.logger.Debug("extract: found JSON",
			"method", method,
			"kind", v.Kind(),
			"chars", len(text),
		)
		return v
	}

	e.logger.Warn("extract: no JSON found",
		"chars", len(text),
		"prefix", prefix(text, 200),
	)
	return v
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
