// Package llmjson decodes structured data out of free-form model output.
//
// Model responses are untrusted text: they may wrap JSON in markdown fences,
// surround it with prose, or emit slightly malformed JSON. Decode tolerates all
// of these and reports an error only when nothing usable can be recovered, so
// callers can fall back to their documented default.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON is returned when the text holds no JSON object or array.
var ErrNoJSON = errors.New("llmjson: no JSON found in response")

// Decode extracts the first JSON value from text and unmarshals it into v.
// Malformed JSON is passed through jsonrepair before giving up.
func Decode(text string, v any) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("llmjson: repair: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("llmjson: unmarshal: %w", err)
	}
	return nil
}

// DecodeOr decodes text into a fresh T, returning fallback on any failure.
func DecodeOr[T any](text string, fallback T) (T, error) {
	var v T
	if err := Decode(text, &v); err != nil {
		return fallback, err
	}
	return v, nil
}

// Extract strips markdown fences and returns the outermost JSON object or
// array in text.
func Extract(text string) (string, error) {
	s := stripFences(strings.TrimSpace(text))
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", ErrNoJSON
	}
	open := s[start]
	closeCh := byte('}')
	if open == '[' {
		closeCh = ']'
	}
	end := matchingClose(s, start, open, closeCh)
	if end < 0 {
		// Truncated output; let the repair step try to close it.
		return s[start:], nil
	}
	return s[start : end+1], nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "```json"); i >= 0 {
			s = s[i:]
		} else {
			return s
		}
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// matchingClose finds the index of the bracket closing s[start], skipping
// over string literals.
func matchingClose(s string, start int, open, closeCh byte) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Score is a number in [0,1]. It accepts JSON numbers and numeric strings and
// clamps out-of-range values. NaN is rejected.
type Score float64

func (s *Score) UnmarshalJSON(b []byte) error {
	str := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if str == "" || str == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return fmt.Errorf("llmjson: score %q: %w", str, err)
	}
	if math.IsNaN(f) {
		return fmt.Errorf("llmjson: score %q is not a number", str)
	}
	*s = Score(Clamp(f))
	return nil
}

// Clamp limits f to [0,1]. NaN becomes 0.
func Clamp(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
