// Package textutil trims text for prompts, logs and chat messages without
// splitting UTF-8 sequences.
package textutil

import "unicode/utf8"

// Truncate returns the longest prefix of s that fits in n bytes and ends on a
// rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Clip is Truncate followed by suffix when s was cut.
func Clip(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	return Truncate(s, n) + suffix
}
