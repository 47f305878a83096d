// Package sanitize strips formatting and control characters from
// agent-supplied text before it is surfaced to a human — session
// titles, summaries, and toast bodies are all derived from opaque
// payloads the hub does not otherwise trust.
package sanitize

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var (
	reBold          = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	reItalic        = regexp.MustCompile(`\*(.+?)\*|_(.+?)_`)
	reStrikethrough = regexp.MustCompile(`~~(.+?)~~`)
	reInlineCode    = regexp.MustCompile("`(.+?)`")
	reLink          = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)

	htmlPolicy = bluemonday.StrictPolicy()
)

// Text strips HTML and common markdown inline formatting from s,
// removes control characters, and truncates to maxLen runes. Used for
// session titles, toast bodies, and any other agent-supplied text
// rendered directly to a human.
func Text(s string, maxLen int) string {
	s = reBold.ReplaceAllString(s, "${1}${2}")
	s = reItalic.ReplaceAllString(s, "${1}${2}")
	s = reStrikethrough.ReplaceAllString(s, "${1}")
	s = reInlineCode.ReplaceAllString(s, "${1}")
	s = reLink.ReplaceAllString(s, "${1}")

	s = htmlPolicy.Sanitize(s)
	s = html.UnescapeString(s)

	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	if runes := []rune(s); len(runes) > maxLen {
		s = string(runes[:maxLen])
	}
	return s
}

// FirstLine returns the first non-blank line of s, sanitized with Text.
// Used to derive a session title from a longer summary or plan body.
func FirstLine(s string, maxLen int) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return Text(line, maxLen)
		}
	}
	return ""
}
