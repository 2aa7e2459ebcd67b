// Package normalize turns raw extracted text into a canonical form
// suitable for chunking and indexing.
package normalize

import (
	"strings"
	"unicode"
)

// Text cleans a raw extracted string into canonical form: control
// characters and unicode replacement characters are removed, CRLF/CR
// line endings become LF, runs of spaces and tabs collapse to one
// space, single line breaks inside a paragraph become spaces, and
// consecutive blank lines collapse to exactly one paragraph break.
// Empty input yields empty output.
func Text(raw string) string {
	if raw == "" {
		return ""
	}

	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "�", "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	s = b.String()

	paragraphs := splitParagraphs(s)
	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		lines := strings.Split(p, "\n")
		for i, line := range lines {
			lines[i] = collapseSpaces(line)
		}
		joined := strings.TrimSpace(strings.Join(lines, " "))
		joined = collapseSpaces(joined)
		if joined != "" {
			out = append(out, joined)
		}
	}
	return strings.Join(out, "\n\n")
}

// splitParagraphs splits on one-or-more blank lines. A line containing
// only spaces or tabs counts as blank.
func splitParagraphs(s string) []string {
	var (
		paras []string
		cur   []string
	)
	flush := func() {
		if len(cur) > 0 {
			paras = append(paras, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return paras
}

func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
