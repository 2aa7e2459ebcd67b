// Package extract defines the raw-data extraction boundary: turning
// source bytes into text ahead of normalization and chunking.
package extract

import (
	"context"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
)

// base URL handed to readability for resolving relative links.
var localBase = &url.URL{Scheme: "http", Host: "localhost"}

// Extractor converts raw source bytes into text. ok=false reports
// "absent" text: the source could not be decoded at all, and the
// ingestion pipeline must fall back to any originally supplied text.
type Extractor interface {
	Extract(ctx context.Context, mimeType string, data []byte) (text string, ok bool, err error)
}

// Basic handles plain text, markdown, CSV, JSON, and HTML sources.
// Binary formats (PDF, DOCX) belong to an external collaborator;
// Basic attempts a plain-text decode for anything it does not know and
// reports absent when that fails.
type Basic struct{}

func (Basic) Extract(ctx context.Context, mimeType string, data []byte) (string, bool, error) {
	if len(data) == 0 {
		return "", false, nil
	}
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "text/html", "application/xhtml+xml":
		article, err := readability.FromReader(strings.NewReader(string(data)), localBase)
		if err != nil {
			// fall back to a raw decode of the markup
			return decodeText(data)
		}
		text := strings.TrimSpace(article.TextContent)
		if text == "" {
			return decodeText(data)
		}
		return text, true, nil
	case "text/plain", "text/markdown", "text/csv", "application/json", "application/csv":
		return decodeText(data)
	default:
		return decodeText(data)
	}
}

// decodeText accepts data that is valid UTF-8 and predominantly
// printable. Anything else is reported absent rather than producing
// garbage passages.
func decodeText(data []byte) (string, bool, error) {
	if !utf8.Valid(data) {
		return "", false, nil
	}
	s := string(data)
	printable := 0
	total := 0
	for _, r := range s {
		total++
		if r == '\n' || r == '\r' || r == '\t' || unicode.IsPrint(r) {
			printable++
		}
	}
	if total == 0 || float64(printable)/float64(total) < 0.9 {
		return "", false, nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false, nil
	}
	return s, true, nil
}
