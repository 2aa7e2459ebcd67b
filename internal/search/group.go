package search

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Excerpt is one highlighted passage inside a document group.
type Excerpt struct {
	PassageID  string
	Position   int
	Section    string
	Score      float64
	Provenance string
	Highlight  string
}

// Group aggregates every surviving excerpt of one document together
// with a document-level relevance score.
type Group struct {
	DocumentID   string
	Title        string
	Description  string
	Publishers   []string
	Tags         []string
	CreatedAt    time.Time
	Score        float64
	PassageCount int
	Excerpts     []Excerpt
}

const (
	dedupThreshold = 0.85

	highlightBefore   = 50
	highlightAfter    = 100
	highlightFallback = 200
)

var (
	metadataHeaderRe = regexp.MustCompile(`^(Title|Description|Publishers|Keywords):`)
	separatorLineRe  = regexp.MustCompile(`^[-=_*]{3,}$`)
	highlightMarkRe  = regexp.MustCompile(`\*\*`)
	whitespaceRunRe  = regexp.MustCompile(`\s+`)
)

// GroupBuilder assembles one document's group, applying the dedup and
// empty-body acceptance rules candidate by candidate.
type GroupBuilder struct {
	group         Group
	query         string
	metadataScore float64
	runningMax    float64
	normalized    []string
}

// NewGroupBuilder starts a group seeded with the document's metadata
// relevance. The group's score never drops below that seed.
func NewGroupBuilder(doc Group, metadataScore float64, query string) *GroupBuilder {
	doc.Score = metadataScore
	doc.Excerpts = nil
	doc.PassageCount = 0
	return &GroupBuilder{
		group:         doc,
		query:         query,
		metadataScore: metadataScore,
		runningMax:    metadataScore,
	}
}

// AddCandidate offers a merged row to the group. It reports whether
// the row was accepted as an excerpt; rejected rows still leave the
// group's score untouched.
func (b *GroupBuilder) AddCandidate(row Row) bool {
	body := stripMetadataHeader(row.Content)
	if body == "" {
		if len(b.group.Excerpts) > 0 {
			return false
		}
		body = row.Content
	}
	highlight := highlightExcerpt(body, b.query)
	norm := normalizeForDedup(highlight)
	if len(b.group.Excerpts) > 0 {
		for _, seen := range b.normalized {
			if excerptSimilarity(seen, norm) > dedupThreshold {
				return false
			}
		}
	}
	b.group.Excerpts = append(b.group.Excerpts, Excerpt{
		PassageID:  row.PassageID,
		Position:   row.Position,
		Section:    row.Section,
		Score:      row.Score,
		Provenance: row.Provenance,
		Highlight:  highlight,
	})
	b.normalized = append(b.normalized, norm)
	b.group.PassageCount++

	combined := b.metadataScore*metadataWeight + row.Score*passageWeight
	if combined > b.runningMax {
		b.runningMax = combined
	}
	b.group.Score = b.runningMax
	if b.group.Score < b.metadataScore {
		b.group.Score = b.metadataScore
	}
	return true
}

// Build finalizes the group with excerpts ordered by score, near-ties
// broken by passage position.
func (b *GroupBuilder) Build() Group {
	excerpts := b.group.Excerpts
	for i := 1; i < len(excerpts); i++ {
		for j := i; j > 0; j-- {
			prev, cur := excerpts[j-1], excerpts[j]
			closeScores := prev.Score-cur.Score <= 0.01 && cur.Score-prev.Score <= 0.01
			if (closeScores && cur.Position < prev.Position) || (!closeScores && cur.Score > prev.Score) {
				excerpts[j-1], excerpts[j] = cur, prev
				continue
			}
			break
		}
	}
	return b.group
}

// stripMetadataHeader removes enrichment-header lines (Title:,
// Description:, Publishers:, Keywords:) and horizontal separators,
// returning the remaining body text.
func stripMetadataHeader(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if metadataHeaderRe.MatchString(trimmed) || separatorLineRe.MatchString(trimmed) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// excerptSimilarity scores two normalized excerpts: identical text is
// 1.0, containment is 0.9, anything else is the Dice coefficient of
// their word sets.
func excerptSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.9
	}
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	shared := 0
	for w := range wordsA {
		if wordsB[w] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(wordsA)+len(wordsB))
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}

func normalizeForDedup(s string) string {
	s = highlightMarkRe.ReplaceAllString(s, "")
	s = whitespaceRunRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(strings.ToLower(s))
}

// highlightExcerpt cuts a window around the first case-insensitive
// occurrence of the query and wraps the matched span in emphasis
// markers. Without an occurrence it falls back to the leading text.
func highlightExcerpt(body, query string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	idx, matchEnd := foldIndex(body, query)
	if idx < 0 {
		if len(body) <= highlightFallback {
			return body
		}
		end := runeFloor(body, highlightFallback)
		return strings.TrimSpace(body[:end]) + "..."
	}
	start := idx - highlightBefore
	if start < 0 {
		start = 0
	}
	start = runeFloor(body, start)
	end := matchEnd + highlightAfter
	if end > len(body) {
		end = len(body)
	}
	end = runeFloor(body, end)
	if end < matchEnd {
		end = matchEnd
	}

	var sb strings.Builder
	if start > 0 {
		sb.WriteString("...")
	}
	sb.WriteString(body[start:idx])
	sb.WriteString("**")
	sb.WriteString(body[idx:matchEnd])
	sb.WriteString("**")
	sb.WriteString(body[matchEnd:end])
	if end < len(body) {
		sb.WriteString("...")
	}
	return sb.String()
}

// foldIndex locates the first occurrence of query in body under
// Unicode simple case folding and returns byte offsets valid in body.
// Lowercasing the whole body is not an option here: ToLower can change
// byte lengths, so offsets found in a lowered copy do not map back.
func foldIndex(body, query string) (start, end int) {
	if query == "" {
		return -1, -1
	}
	qn := utf8.RuneCountInString(query)
	for i := 0; i < len(body); {
		j := i
		n := 0
		for n < qn && j < len(body) {
			_, size := utf8.DecodeRuneInString(body[j:])
			j += size
			n++
		}
		if n < qn {
			return -1, -1
		}
		if strings.EqualFold(body[i:j], query) {
			return i, j
		}
		_, size := utf8.DecodeRuneInString(body[i:])
		i += size
	}
	return -1, -1
}

// runeFloor moves a byte offset left until it sits on a rune boundary.
func runeFloor(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
