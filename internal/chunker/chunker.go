// Package chunker splits canonical document text into overlapping
// passages suitable for embedding and retrieval.
package chunker

import (
	"regexp"
	"strings"
)

const (
	// DefaultMaxSize bounds passage length in characters.
	DefaultMaxSize = 1000
	// DefaultOverlap bounds the carried-forward context between
	// consecutive passages, in characters.
	DefaultOverlap = 200
)

// Passage is one contiguous excerpt of a document's text.
type Passage struct {
	Text          string
	Position      int
	Section       string
	TokenEstimate int
}

var (
	numberedHeaderRe = regexp.MustCompile(`^\d+(\.\d+)*[.)]?\s+\S`)
	markupHeaderRe   = regexp.MustCompile(`^#{1,6}\s+\S`)
	emphasisRe       = regexp.MustCompile(`^(\*\*|__|\*)(.+?)(\*\*|__|\*)$`)
)

// Chunk splits text into ordered passages no longer than maxSize,
// carrying up to overlap characters of trailing context between
// consecutive passages of an oversized section. Section headers
// detected in the text become section labels for the passages that
// follow them and are not emitted as passages themselves. Empty or
// whitespace-only input yields no passages.
func Chunk(text string, maxSize, overlap int) []Passage {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if overlap < 0 {
		overlap = 0
	}

	headers := detectHeaders(text)
	blocks := splitBlocks(text)

	var (
		passages []Passage
		section  string
	)
	for _, blk := range blocks {
		if label, ok := headers[blk]; ok {
			section = label
			continue
		}
		if len(blk) <= maxSize {
			passages = append(passages, Passage{Text: blk, Section: section})
			continue
		}
		passages = append(passages, packOversized(blk, section, maxSize, overlap)...)
	}

	if len(passages) == 0 {
		passages = sentenceFallback(text, maxSize, overlap)
	}

	for i := range passages {
		passages[i].Position = i
		passages[i].TokenEstimate = EstimateTokens(passages[i].Text)
	}
	return passages
}

// EstimateTokens is a cheap character-based proxy, not a tokenizer.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// splitBlocks splits canonical text on blank-line boundaries.
func splitBlocks(text string) []string {
	raw := strings.Split(text, "\n\n")
	blocks := make([]string, 0, len(raw))
	for _, b := range raw {
		b = strings.TrimSpace(b)
		if b != "" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// detectHeaders scans every single-line block for structural header
// patterns and returns trimmed block -> section label. Candidates from
// the independent patterns are deduplicated by the map itself.
func detectHeaders(text string) map[string]string {
	headers := make(map[string]string)
	for _, blk := range splitBlocks(text) {
		if strings.Contains(blk, "\n") {
			continue
		}
		if label, ok := headerLabel(blk); ok {
			headers[blk] = label
		}
	}
	return headers
}

func headerLabel(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > 120 {
		return "", false
	}
	if markupHeaderRe.MatchString(line) {
		return strings.TrimSpace(strings.TrimLeft(line, "# ")), true
	}
	if m := emphasisRe.FindStringSubmatch(line); m != nil && len(m[2]) <= 80 {
		return strings.TrimSpace(m[2]), true
	}
	if numberedHeaderRe.MatchString(line) && len(line) <= 80 {
		return line, true
	}
	if isAllCapsLine(line) {
		return line, true
	}
	if strings.HasSuffix(line, ":") && len(line) <= 80 && isTitleCase(strings.TrimSuffix(line, ":")) {
		return strings.TrimSuffix(line, ":"), true
	}
	return "", false
}

func isAllCapsLine(line string) bool {
	letters := 0
	for _, r := range line {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			letters++
		}
	}
	return letters >= 2 && len(line) <= 80
}

// isTitleCase reports whether every significant word starts uppercase.
func isTitleCase(s string) bool {
	words := strings.Fields(s)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	for _, w := range words {
		r := rune(w[0])
		if r >= 'a' && r <= 'z' {
			// short connective words may stay lowercase
			if len(w) <= 3 {
				continue
			}
			return false
		}
	}
	return true
}

// packer greedily accumulates pieces into passages up to maxSize,
// seeding each new passage with overlap context taken from the tail of
// the previous one.
type packer struct {
	section string
	maxSize int
	overlap int
	sep     string
	tail    func(text string, budget int) string

	out   []Passage
	cur   string
	carry string
}

func (p *packer) emit() {
	text := strings.TrimSpace(p.cur)
	if text == "" || text == strings.TrimSpace(p.carry) {
		return
	}
	p.out = append(p.out, Passage{Text: text, Section: p.section})
	p.carry = p.tail(text, p.overlap)
	p.cur = p.carry
}

func (p *packer) add(piece string) {
	candidate := piece
	switch {
	case p.cur == "":
	case p.cur == p.carry:
		candidate = p.cur + " " + piece
	default:
		candidate = p.cur + p.sep + piece
	}
	if len(candidate) > p.maxSize {
		p.emit()
		// rejoin against the fresh carry; drop the carry when even
		// that would overflow the limit
		if p.carry != "" && len(p.carry)+1+len(piece) <= p.maxSize {
			p.cur = p.carry + " " + piece
		} else {
			p.cur, p.carry = piece, ""
		}
		return
	}
	p.cur = candidate
}

// adopt splices in passages produced for an oversized piece and seeds
// the carry from the last of them.
func (p *packer) adopt(sub []Passage) {
	p.emit()
	p.out = append(p.out, sub...)
	if len(sub) > 0 {
		p.carry = p.tail(sub[len(sub)-1].Text, p.overlap)
		p.cur = p.carry
	} else {
		p.cur, p.carry = "", ""
	}
}

func (p *packer) flush() []Passage {
	p.emit()
	return p.out
}

// packOversized splits one section that exceeds maxSize. Sections with
// internal line structure are packed line by line; a single run of
// text is packed sentence by sentence.
func packOversized(blk, section string, maxSize, overlap int) []Passage {
	lines := nonEmptyLines(blk)
	if len(lines) <= 1 {
		return packSentences(blk, section, maxSize, overlap)
	}
	p := &packer{section: section, maxSize: maxSize, overlap: overlap, sep: "\n", tail: trailingSentences}
	for _, line := range lines {
		if len(line) > maxSize {
			p.adopt(packSentences(line, section, maxSize, overlap))
			continue
		}
		p.add(line)
	}
	return p.flush()
}

func nonEmptyLines(blk string) []string {
	var out []string
	for _, line := range strings.Split(blk, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// packSentences packs the sentences of one oversized paragraph. A
// paragraph without sentence delimiters becomes a single passage even
// when it exceeds maxSize; packing never loops forever.
func packSentences(para, section string, maxSize, overlap int) []Passage {
	sentences := splitSentences(para)
	if len(sentences) <= 1 {
		return []Passage{{Text: para, Section: section}}
	}
	p := &packer{section: section, maxSize: maxSize, overlap: overlap, sep: " ", tail: trailingSentences}
	for _, s := range sentences {
		p.add(s)
	}
	out := p.flush()
	if len(out) == 0 {
		return []Passage{{Text: para, Section: section}}
	}
	return out
}

// sentenceFallback handles text without blank-line structure that
// produced no passages: split on sentence boundaries and pack with
// trailing-word overlap.
func sentenceFallback(text string, maxSize, overlap int) []Passage {
	text = strings.TrimSpace(text)
	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return []Passage{{Text: text}}
	}
	p := &packer{maxSize: maxSize, overlap: overlap, sep: " ", tail: trailingWords}
	for _, s := range sentences {
		p.add(s)
	}
	out := p.flush()
	if len(out) == 0 {
		return []Passage{{Text: text}}
	}
	return out
}

// splitSentences cuts text after . ! ? followed by whitespace.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// absorb punctuation runs like "?!" or "..."
		j := i
		for j+1 < len(runes) && (runes[j+1] == '.' || runes[j+1] == '!' || runes[j+1] == '?') {
			j++
		}
		if j+1 < len(runes) && runes[j+1] != ' ' && runes[j+1] != '\n' {
			i = j
			continue
		}
		sent := strings.TrimSpace(string(runes[start : j+1]))
		if sent != "" {
			out = append(out, sent)
		}
		start = j + 1
		i = j
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

// trailingSentences returns the last one or two sentences of text
// whose combined length fits the overlap budget.
func trailingSentences(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return trailingWords(text, budget)
	}
	last := sentences[len(sentences)-1]
	if len(last) > budget {
		return trailingWords(last, budget)
	}
	if len(sentences) >= 2 {
		two := sentences[len(sentences)-2] + " " + last
		if len(two) <= budget {
			return two
		}
	}
	return last
}

// trailingWords returns the trailing whole words of text within budget.
func trailingWords(text string, budget int) string {
	if budget <= 0 || text == "" {
		return ""
	}
	words := strings.Fields(text)
	var (
		picked []string
		total  int
	)
	for i := len(words) - 1; i >= 0; i-- {
		w := words[i]
		if total+len(w)+len(picked) > budget {
			break
		}
		picked = append([]string{w}, picked...)
		total += len(w)
	}
	return strings.Join(picked, " ")
}
