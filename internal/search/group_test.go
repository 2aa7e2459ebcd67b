package search

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/perceptor-labs/docsearch/internal/store"
)

func TestExcerptSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"acme grew revenue", "acme grew revenue", 1.0},
		{"acme grew revenue this year", "acme grew revenue", 0.9},
		{"alpha beta gamma", "beta gamma delta", 2.0 / 3.0},
		{"alpha beta", "gamma delta", 0},
	}
	for _, c := range cases {
		got := excerptSimilarity(c.a, c.b)
		if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("excerptSimilarity(%q, %q) = %f, want %f", c.a, c.b, got, c.want)
		}
	}
}

func TestStripMetadataHeader(t *testing.T) {
	in := "Title: Annual Report\nPublishers: Acme Corp\nKeywords: finance\n---\nRevenue grew strongly.\nMargins held."
	got := stripMetadataHeader(in)
	if strings.Contains(got, "Title:") || strings.Contains(got, "---") {
		t.Fatalf("header lines survived: %q", got)
	}
	if !strings.Contains(got, "Revenue grew strongly.") || !strings.Contains(got, "Margins held.") {
		t.Fatalf("body lines lost: %q", got)
	}
}

func TestStripMetadataHeaderAllHeaderText(t *testing.T) {
	if got := stripMetadataHeader("Title: Only\nDescription: Meta\n====="); got != "" {
		t.Fatalf("expected empty body, got %q", got)
	}
}

func TestHighlightExcerptWindow(t *testing.T) {
	prefix := strings.Repeat("a", 80)
	suffix := strings.Repeat("b", 150)
	body := prefix + " Acme " + suffix
	got := highlightExcerpt(body, "acme")
	if !strings.Contains(got, "**Acme**") {
		t.Fatalf("match not emphasized: %q", got)
	}
	if !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipses on both sides: %q", got)
	}
	if len(got) > 50+100+len("acme")+len("...**")*2+10 {
		t.Fatalf("window too wide: %d bytes", len(got))
	}
}

func TestHighlightExcerptNonASCIIBody(t *testing.T) {
	// Lowercasing İ or Ⱥ changes their byte length, so offsets must
	// come from the original string, not a lowered copy.
	for _, prefix := range []string{strings.Repeat("İ", 100), strings.Repeat("Ⱥ", 100)} {
		body := prefix + " Acme report " + strings.Repeat("b", 150)
		got := highlightExcerpt(body, "acme")
		if !utf8.ValidString(got) {
			t.Fatalf("highlight produced invalid UTF-8: %q", got)
		}
		if !strings.Contains(got, "**Acme**") {
			t.Fatalf("match not emphasized: %q", got)
		}
	}
}

func TestFoldIndexMatchesCaseInsensitively(t *testing.T) {
	cases := []struct {
		body, query string
		start, end  int
	}{
		{"Annual Acme Report", "acme", 7, 11},
		{"straße ACME", "acme", 8, 12},
		{"no match here", "acme", -1, -1},
		{"", "acme", -1, -1},
		{"short", "longer than body", -1, -1},
	}
	for _, tc := range cases {
		start, end := foldIndex(tc.body, tc.query)
		if start != tc.start || end != tc.end {
			t.Fatalf("foldIndex(%q, %q) = (%d, %d), want (%d, %d)",
				tc.body, tc.query, start, end, tc.start, tc.end)
		}
	}
}

func TestHighlightExcerptFallback(t *testing.T) {
	body := strings.Repeat("x", 300)
	got := highlightExcerpt(body, "missing")
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected trailing ellipsis: %q", got)
	}
	if len(got) > 203 {
		t.Fatalf("fallback longer than 200 chars: %d", len(got))
	}
	short := "short body"
	if got := highlightExcerpt(short, "missing"); got != short {
		t.Fatalf("short body should pass through, got %q", got)
	}
}

func TestGroupBuilderDedupsNearDuplicates(t *testing.T) {
	b := NewGroupBuilder(Group{DocumentID: "d1"}, 0, "revenue")
	if !b.AddCandidate(Row{PassageID: "p1", Position: 0, Score: 0.8, Content: "Acme revenue grew ten percent this year"}) {
		t.Fatal("first candidate must be accepted")
	}
	// Substring of the first excerpt: containment scores 0.9 > 0.85.
	if b.AddCandidate(Row{PassageID: "p2", Position: 1, Score: 0.7, Content: "Acme revenue grew ten percent"}) {
		t.Fatal("near-duplicate candidate must be rejected")
	}
	if b.AddCandidate(Row{PassageID: "p3", Position: 2, Score: 0.6, Content: "Margins in the hardware division stayed flat despite revenue pressure"}) == false {
		t.Fatal("distinct candidate must be accepted")
	}
	g := b.Build()
	if g.PassageCount != 2 {
		t.Fatalf("expected 2 excerpts, got %d", g.PassageCount)
	}
}

func TestGroupBuilderKeepsFirstEmptyBodyCandidate(t *testing.T) {
	b := NewGroupBuilder(Group{DocumentID: "d1"}, 0.85, "acme")
	if !b.AddCandidate(Row{PassageID: "p1", Position: 0, Score: 0.5, Content: "Title: Annual Report\nPublishers: Acme Corp"}) {
		t.Fatal("first candidate kept even without body content")
	}
	if b.AddCandidate(Row{PassageID: "p2", Position: 1, Score: 0.4, Content: "Keywords: finance\n---"}) {
		t.Fatal("later header-only candidate must be rejected")
	}
}

func TestGroupScoreNeverBelowMetadataScore(t *testing.T) {
	b := NewGroupBuilder(Group{DocumentID: "d1"}, 0.85, "acme")
	b.AddCandidate(Row{PassageID: "p1", Position: 0, Score: 0.2, Content: "weak body match elsewhere"})
	g := b.Build()
	// 0.85*0.3 + 0.2*0.7 = 0.395, below the metadata seed.
	if g.Score < 0.85 {
		t.Fatalf("group score regressed below metadata score: %f", g.Score)
	}
}

func TestGroupScoreCombinesMetadataAndPassage(t *testing.T) {
	b := NewGroupBuilder(Group{DocumentID: "d1"}, 0.85, "acme")
	b.AddCandidate(Row{PassageID: "p1", Position: 0, Score: 0.95, Content: "Acme posted record results"})
	g := b.Build()
	want := 0.85*0.3 + 0.95*0.7
	if diff := g.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected %f, got %f", want, g.Score)
	}
}

// The running max makes the final score independent of row order, but
// dedup is not: whichever near-duplicate arrives first contributes its
// score. Pin that here so a change in behavior is deliberate.
func TestGroupBuilderDedupIsOrderDependent(t *testing.T) {
	high := Row{PassageID: "p1", Position: 0, Score: 0.9, Content: "Acme revenue grew ten percent this year"}
	low := Row{PassageID: "p2", Position: 1, Score: 0.3, Content: "Acme revenue grew ten percent"}

	a := NewGroupBuilder(Group{DocumentID: "d1"}, 0, "revenue")
	a.AddCandidate(high)
	a.AddCandidate(low)

	b := NewGroupBuilder(Group{DocumentID: "d1"}, 0, "revenue")
	b.AddCandidate(low)
	b.AddCandidate(high)

	if a.Build().Score <= b.Build().Score {
		t.Fatalf("expected high-first ordering to score higher: %f vs %f", a.Build().Score, b.Build().Score)
	}
}

func TestBuildOrdersExcerptsByScoreThenPosition(t *testing.T) {
	b := NewGroupBuilder(Group{DocumentID: "d1"}, 0, "theme")
	b.AddCandidate(Row{PassageID: "p3", Position: 3, Score: 0.505, Content: "third theme entirely different words kangaroo"})
	b.AddCandidate(Row{PassageID: "p1", Position: 1, Score: 0.50, Content: "first theme completely other vocabulary zeppelin"})
	b.AddCandidate(Row{PassageID: "p2", Position: 2, Score: 0.90, Content: "second theme unrelated phrasing quasar"})
	g := b.Build()
	if g.Excerpts[0].PassageID != "p2" {
		t.Fatalf("highest score must lead, got %s", g.Excerpts[0].PassageID)
	}
	// 0.505 vs 0.50 is within the 0.01 tie band: position decides.
	if g.Excerpts[1].PassageID != "p1" || g.Excerpts[2].PassageID != "p3" {
		t.Fatalf("tie band should order by position: %s then %s", g.Excerpts[1].PassageID, g.Excerpts[2].PassageID)
	}
}

func TestGroupedTitleMatchOutranksBodyOnlyDocument(t *testing.T) {
	st := &stubStorage{
		keywordHits: []store.KeywordHit{
			{PassageID: "b1", DocumentID: "body-doc", Position: 0, Content: "Acme appears in this body text about kangaroos", Rank: 0.5, BodyMatch: true},
			{PassageID: "b2", DocumentID: "body-doc", Position: 1, Content: "Acme appears again, different story about quasars", Rank: 0.4, BodyMatch: true},
			{PassageID: "b3", DocumentID: "body-doc", Position: 2, Content: "Acme mentioned a third time regarding zeppelins", Rank: 0.3, BodyMatch: true},
			{PassageID: "t1", DocumentID: "title-doc", Position: 0, Title: "Acme Overview", Content: "A single calm paragraph with interesting detail", Rank: 0.1, TitleMatch: true, BodyMatch: true},
		},
		metaHits: []store.MetadataHit{
			{DocumentID: "title-doc", Title: "Acme Overview", TitleMatch: true},
		},
		docCount:  2,
		passCount: 4,
	}
	res, err := newTestService(st).Grouped(context.Background(), "Acme")
	if err != nil {
		t.Fatalf("Grouped: %v", err)
	}
	if len(res.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(res.Groups))
	}
	if res.Groups[0].DocumentID != "title-doc" {
		t.Fatalf("title-matched document must lead, got %s", res.Groups[0].DocumentID)
	}
	if res.TotalDocuments != 2 || res.TotalPassages != 4 {
		t.Fatalf("unexpected totals: %d docs, %d passages", res.TotalDocuments, res.TotalPassages)
	}
}

func TestGroupedMetadataOnlyDocumentSurfaces(t *testing.T) {
	st := &stubStorage{
		metaHits: []store.MetadataHit{
			{DocumentID: "d1", Title: "Annual Report", Publishers: []string{"Acme Corp"}, PublisherMatch: true},
		},
		docCount:  1,
		passCount: 0,
	}
	res, err := newTestService(st).Grouped(context.Background(), "Acme")
	if err != nil {
		t.Fatalf("Grouped: %v", err)
	}
	if len(res.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(res.Groups))
	}
	g := res.Groups[0]
	if g.Score < 0.85 {
		t.Fatalf("publisher-tier score expected, got %f", g.Score)
	}
	if len(g.Excerpts) != 0 {
		t.Fatalf("metadata-only group must have no excerpts, got %d", len(g.Excerpts))
	}
}
