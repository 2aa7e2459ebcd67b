package search

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/perceptor-labs/docsearch/internal/store"
)

type stubStorage struct {
	keywordHits []store.KeywordHit
	vectorHits  []store.VectorHit
	metaHits    []store.MetadataHit
	docCount    int
	passCount   int

	lastVectorOpts store.VectorSearchOptions
	keywordErr     error
	vectorErr      error
}

func (s *stubStorage) SearchPassagesKeyword(_ context.Context, _, _ string, _ int) ([]store.KeywordHit, error) {
	return s.keywordHits, s.keywordErr
}

func (s *stubStorage) SearchPassagesVector(_ context.Context, _ []float32, _ string, opts store.VectorSearchOptions) ([]store.VectorHit, error) {
	s.lastVectorOpts = opts
	return s.vectorHits, s.vectorErr
}

func (s *stubStorage) SearchDocumentsMetadata(_ context.Context, _ string, _ int) ([]store.MetadataHit, error) {
	return s.metaHits, nil
}

func (s *stubStorage) CountDocuments(_ context.Context) (int, error) { return s.docCount, nil }
func (s *stubStorage) CountPassages(_ context.Context) (int, error)  { return s.passCount, nil }

type stubEmbedder struct {
	err error
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func newTestService(st *stubStorage) *Service {
	return NewService(st, &stubEmbedder{}, log.New(io.Discard, "", 0))
}

func TestKeywordTitleOutranksBody(t *testing.T) {
	st := &stubStorage{keywordHits: []store.KeywordHit{
		{PassageID: "body-only", DocumentID: "d1", Rank: 0.9, BodyMatch: true},
		{PassageID: "title-hit", DocumentID: "d2", Rank: 0.1, BodyMatch: true, TitleMatch: true},
	}}
	rows, err := newTestService(st).Keyword(context.Background(), "acme", "", 10)
	if err != nil {
		t.Fatalf("Keyword: %v", err)
	}
	if rows[0].PassageID != "title-hit" {
		t.Fatalf("expected title match first, got %s", rows[0].PassageID)
	}
	if rows[0].Score < 0.95 {
		t.Fatalf("title tier score too low: %f", rows[0].Score)
	}
	if rows[1].Score > 0.65 {
		t.Fatalf("body-only score above ceiling: %f", rows[1].Score)
	}
}

func TestKeywordFieldTierScores(t *testing.T) {
	cases := []struct {
		hit  store.KeywordHit
		want float64
	}{
		{store.KeywordHit{TitleMatch: true}, 0.95},
		{store.KeywordHit{PublisherMatch: true}, 0.85},
		{store.KeywordHit{DescriptionMatch: true}, 0.75},
		{store.KeywordHit{TagMatch: true}, 0.70},
		{store.KeywordHit{TitleMatch: true, TagMatch: true}, 0.95},
	}
	for _, c := range cases {
		if got := keywordScore(c.hit, 1); got != c.want {
			t.Fatalf("keywordScore(%+v) = %f, want %f", c.hit, got, c.want)
		}
	}
}

func TestKeywordRejectsEmptyQuery(t *testing.T) {
	_, err := newTestService(&stubStorage{}).Keyword(context.Background(), "   ", "", 10)
	if !errors.Is(err, ErrBadQuery) {
		t.Fatalf("expected ErrBadQuery, got %v", err)
	}
}

func TestVectorOverFetchesAndTruncates(t *testing.T) {
	st := &stubStorage{}
	for i := 0; i < 8; i++ {
		st.vectorHits = append(st.vectorHits, store.VectorHit{
			PassageID:  string(rune('a' + i)),
			Similarity: 0.9 - float64(i)*0.05,
			Content:    "unrelated text",
		})
	}
	rows, err := newTestService(st).Vector(context.Background(), "query", VectorOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Vector: %v", err)
	}
	if st.lastVectorOpts.Limit != 6 {
		t.Fatalf("expected 2x over-fetch limit 6, got %d", st.lastVectorOpts.Limit)
	}
	if len(rows) != 3 {
		t.Fatalf("expected truncation to 3 rows, got %d", len(rows))
	}
}

func TestVectorExactPhraseBonusCapped(t *testing.T) {
	st := &stubStorage{vectorHits: []store.VectorHit{
		{PassageID: "exact", Similarity: 0.95, Rank: 0.5, Content: "the Annual Report for the year"},
		{PassageID: "近似", Similarity: 0.95, Rank: 0.5, Content: "something unrelated"},
	}}
	rows, err := newTestService(st).Vector(context.Background(), "annual report", VectorOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Vector: %v", err)
	}
	if rows[0].PassageID != "exact" {
		t.Fatalf("expected exact-phrase passage first, got %s", rows[0].PassageID)
	}
	if rows[0].Score > 1.0 {
		t.Fatalf("score exceeds cap: %f", rows[0].Score)
	}
	if rows[0].Score <= rows[1].Score {
		t.Fatalf("exact-phrase bonus not applied: %f vs %f", rows[0].Score, rows[1].Score)
	}
}

func TestVectorBlendsSimilarityAndRank(t *testing.T) {
	st := &stubStorage{vectorHits: []store.VectorHit{
		{PassageID: "p1", Similarity: 0.8, Rank: 0.4, Content: "no phrase here"},
	}}
	rows, err := newTestService(st).Vector(context.Background(), "query", VectorOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Vector: %v", err)
	}
	// Single hit: its rank normalizes to 1, so 0.5*0.8 + 0.5*1 = 0.9.
	if diff := rows[0].Score - 0.9; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected blended score: %f", rows[0].Score)
	}
}

func TestMergeHybridScore(t *testing.T) {
	keywordRows := []Row{{PassageID: "p1", DocumentID: "d1", Score: 0.8, Provenance: ProvenanceKeyword}}
	vectorRows := []Row{{PassageID: "p1", DocumentID: "d1", Score: 0.6, Provenance: ProvenanceVector}}

	merged := mergeRows(keywordRows, vectorRows, 10)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged row, got %d", len(merged))
	}
	if diff := merged[0].Score - 0.72; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected 0.72, got %f", merged[0].Score)
	}
	if merged[0].Provenance != ProvenanceHybrid {
		t.Fatalf("expected hybrid provenance, got %s", merged[0].Provenance)
	}
}

func TestMergeKeepsSingleSourceProvenance(t *testing.T) {
	merged := mergeRows(
		[]Row{{PassageID: "k", Score: 0.5, Provenance: ProvenanceKeyword}},
		[]Row{{PassageID: "v", Score: 0.7, Provenance: ProvenanceVector}},
		10,
	)
	if len(merged) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(merged))
	}
	if merged[0].PassageID != "v" || merged[0].Provenance != ProvenanceVector {
		t.Fatalf("unexpected first row: %+v", merged[0])
	}
	if merged[1].Provenance != ProvenanceKeyword {
		t.Fatalf("unexpected second row: %+v", merged[1])
	}
}

func TestMergedSurvivesEmbedderOutage(t *testing.T) {
	st := &stubStorage{keywordHits: []store.KeywordHit{
		{PassageID: "p1", DocumentID: "d1", Rank: 0.4, BodyMatch: true},
	}}
	svc := NewService(st, &stubEmbedder{err: errors.New("provider down")}, log.New(io.Discard, "", 0))
	rows, err := svc.Merged(context.Background(), "query", "", 10)
	if err != nil {
		t.Fatalf("Merged: %v", err)
	}
	if len(rows) != 1 || rows[0].Provenance != ProvenanceKeyword {
		t.Fatalf("expected keyword-only results, got %+v", rows)
	}
}
