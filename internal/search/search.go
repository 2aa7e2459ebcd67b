// Package search implements keyword, vector, and hybrid retrieval over
// ingested passages, plus the grouped ranking surface that merges both
// signals per document.
package search

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/perceptor-labs/docsearch/internal/store"
)

// Provenance tags recorded on every result row.
const (
	ProvenanceKeyword = "keyword"
	ProvenanceVector  = "vector"
	ProvenanceHybrid  = "hybrid"
)

// Field-tier scores for metadata matches. A title match always
// outranks a publisher match, which outranks description and tag
// matches; body-text matches stay below every metadata tier.
const (
	tierTitle       = 0.95
	tierPublisher   = 0.85
	tierDescription = 0.75
	tierTag         = 0.70
	tierBodyCeiling = 0.65
)

const (
	// DefaultRetrieverLimit caps each retriever leg of a grouped search.
	DefaultRetrieverLimit = 50
	// DefaultSimilarityThreshold discards weak vector neighbors.
	DefaultSimilarityThreshold = 0.35

	exactPhraseBonus = 0.25
	keywordWeight    = 0.6
	vectorWeight     = 0.4
	metadataWeight   = 0.3
	passageWeight    = 0.7
)

// Storage is the slice of the store the retrievers depend on.
type Storage interface {
	SearchPassagesKeyword(ctx context.Context, query, documentID string, limit int) ([]store.KeywordHit, error)
	SearchPassagesVector(ctx context.Context, vector []float32, query string, opts store.VectorSearchOptions) ([]store.VectorHit, error)
	SearchDocumentsMetadata(ctx context.Context, query string, limit int) ([]store.MetadataHit, error)
	CountDocuments(ctx context.Context) (int, error)
	CountPassages(ctx context.Context) (int, error)
}

// Embedder turns query text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Row is one scored passage hit with its document fields denormalized.
type Row struct {
	PassageID    string
	DocumentID   string
	Position     int
	Section      string
	Content      string
	Title        string
	Description  string
	Publishers   []string
	Tags         []string
	DocCreatedAt time.Time

	Score      float64
	Provenance string

	rank float64
}

// VectorOptions restricts a vector retrieval.
type VectorOptions struct {
	Limit               int
	SimilarityThreshold float64
	DocumentIDs         []string
	FileTypes           []string
}

// Service wires the retrievers to storage and the embedding client.
type Service struct {
	storage  Storage
	embedder Embedder
	logger   *log.Logger

	RetrieverLimit      int
	SimilarityThreshold float64
}

// NewService builds a search service with default limits.
func NewService(storage Storage, embedder Embedder, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Service{
		storage:             storage,
		embedder:            embedder,
		logger:              logger,
		RetrieverLimit:      DefaultRetrieverLimit,
		SimilarityThreshold: DefaultSimilarityThreshold,
	}
}

// Keyword returns lexically matched rows with field-tiered scores.
// documentID narrows the search to one document when non-empty.
func (s *Service) Keyword(ctx context.Context, query, documentID string, limit int) ([]Row, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query required", ErrBadQuery)
	}
	if limit <= 0 {
		limit = s.RetrieverLimit
	}
	hits, err := s.storage.SearchPassagesKeyword(ctx, query, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	maxRank := 0.0
	for _, h := range hits {
		if h.Rank > maxRank {
			maxRank = h.Rank
		}
	}
	rows := make([]Row, 0, len(hits))
	for _, h := range hits {
		rows = append(rows, Row{
			PassageID:    h.PassageID,
			DocumentID:   h.DocumentID,
			Position:     h.Position,
			Section:      h.Section,
			Content:      h.Content,
			Title:        h.Title,
			Description:  h.Description,
			Publishers:   h.Publishers,
			Tags:         h.Tags,
			DocCreatedAt: h.DocCreatedAt,
			Score:        keywordScore(h, maxRank),
			Provenance:   ProvenanceKeyword,
			rank:         h.Rank,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		if rows[i].rank != rows[j].rank {
			return rows[i].rank > rows[j].rank
		}
		return rows[i].Position < rows[j].Position
	})
	return rows, nil
}

// keywordScore picks the highest matched field tier. Body-only matches
// scale with lexical rank relative to the strongest rank in the set so
// they never cross into metadata territory.
func keywordScore(h store.KeywordHit, maxRank float64) float64 {
	score := 0.0
	if h.TitleMatch {
		score = tierTitle
	}
	if h.PublisherMatch && score < tierPublisher {
		score = tierPublisher
	}
	if h.DescriptionMatch && score < tierDescription {
		score = tierDescription
	}
	if h.TagMatch && score < tierTag {
		score = tierTag
	}
	if h.BodyMatch {
		body := tierBodyCeiling * 0.5
		if maxRank > 0 {
			body = tierBodyCeiling * (h.Rank / maxRank)
		}
		if body > score {
			score = body
		}
	}
	return score
}

// Vector embeds the query once and returns similarity-blended rows.
// It over-fetches 2x the limit, re-scores with the exact-phrase bonus,
// then truncates.
func (s *Service) Vector(ctx context.Context, query string, opts VectorOptions) ([]Row, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query required", ErrBadQuery)
	}
	if opts.Limit <= 0 {
		opts.Limit = s.RetrieverLimit
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = s.SimilarityThreshold
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vecs))
	}
	hits, err := s.storage.SearchPassagesVector(ctx, vecs[0], query, store.VectorSearchOptions{
		Limit:               opts.Limit * 2,
		SimilarityThreshold: opts.SimilarityThreshold,
		DocumentIDs:         opts.DocumentIDs,
		FileTypes:           opts.FileTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	maxRank := 0.0
	for _, h := range hits {
		if h.Rank > maxRank {
			maxRank = h.Rank
		}
	}
	lowered := strings.ToLower(query)
	rows := make([]Row, 0, len(hits))
	for _, h := range hits {
		normRank := 0.0
		if maxRank > 0 {
			normRank = h.Rank / maxRank
		}
		score := 0.5*h.Similarity + 0.5*normRank
		if strings.Contains(strings.ToLower(h.Content), lowered) {
			score += exactPhraseBonus
		}
		if score > 1.0 {
			score = 1.0
		}
		rows = append(rows, Row{
			PassageID:    h.PassageID,
			DocumentID:   h.DocumentID,
			Position:     h.Position,
			Section:      h.Section,
			Content:      h.Content,
			Title:        h.Title,
			Description:  h.Description,
			Publishers:   h.Publishers,
			Tags:         h.Tags,
			DocCreatedAt: h.DocCreatedAt,
			Score:        score,
			Provenance:   ProvenanceVector,
			rank:         h.Rank,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Score > rows[j].Score })
	if len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

// Merged fuses the two retrievers by passage id. A passage found by
// both gets a 0.6 keyword / 0.4 vector blend and hybrid provenance.
func (s *Service) Merged(ctx context.Context, query, documentID string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = s.RetrieverLimit
	}
	keywordRows, err := s.Keyword(ctx, query, documentID, limit)
	if err != nil {
		return nil, err
	}
	var docFilter []string
	if documentID != "" {
		docFilter = []string{documentID}
	}
	vectorRows, err := s.Vector(ctx, query, VectorOptions{Limit: limit, DocumentIDs: docFilter})
	if err != nil {
		// Vector retrieval is best effort: queries still succeed on
		// the lexical leg when the embedding generator is down.
		s.logger.Printf("vector retrieval degraded: %v", err)
		vectorRows = nil
	}
	return mergeRows(keywordRows, vectorRows, limit), nil
}

func mergeRows(keywordRows, vectorRows []Row, limit int) []Row {
	merged := make([]Row, 0, len(keywordRows)+len(vectorRows))
	index := make(map[string]int, len(keywordRows))
	for _, r := range keywordRows {
		index[r.PassageID] = len(merged)
		merged = append(merged, r)
	}
	for _, r := range vectorRows {
		if at, ok := index[r.PassageID]; ok {
			kw := merged[at]
			kw.Score = kw.Score*keywordWeight + r.Score*vectorWeight
			kw.Provenance = ProvenanceHybrid
			merged[at] = kw
			continue
		}
		merged = append(merged, r)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
