package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/perceptor-labs/docsearch/internal/store"
)

// GroupedResults is the grouped-search response: ordered document
// groups plus corpus totals.
type GroupedResults struct {
	Groups         []Group
	TotalDocuments int
	TotalPassages  int
}

// Grouped runs both retrievers, merges the rows, and folds them into
// per-document groups ranked by document-level score. Documents whose
// metadata matches the query surface even without passage hits.
func (s *Service) Grouped(ctx context.Context, query string) (GroupedResults, error) {
	if strings.TrimSpace(query) == "" {
		return GroupedResults{}, fmt.Errorf("%w: query required", ErrBadQuery)
	}
	rows, err := s.Merged(ctx, query, "", s.RetrieverLimit)
	if err != nil {
		return GroupedResults{}, err
	}
	metaHits, err := s.storage.SearchDocumentsMetadata(ctx, query, s.RetrieverLimit)
	if err != nil {
		return GroupedResults{}, fmt.Errorf("metadata search: %w", err)
	}

	metaScores := make(map[string]float64, len(metaHits))
	metaDocs := make(map[string]store.MetadataHit, len(metaHits))
	for _, h := range metaHits {
		metaScores[h.DocumentID] = metadataTierScore(h)
		metaDocs[h.DocumentID] = h
	}

	builders := make(map[string]*GroupBuilder)
	var order []string
	for _, row := range rows {
		b, ok := builders[row.DocumentID]
		if !ok {
			b = NewGroupBuilder(Group{
				DocumentID:  row.DocumentID,
				Title:       row.Title,
				Description: row.Description,
				Publishers:  row.Publishers,
				Tags:        row.Tags,
				CreatedAt:   row.DocCreatedAt,
			}, metaScores[row.DocumentID], query)
			builders[row.DocumentID] = b
			order = append(order, row.DocumentID)
		}
		b.AddCandidate(row)
	}
	// Metadata-only documents get an excerpt-free group.
	for _, h := range metaHits {
		if _, ok := builders[h.DocumentID]; ok {
			continue
		}
		builders[h.DocumentID] = NewGroupBuilder(Group{
			DocumentID:  h.DocumentID,
			Title:       h.Title,
			Description: h.Description,
			Publishers:  h.Publishers,
			Tags:        h.Tags,
			CreatedAt:   h.CreatedAt,
		}, metaScores[h.DocumentID], query)
		order = append(order, h.DocumentID)
	}

	groups := make([]Group, 0, len(order))
	for _, id := range order {
		groups = append(groups, builders[id].Build())
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Score != groups[j].Score {
			return groups[i].Score > groups[j].Score
		}
		return groups[i].PassageCount > groups[j].PassageCount
	})

	totalDocs, err := s.storage.CountDocuments(ctx)
	if err != nil {
		return GroupedResults{}, fmt.Errorf("count documents: %w", err)
	}
	totalPassages, err := s.storage.CountPassages(ctx)
	if err != nil {
		return GroupedResults{}, fmt.Errorf("count passages: %w", err)
	}
	return GroupedResults{Groups: groups, TotalDocuments: totalDocs, TotalPassages: totalPassages}, nil
}

func metadataTierScore(h store.MetadataHit) float64 {
	switch {
	case h.TitleMatch:
		return tierTitle
	case h.PublisherMatch:
		return tierPublisher
	case h.DescriptionMatch:
		return tierDescription
	case h.TagMatch:
		return tierTag
	default:
		return 0
	}
}
