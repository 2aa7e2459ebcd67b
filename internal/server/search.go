package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/perceptor-labs/docsearch/internal/search"
)

// SearchHandler serves /api/search.
type SearchHandler struct {
	Searcher Searcher
}

// Register attaches the search routes to the group.
func (h *SearchHandler) Register(g *echo.Group) {
	g.GET("", h.flat)
	g.GET("/grouped", h.grouped)
}

type rowResponse struct {
	PassageID  string  `json:"passage_id"`
	DocumentID string  `json:"document_id"`
	Position   int     `json:"position"`
	Section    string  `json:"section,omitempty"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Provenance string  `json:"provenance"`
}

func toRowResponses(rows []search.Row) []rowResponse {
	out := make([]rowResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowResponse{
			PassageID:  r.PassageID,
			DocumentID: r.DocumentID,
			Position:   r.Position,
			Section:    r.Section,
			Title:      r.Title,
			Content:    r.Content,
			Score:      r.Score,
			Provenance: r.Provenance,
		})
	}
	return out
}

type excerptResponse struct {
	PassageID  string  `json:"passage_id"`
	Position   int     `json:"position"`
	Section    string  `json:"section,omitempty"`
	Score      float64 `json:"score"`
	Provenance string  `json:"provenance"`
	Highlight  string  `json:"highlight"`
}

type groupResponse struct {
	DocumentID   string            `json:"document_id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Publishers   []string          `json:"publishers,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Score        float64           `json:"score"`
	PassageCount int               `json:"passage_count"`
	Excerpts     []excerptResponse `json:"excerpts"`
}

func (h *SearchHandler) flat(c echo.Context) error {
	query := c.QueryParam("q")
	if strings.TrimSpace(query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter q is required")
	}
	rows, err := h.Searcher.Merged(c.Request().Context(), query, "", queryInt(c, "limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": toRowResponses(rows),
	})
}

func (h *SearchHandler) grouped(c echo.Context) error {
	query := c.QueryParam("q")
	if strings.TrimSpace(query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter q is required")
	}
	res, err := h.Searcher.Grouped(c.Request().Context(), query)
	if err != nil {
		return err
	}
	groups := make([]groupResponse, 0, len(res.Groups))
	for _, g := range res.Groups {
		excerpts := make([]excerptResponse, 0, len(g.Excerpts))
		for _, ex := range g.Excerpts {
			excerpts = append(excerpts, excerptResponse{
				PassageID:  ex.PassageID,
				Position:   ex.Position,
				Section:    ex.Section,
				Score:      ex.Score,
				Provenance: ex.Provenance,
				Highlight:  ex.Highlight,
			})
		}
		groups = append(groups, groupResponse{
			DocumentID:   g.DocumentID,
			Title:        g.Title,
			Description:  g.Description,
			Publishers:   g.Publishers,
			Tags:         g.Tags,
			CreatedAt:    g.CreatedAt,
			Score:        g.Score,
			PassageCount: g.PassageCount,
			Excerpts:     excerpts,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"query":           query,
		"results":         groups,
		"total_documents": res.TotalDocuments,
		"total_passages":  res.TotalPassages,
	})
}
