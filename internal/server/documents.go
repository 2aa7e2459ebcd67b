package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/perceptor-labs/docsearch/internal/ingest"
	"github.com/perceptor-labs/docsearch/internal/search"
	"github.com/perceptor-labs/docsearch/internal/store"
)

// DocumentPipeline is the ingestion surface the handler drives.
type DocumentPipeline interface {
	CreateDocument(ctx context.Context, in ingest.CreateInput) (store.DocumentRecord, error)
	Trigger(ctx context.Context, id string, force bool) (string, bool, error)
}

// DocumentStore is the read/delete slice of the store the handler uses.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (store.DocumentRecord, bool, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]store.DocumentRecord, error)
	DeleteDocument(ctx context.Context, id string) error
	PassagesByDocument(ctx context.Context, documentID string) ([]store.PassageRecord, error)
}

// Searcher answers queries; the documents handler uses it for
// single-document search.
type Searcher interface {
	Merged(ctx context.Context, query, documentID string, limit int) ([]search.Row, error)
	Grouped(ctx context.Context, query string) (search.GroupedResults, error)
}

// DocumentsHandler serves /api/documents.
type DocumentsHandler struct {
	Pipeline DocumentPipeline
	Store    DocumentStore
	Searcher Searcher
}

// Register attaches the document routes to the group.
func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/ingest", h.ingest)
	g.GET("/:id/content", h.content)
	g.GET("/:id/search", h.search)
}

type createDocumentRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Publishers  []string `json:"publishers"`
	Tags        []string `json:"tags"`
	Content     string   `json:"content"`
	FileType    string   `json:"file_type"`
	RawData     []byte   `json:"raw_data"`
	SourceRef   string   `json:"source_ref"`
}

type documentResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Publishers  []string  `json:"publishers,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	FileType    string    `json:"file_type,omitempty"`
	Status      string    `json:"status"`
	StatusError string    `json:"status_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toDocumentResponse(rec store.DocumentRecord) documentResponse {
	return documentResponse{
		ID:          rec.ID,
		Title:       rec.Title,
		Description: rec.Description,
		Publishers:  rec.Publishers,
		Tags:        rec.Tags,
		FileType:    rec.FileType,
		Status:      rec.Status,
		StatusError: rec.StatusError,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (h *DocumentsHandler) create(c echo.Context) error {
	var req createDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.Pipeline.CreateDocument(c.Request().Context(), ingest.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Publishers:  req.Publishers,
		Tags:        req.Tags,
		Content:     req.Content,
		FileType:    req.FileType,
		RawData:     req.RawData,
		SourceRef:   req.SourceRef,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, toDocumentResponse(rec))
}

func (h *DocumentsHandler) list(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	recs, err := h.Store.ListDocuments(c.Request().Context(), limit, offset)
	if err != nil {
		return err
	}
	out := make([]documentResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toDocumentResponse(rec))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"documents": out})
}

// documentID validates the :id path parameter before it reaches a
// uuid cast in SQL; a malformed id is an unknown document, not an
// internal failure.
func documentID(c echo.Context) (string, error) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	return id, nil
}

func (h *DocumentsHandler) get(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	rec, found, err := h.Store.GetDocument(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	return c.JSON(http.StatusOK, toDocumentResponse(rec))
}

func (h *DocumentsHandler) delete(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	err = h.Store.DeleteDocument(c.Request().Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *DocumentsHandler) ingest(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	force := c.QueryParam("force") == "true"
	status, started, err := h.Pipeline.Trigger(c.Request().Context(), id, force)
	if errors.Is(err, ingest.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"status": status, "started": started})
}

func (h *DocumentsHandler) content(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	_, found, err := h.Store.GetDocument(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	passages, err := h.Store.PassagesByDocument(c.Request().Context(), id)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, p.Content)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"document_id": id,
		"passages":    len(passages),
		"content":     strings.Join(parts, "\n\n"),
	})
}

func (h *DocumentsHandler) search(c echo.Context) error {
	query := c.QueryParam("q")
	if strings.TrimSpace(query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter q is required")
	}
	id, err := documentID(c)
	if err != nil {
		return err
	}
	_, found, err := h.Store.GetDocument(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	rows, err := h.Searcher.Merged(c.Request().Context(), query, id, queryInt(c, "limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": toRowResponses(rows),
	})
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
