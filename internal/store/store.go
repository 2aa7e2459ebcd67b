// Package store persists documents and passages in Postgres and
// exposes the full-text and vector-distance queries the retrievers
// are built on. Vector similarity relies on the pgvector extension.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store wraps the Postgres handle. It is constructed once and passed
// to everything that needs persistence.
type Store struct {
	DB *sql.DB
}

// DefaultEmbeddingDimensions is the expected length of passage vectors
// stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Document processing statuses.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
)

// DocumentMeta is the typed metadata attached to every document.
// Unrecognized keys from older writers survive round-trips in Extra.
type DocumentMeta struct {
	SourceRef string                 `json:"source_ref,omitempty"`
	Language  string                 `json:"language,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// DocumentRecord is one unit of ingested content.
type DocumentRecord struct {
	ID          string
	Title       string
	Description string
	Publishers  []string
	Tags        []string
	Content     string
	FileType    string
	Status      string
	StatusError string
	Metadata    DocumentMeta
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PassageRecord is one contiguous excerpt of a document, including its
// embedding vector.
type PassageRecord struct {
	ID         string
	DocumentID string
	Position   int
	Section    string
	Content    string
	TokenCount int
	Vector     []float32
	CreatedAt  time.Time
}

// KeywordHit is one full-text match: a passage row joined with its
// document, plus which fields matched and the passage's lexical rank.
type KeywordHit struct {
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

	Rank             float64
	TitleMatch       bool
	PublisherMatch   bool
	DescriptionMatch bool
	TagMatch         bool
	BodyMatch        bool
}

// VectorHit is one nearest-neighbor match joined with the owning
// document, plus the passage's lexical rank for blending.
type VectorHit struct {
	PassageID    string
	DocumentID   string
	Position     int
	Section      string
	Content      string
	Title        string
	Description  string
	Publishers   []string
	Tags         []string
	FileType     string
	DocCreatedAt time.Time

	Similarity float64
	Rank       float64
}

// MetadataHit reports a document whose metadata fields match a query,
// regardless of whether any of its passages do.
type MetadataHit struct {
	DocumentID  string
	Title       string
	Description string
	Publishers  []string
	Tags        []string
	CreatedAt   time.Time

	TitleMatch       bool
	PublisherMatch   bool
	DescriptionMatch bool
	TagMatch         bool
}

// VectorSearchOptions restricts and sizes a vector query.
type VectorSearchOptions struct {
	Limit               int
	SimilarityThreshold float64
	DocumentIDs         []string
	FileTypes           []string
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store { return &Store{DB: db} }

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// CreateDocument inserts a new document in pending state.
func (s *Store) CreateDocument(ctx context.Context, rec DocumentRecord) (DocumentRecord, error) {
	if strings.TrimSpace(rec.Title) == "" {
		return DocumentRecord{}, fmt.Errorf("document title required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = DocumentStatusPending
	}
	metaBytes, err := json.Marshal(rec.Metadata)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("marshal metadata: %w", err)
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO documents (id, title, description, publishers, tags, content, file_type, status, status_error, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'',$9,NOW(),NOW())
RETURNING created_at, updated_at
`, rec.ID, rec.Title, rec.Description, pq.Array(rec.Publishers), pq.Array(rec.Tags), rec.Content, rec.FileType, rec.Status, metaBytes)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return DocumentRecord{}, err
	}
	return rec, nil
}

// GetDocument fetches one document by id. The second return reports
// whether the document exists.
func (s *Store) GetDocument(ctx context.Context, id string) (DocumentRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, title, description, publishers, tags, content, file_type, status, status_error, metadata, created_at, updated_at
FROM documents
WHERE id = $1
`, id)
	return scanDocument(row)
}

// ListDocuments returns documents ordered newest first.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]DocumentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, description, publishers, tags, content, file_type, status, status_error, metadata, created_at, updated_at
FROM documents
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DocumentRecord
	for rows.Next() {
		rec, _, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListDocumentsByStatus returns documents in one processing state,
// oldest update first so retries pick up the longest-stalled ones.
func (s *Store) ListDocumentsByStatus(ctx context.Context, status string, limit int) ([]DocumentRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, description, publishers, tags, content, file_type, status, status_error, metadata, created_at, updated_at
FROM documents
WHERE status = $1
ORDER BY updated_at ASC
LIMIT $2
`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DocumentRecord
	for rows.Next() {
		rec, _, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteDocument removes a document; its passages cascade in the
// schema. Returns sql.ErrNoRows when the id is unknown.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateDocumentStatus records a processing-state transition. The
// stored error message is cleared on every state except failed.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status, statusError string) error {
	if status != DocumentStatusFailed {
		statusError = ""
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE documents SET status = $2, status_error = $3, updated_at = NOW() WHERE id = $1
`, id, status, statusError)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateDocumentContent replaces the stored text, used when extraction
// produced cleaner text than the original upload.
func (s *Store) UpdateDocumentContent(ctx context.Context, id, content string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE documents SET content = $2, updated_at = NOW() WHERE id = $1
`, id, content)
	return err
}

// ReplacePassages atomically swaps the full passage set for one
// document: the old set is deleted and the new one inserted in a
// single transaction, so readers never observe a mixed generation.
func (s *Store) ReplacePassages(ctx context.Context, documentID string, records []PassageRecord) (err error) {
	if documentID == "" {
		return fmt.Errorf("document_id required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM passages WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete existing passages: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO passages (id, document_id, position, section, content, token_count, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::vector,NOW())
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return fmt.Errorf("embedding vector required for passage %d", rec.Position)
		}
		vectorLiteral, verr := encodeVectorLiteral(rec.Vector)
		if verr != nil {
			return verr
		}
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err = stmt.ExecContext(ctx, id, documentID, rec.Position, rec.Section, rec.Content, rec.TokenCount, vectorLiteral); err != nil {
			return err
		}
	}
	return nil
}

// PassagesByDocument returns a document's passages in position order.
func (s *Store) PassagesByDocument(ctx context.Context, documentID string) ([]PassageRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, document_id, position, section, content, token_count, created_at
FROM passages
WHERE document_id = $1
ORDER BY position ASC
`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PassageRecord
	for rows.Next() {
		var rec PassageRecord
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.Position, &rec.Section, &rec.Content, &rec.TokenCount, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SearchPassagesKeyword runs the lexical query: passages whose text
// matches under full-text search, or whose owning document's metadata
// fields match the query text. documentID narrows the search to one
// document when non-empty.
func (s *Store) SearchPassagesKeyword(ctx context.Context, query, documentID string, limit int) ([]KeywordHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT p.id, p.document_id, p.position, p.section, p.content,
       d.title, d.description, d.publishers, d.tags, d.created_at,
       ts_rank(to_tsvector('english', p.content), plainto_tsquery('english', $1)) AS rank,
       d.title ILIKE '%' || $1 || '%' AS title_match,
       EXISTS (SELECT 1 FROM unnest(d.publishers) pub WHERE pub ILIKE '%' || $1 || '%') AS publisher_match,
       d.description ILIKE '%' || $1 || '%' AS description_match,
       EXISTS (SELECT 1 FROM unnest(d.tags) tag WHERE tag ILIKE '%' || $1 || '%') AS tag_match,
       to_tsvector('english', p.content) @@ plainto_tsquery('english', $1) AS body_match
FROM passages p
JOIN documents d ON d.id = p.document_id
WHERE ($2 = '' OR p.document_id = $2::uuid)
  AND (to_tsvector('english', p.content) @@ plainto_tsquery('english', $1)
       OR d.title ILIKE '%' || $1 || '%'
       OR d.description ILIKE '%' || $1 || '%'
       OR EXISTS (SELECT 1 FROM unnest(d.publishers) pub WHERE pub ILIKE '%' || $1 || '%')
       OR EXISTS (SELECT 1 FROM unnest(d.tags) tag WHERE tag ILIKE '%' || $1 || '%'))
ORDER BY rank DESC, p.position ASC
LIMIT $3
`, query, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(
			&h.PassageID, &h.DocumentID, &h.Position, &h.Section, &h.Content,
			&h.Title, &h.Description, pq.Array(&h.Publishers), pq.Array(&h.Tags), &h.DocCreatedAt,
			&h.Rank, &h.TitleMatch, &h.PublisherMatch, &h.DescriptionMatch, &h.TagMatch, &h.BodyMatch,
		); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SearchPassagesVector runs the nearest-neighbor query for the given
// embedding. Each hit also carries the passage's lexical rank against
// the original query string so callers can blend the two signals.
func (s *Store) SearchPassagesVector(ctx context.Context, vector []float32, query string, opts VectorSearchOptions) ([]VectorHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	docIDs := opts.DocumentIDs
	if docIDs == nil {
		docIDs = []string{}
	}
	fileTypes := opts.FileTypes
	if fileTypes == nil {
		fileTypes = []string{}
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT p.id, p.document_id, p.position, p.section, p.content,
       d.title, d.description, d.publishers, d.tags, d.file_type, d.created_at,
       1 - (p.embedding <=> $1::vector) AS similarity,
       ts_rank(to_tsvector('english', p.content), plainto_tsquery('english', $2)) AS rank
FROM passages p
JOIN documents d ON d.id = p.document_id
WHERE 1 - (p.embedding <=> $1::vector) >= $3
  AND (cardinality($4::uuid[]) = 0 OR p.document_id = ANY($4::uuid[]))
  AND (cardinality($5::text[]) = 0 OR d.file_type = ANY($5::text[]))
ORDER BY p.embedding <=> $1::vector
LIMIT $6
`, vecLiteral, query, opts.SimilarityThreshold, pq.Array(docIDs), pq.Array(fileTypes), opts.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(
			&h.PassageID, &h.DocumentID, &h.Position, &h.Section, &h.Content,
			&h.Title, &h.Description, pq.Array(&h.Publishers), pq.Array(&h.Tags), &h.FileType, &h.DocCreatedAt,
			&h.Similarity, &h.Rank,
		); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SearchDocumentsMetadata reports documents whose metadata fields
// match the query, even when no passage does. Grouped search uses it
// to seed document-level base scores.
func (s *Store) SearchDocumentsMetadata(ctx context.Context, query string, limit int) ([]MetadataHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT d.id, d.title, d.description, d.publishers, d.tags, d.created_at,
       d.title ILIKE '%' || $1 || '%' AS title_match,
       EXISTS (SELECT 1 FROM unnest(d.publishers) pub WHERE pub ILIKE '%' || $1 || '%') AS publisher_match,
       d.description ILIKE '%' || $1 || '%' AS description_match,
       EXISTS (SELECT 1 FROM unnest(d.tags) tag WHERE tag ILIKE '%' || $1 || '%') AS tag_match
FROM documents d
WHERE d.title ILIKE '%' || $1 || '%'
   OR d.description ILIKE '%' || $1 || '%'
   OR EXISTS (SELECT 1 FROM unnest(d.publishers) pub WHERE pub ILIKE '%' || $1 || '%')
   OR EXISTS (SELECT 1 FROM unnest(d.tags) tag WHERE tag ILIKE '%' || $1 || '%')
ORDER BY d.created_at DESC
LIMIT $2
`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MetadataHit
	for rows.Next() {
		var h MetadataHit
		if err := rows.Scan(
			&h.DocumentID, &h.Title, &h.Description, pq.Array(&h.Publishers), pq.Array(&h.Tags), &h.CreatedAt,
			&h.TitleMatch, &h.PublisherMatch, &h.DescriptionMatch, &h.TagMatch,
		); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountDocuments returns the total number of stored documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// CountPassages returns the total number of stored passages.
func (s *Store) CountPassages(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n)
	return n, err
}

func scanDocument(row interface {
	Scan(dest ...interface{}) error
}) (DocumentRecord, bool, error) {
	var (
		rec       DocumentRecord
		metaBytes []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.Title, &rec.Description, pq.Array(&rec.Publishers), pq.Array(&rec.Tags),
		&rec.Content, &rec.FileType, &rec.Status, &rec.StatusError, &metaBytes, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return DocumentRecord{}, false, nil
		}
		return DocumentRecord{}, false, err
	}
	if len(metaBytes) > 0 {
		_ = json.Unmarshal(metaBytes, &rec.Metadata)
	}
	return rec, true, nil
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
