package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return New(db), mock, func() { _ = db.Close() }
}

func TestEncodeVectorLiteral(t *testing.T) {
	got, err := encodeVectorLiteral([]float32{0.5, -1, 2.25})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "[0.5,-1,2.25]" {
		t.Fatalf("unexpected literal: %s", got)
	}
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestCreateDocument(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents")).
		WithArgs(sqlmock.AnyArg(), "Annual Report", "Summary of the year", pq.Array([]string{"Acme Corp"}), pq.Array([]string{"finance"}), "body text", "text/plain", DocumentStatusPending, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	rec, err := st.CreateDocument(context.Background(), DocumentRecord{
		Title:       "Annual Report",
		Description: "Summary of the year",
		Publishers:  []string{"Acme Corp"},
		Tags:        []string{"finance"},
		Content:     "body text",
		FileType:    "text/plain",
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated id")
	}
	if rec.Status != DocumentStatusPending {
		t.Fatalf("expected pending status, got %s", rec.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateDocumentRequiresTitle(t *testing.T) {
	st, _, done := newMockStore(t)
	defer done()
	if _, err := st.CreateDocument(context.Background(), DocumentRecord{Title: "   "}); err == nil {
		t.Fatal("expected error for blank title")
	}
}

func TestReplacePassagesAtomicSwap(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	docID := "11111111-1111-1111-1111-111111111111"
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM passages WHERE document_id = $1")).
		WithArgs(docID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO passages"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO passages")).
		WithArgs(sqlmock.AnyArg(), docID, 0, "Introduction", "first passage", 4, "[0.1,0.2]").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO passages")).
		WithArgs(sqlmock.AnyArg(), docID, 1, "", "second passage", 4, "[0.3,0.4]").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.ReplacePassages(context.Background(), docID, []PassageRecord{
		{Position: 0, Section: "Introduction", Content: "first passage", TokenCount: 4, Vector: []float32{0.1, 0.2}},
		{Position: 1, Content: "second passage", TokenCount: 4, Vector: []float32{0.3, 0.4}},
	})
	if err != nil {
		t.Fatalf("ReplacePassages: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReplacePassagesRollsBackOnMissingVector(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	docID := "11111111-1111-1111-1111-111111111111"
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM passages WHERE document_id = $1")).
		WithArgs(docID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO passages"))
	mock.ExpectRollback()

	err := st.ReplacePassages(context.Background(), docID, []PassageRecord{
		{Position: 0, Content: "no vector"},
	})
	if err == nil {
		t.Fatal("expected error for passage without vector")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateDocumentStatusClearsErrorOutsideFailed(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status")).
		WithArgs("doc-1", DocumentStatusCompleted, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpdateDocumentStatus(context.Background(), "doc-1", DocumentStatusCompleted, "stale error"); err != nil {
		t.Fatalf("UpdateDocumentStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateDocumentStatusKeepsErrorOnFailed(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status")).
		WithArgs("doc-1", DocumentStatusFailed, "embedding provider unreachable").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpdateDocumentStatus(context.Background(), "doc-1", DocumentStatusFailed, "embedding provider unreachable"); err != nil {
		t.Fatalf("UpdateDocumentStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteDocumentNotFound(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.DeleteDocument(context.Background(), "missing"); err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, found, err := st.GetDocument(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if found {
		t.Fatal("expected found=false")
	}
}

func TestSearchPassagesKeywordMapsMatchFlags(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	created := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "document_id", "position", "section", "content",
		"title", "description", "publishers", "tags", "created_at",
		"rank", "title_match", "publisher_match", "description_match", "tag_match", "body_match",
	}).AddRow(
		"p-1", "d-1", 0, "Overview", "Acme Corp grew revenue.",
		"Annual Report", "Summary", "{Acme Corp}", "{finance}", created,
		0.42, false, true, false, false, true,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM passages p")).
		WithArgs("Acme", "", 50).
		WillReturnRows(rows)

	hits, err := st.SearchPassagesKeyword(context.Background(), "Acme", "", 0)
	if err != nil {
		t.Fatalf("SearchPassagesKeyword: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	h := hits[0]
	if !h.PublisherMatch || !h.BodyMatch || h.TitleMatch {
		t.Fatalf("unexpected match flags: %+v", h)
	}
	if h.Rank != 0.42 {
		t.Fatalf("unexpected rank: %f", h.Rank)
	}
	if len(h.Publishers) != 1 || h.Publishers[0] != "Acme Corp" {
		t.Fatalf("unexpected publishers: %v", h.Publishers)
	}
}

func TestSearchPassagesVectorRejectsEmptyVector(t *testing.T) {
	st, _, done := newMockStore(t)
	defer done()
	if _, err := st.SearchPassagesVector(context.Background(), nil, "q", VectorSearchOptions{}); err == nil {
		t.Fatal("expected error for empty vector")
	}
}
