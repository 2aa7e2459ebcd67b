// Package ingest runs the document ingestion pipeline: extraction
// fallback, normalization, chunking, embedding, and atomic passage
// replacement, all as fire-and-forget background tasks that report
// outcomes through the document status field.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"

	"github.com/perceptor-labs/docsearch/internal/chunker"
	"github.com/perceptor-labs/docsearch/internal/extract"
	"github.com/perceptor-labs/docsearch/internal/normalize"
	"github.com/perceptor-labs/docsearch/internal/store"
)

// ErrNotFound reports an unknown document id.
var ErrNotFound = errors.New("document not found")

// Store is the persistence surface the pipeline depends on.
type Store interface {
	CreateDocument(ctx context.Context, rec store.DocumentRecord) (store.DocumentRecord, error)
	GetDocument(ctx context.Context, id string) (store.DocumentRecord, bool, error)
	ListDocumentsByStatus(ctx context.Context, status string, limit int) ([]store.DocumentRecord, error)
	UpdateDocumentStatus(ctx context.Context, id, status, statusError string) error
	UpdateDocumentContent(ctx context.Context, id, content string) error
	ReplacePassages(ctx context.Context, documentID string, records []store.PassageRecord) error
}

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes background ingestion.
type Config struct {
	Workers      int
	ChunkMaxSize int
	ChunkOverlap int
	TaskTimeout  time.Duration
	LockTTL      time.Duration
}

// Pipeline owns the worker pool and wires the ingestion stages
// together. Construct one per process and Close it on shutdown.
type Pipeline struct {
	store     Store
	embedder  Embedder
	extractor extract.Extractor
	locks     *redis.Client
	pool      *ants.Pool
	logger    *log.Logger
	cfg       Config

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a pipeline. locks may be nil; the per-document ingestion
// guard then degrades to the status check alone.
func New(st Store, embedder Embedder, extractor extract.Extractor, locks *redis.Client, cfg Config, logger *log.Logger) (*Pipeline, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ChunkMaxSize <= 0 {
		cfg.ChunkMaxSize = chunker.DefaultMaxSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = chunker.DefaultOverlap
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Pipeline{
		store:     st,
		embedder:  embedder,
		extractor: extractor,
		locks:     locks,
		pool:      pool,
		logger:    logger,
		cfg:       cfg,
		stop:      make(chan struct{}),
	}, nil
}

// Close waits for in-flight ingestions and releases the pool.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.pool.Release()
}

// CreateInput is the caller-supplied document payload. RawData carries
// original file bytes when the caller uploaded a file; Content carries
// text supplied directly. At least one must yield usable text by the
// time ingestion runs.
type CreateInput struct {
	Title       string
	Description string
	Publishers  []string
	Tags        []string
	Content     string
	FileType    string
	RawData     []byte
	SourceRef   string
}

// CreateDocument persists a pending document and schedules its
// ingestion in the background. The returned record reflects the state
// at creation time; ingestion outcome lands in the status field.
func (p *Pipeline) CreateDocument(ctx context.Context, in CreateInput) (store.DocumentRecord, error) {
	if strings.TrimSpace(in.Title) == "" {
		return store.DocumentRecord{}, fmt.Errorf("title is required")
	}
	if strings.TrimSpace(in.Content) == "" && len(in.RawData) == 0 {
		return store.DocumentRecord{}, fmt.Errorf("content or raw data is required")
	}
	rec, err := p.store.CreateDocument(ctx, store.DocumentRecord{
		Title:       in.Title,
		Description: in.Description,
		Publishers:  in.Publishers,
		Tags:        in.Tags,
		Content:     in.Content,
		FileType:    in.FileType,
		Status:      store.DocumentStatusPending,
		Metadata:    store.DocumentMeta{SourceRef: in.SourceRef},
	})
	if err != nil {
		return store.DocumentRecord{}, err
	}
	p.enqueue(rec.ID, in.RawData)
	return rec, nil
}

// Trigger schedules re-ingestion of an existing document. Documents
// already processing are left alone; completed documents are only
// re-ingested when force is set. The bool reports whether a run was
// actually scheduled.
func (p *Pipeline) Trigger(ctx context.Context, id string, force bool) (string, bool, error) {
	rec, found, err := p.store.GetDocument(ctx, id)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, ErrNotFound
	}
	switch rec.Status {
	case store.DocumentStatusProcessing:
		return rec.Status, false, nil
	case store.DocumentStatusCompleted:
		if !force {
			return rec.Status, false, nil
		}
	}
	// Persist pending before scheduling so a concurrent read never
	// sees a stale completed/failed status for a queued document.
	if err := p.store.UpdateDocumentStatus(ctx, id, store.DocumentStatusPending, ""); err != nil {
		return "", false, err
	}
	p.enqueue(id, nil)
	return store.DocumentStatusPending, true, nil
}

func (p *Pipeline) enqueue(id string, raw []byte) {
	p.wg.Add(1)
	task := func() {
		defer p.wg.Done()
		p.run(id, raw)
	}
	if err := p.pool.Submit(task); err != nil {
		p.logger.Printf("pool submit for document %s: %v, running unpooled", id, err)
		go task()
	}
}

func (p *Pipeline) run(id string, raw []byte) {
	select {
	case <-p.stop:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	defer cancel()

	if !p.acquireLock(ctx, id) {
		p.logger.Printf("document %s is locked by another ingestion, skipping", id)
		return
	}
	defer p.releaseLock(id)

	if err := p.ingest(ctx, id, raw); err != nil {
		ingestionFailures.Inc()
		p.logger.Printf("ingestion of document %s failed: %v", id, err)
		statusCtx, statusCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer statusCancel()
		if uerr := p.store.UpdateDocumentStatus(statusCtx, id, store.DocumentStatusFailed, err.Error()); uerr != nil {
			p.logger.Printf("recording failure for document %s: %v", id, uerr)
		}
	}
}

func (p *Pipeline) ingest(ctx context.Context, id string, raw []byte) error {
	rec, found, err := p.store.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	if err := p.store.UpdateDocumentStatus(ctx, id, store.DocumentStatusProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	text := rec.Content
	if len(raw) > 0 && p.extractor != nil {
		extracted, ok, xerr := p.extractor.Extract(ctx, rec.FileType, raw)
		if xerr != nil {
			p.logger.Printf("extraction for document %s degraded: %v", id, xerr)
		}
		if ok && strings.TrimSpace(extracted) != "" {
			text = extracted
			if extracted != rec.Content {
				if uerr := p.store.UpdateDocumentContent(ctx, id, extracted); uerr != nil {
					return fmt.Errorf("store extracted content: %w", uerr)
				}
			}
		}
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("no usable text: extraction produced nothing and no content was supplied")
	}

	canonical := normalize.Text(text)
	passages := chunker.Chunk(canonical, p.cfg.ChunkMaxSize, p.cfg.ChunkOverlap)
	if len(passages) == 0 {
		return fmt.Errorf("chunking produced no passages")
	}

	texts := make([]string, len(passages))
	for i, ps := range passages {
		texts[i] = ps.Text
	}
	// The metadata header rides on the first passage so title,
	// publisher, and tag terms are embedded alongside the opening
	// text without changing the passage count.
	if header := enrichmentHeader(rec); header != "" {
		texts[0] = header + "\n" + texts[0]
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed passages: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedder returned %d vectors for %d passages", len(vectors), len(texts))
	}

	records := make([]store.PassageRecord, len(passages))
	for i, ps := range passages {
		tokens := ps.TokenEstimate
		if texts[i] != ps.Text {
			tokens = chunker.EstimateTokens(texts[i])
		}
		records[i] = store.PassageRecord{
			DocumentID: id,
			Position:   ps.Position,
			Section:    ps.Section,
			Content:    texts[i],
			TokenCount: tokens,
			Vector:     vectors[i],
		}
	}
	if err := p.store.ReplacePassages(ctx, id, records); err != nil {
		return fmt.Errorf("replace passages: %w", err)
	}
	if err := p.store.UpdateDocumentStatus(ctx, id, store.DocumentStatusCompleted, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	documentsIngested.Inc()
	passagesStored.Add(float64(len(records)))
	p.logger.Printf("document %s ingested: %d passages", id, len(records))
	return nil
}

// enrichmentHeader renders the metadata lines the search layer knows
// how to strip from excerpts.
func enrichmentHeader(rec store.DocumentRecord) string {
	var lines []string
	if t := strings.TrimSpace(rec.Title); t != "" {
		lines = append(lines, "Title: "+t)
	}
	if d := strings.TrimSpace(rec.Description); d != "" {
		lines = append(lines, "Description: "+d)
	}
	if len(rec.Publishers) > 0 {
		lines = append(lines, "Publishers: "+strings.Join(rec.Publishers, ", "))
	}
	if len(rec.Tags) > 0 {
		lines = append(lines, "Keywords: "+strings.Join(rec.Tags, ", "))
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n---"
}

func (p *Pipeline) lockKey(id string) string { return "docsearch:ingest:" + id }

// acquireLock takes a best-effort per-document lease in Redis so two
// processes do not ingest the same document at once. Redis being
// absent or unreachable never blocks ingestion.
func (p *Pipeline) acquireLock(ctx context.Context, id string) bool {
	if p.locks == nil {
		return true
	}
	ok, err := p.locks.SetNX(ctx, p.lockKey(id), "1", p.cfg.LockTTL).Result()
	if err != nil {
		p.logger.Printf("ingestion lock for document %s unavailable: %v", id, err)
		return true
	}
	return ok
}

func (p *Pipeline) releaseLock(id string) {
	if p.locks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.locks.Del(ctx, p.lockKey(id)).Err(); err != nil {
		p.logger.Printf("releasing ingestion lock for document %s: %v", id, err)
	}
}
