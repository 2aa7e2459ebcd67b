package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/perceptor-labs/docsearch/internal/store"
)

// StartRetrySweeper schedules periodic re-ingestion of failed
// documents on a cron expression. It returns after validating the
// schedule; the sweep loop runs until the pipeline is closed.
func (p *Pipeline) StartRetrySweeper(schedule string, batch int) error {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return fmt.Errorf("parse retry schedule %q: %w", schedule, err)
	}
	if batch <= 0 {
		batch = 20
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-p.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			p.sweepFailed(batch)
		}
	}()
	return nil
}

func (p *Pipeline) sweepFailed(batch int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	docs, err := p.store.ListDocumentsByStatus(ctx, store.DocumentStatusFailed, batch)
	if err != nil {
		p.logger.Printf("listing failed documents: %v", err)
		return
	}
	for _, doc := range docs {
		p.logger.Printf("retrying failed document %s (%s)", doc.ID, doc.StatusError)
		p.enqueue(doc.ID, nil)
	}
}
