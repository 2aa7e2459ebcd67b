// Package embedding wraps an external vector generator with batching,
// bounded concurrency, pacing, and retry with exponential backoff.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultDimensions is the expected length of generated vectors.
const DefaultDimensions = 1536

// Provider generates one fixed-dimension vector per input text. It is
// stateless and synchronous per call; pacing and retries live here.
type Provider interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

// Config tunes the batching and retry behaviour of the client.
type Config struct {
	Model       string
	Dimensions  int
	BatchSize   int
	Concurrency int
	MaxAttempts int
	BaseBackoff time.Duration
	BatchPause  time.Duration
}

// Client batches embedding requests against a Provider.
type Client struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
}

// NewClient builds an embedding client, applying defaults for any
// unset knobs.
func NewClient(provider Provider, cfg Config) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.BatchPause > 0 {
		limit = rate.Every(cfg.BatchPause)
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
	}, nil
}

// Dimensions reports the configured vector length.
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// Embed produces one vector per input text, batching requests and
// running batches concurrently up to the configured limit. The batch
// pause bounds the request rate to the generator. Any batch that still
// fails after the retry budget fails the whole call; no partial result
// is returned.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		start := start
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			vecs, err := c.embedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// embedBatch issues one generator call for a batch, retrying transport
// failures with a doubling backoff. Validation failures are final.
func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	delay := c.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		vecs, err := c.provider.Embed(ctx, c.cfg.Model, batch)
		if err == nil {
			if verr := c.validate(vecs, len(batch)); verr != nil {
				return nil, verr
			}
			return vecs, nil
		}
		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, ErrTransport{Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func (c *Client) validate(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return ErrMalformedVector{Index: len(vecs), Reason: fmt.Sprintf("expected %d vectors, got %d", want, len(vecs))}
	}
	for i, vec := range vecs {
		if len(vec) != c.cfg.Dimensions {
			return ErrMalformedVector{Index: i, Reason: fmt.Sprintf("expected %d dimensions, got %d", c.cfg.Dimensions, len(vec))}
		}
		for _, f := range vec {
			v := float64(f)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return ErrMalformedVector{Index: i, Reason: "non-finite value"}
			}
		}
	}
	return nil
}
