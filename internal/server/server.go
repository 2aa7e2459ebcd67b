// Package server exposes the HTTP API: document CRUD and ingestion
// triggers, plus the flat and grouped search endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/perceptor-labs/docsearch/config"
	"github.com/perceptor-labs/docsearch/internal/embedding"
	"github.com/perceptor-labs/docsearch/internal/extract"
	"github.com/perceptor-labs/docsearch/internal/ingest"
	"github.com/perceptor-labs/docsearch/internal/search"
	"github.com/perceptor-labs/docsearch/internal/store"
	"github.com/perceptor-labs/docsearch/provider/openai"
)

// Run wires every dependency and serves the API until the process is
// stopped.
func Run(cfg *appconfig.Config) error {
	e := newEcho(cfg)

	// Best effort on boot; operators can run migrations explicitly.
	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		log.Printf("[SERVER] migrations skipped: %v", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
	}

	provider := openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	embedder, err := embedding.NewClient(provider, embedding.Config{
		Model:       cfg.OpenAI.EmbeddingModel,
		Dimensions:  cfg.OpenAI.EmbeddingDimensions,
		BatchSize:   cfg.Ingest.BatchSize,
		Concurrency: cfg.Ingest.Concurrency,
		MaxAttempts: cfg.Ingest.MaxAttempts,
		BaseBackoff: cfg.Ingest.BaseBackoff,
		BatchPause:  cfg.Ingest.BatchPause,
	})
	if err != nil {
		return err
	}

	pipeline, err := ingest.New(st, embedder, extract.Basic{}, rdb, ingest.Config{
		Workers:      cfg.Ingest.Workers,
		ChunkMaxSize: cfg.Ingest.ChunkMaxSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		TaskTimeout:  cfg.Ingest.TaskTimeout,
		LockTTL:      cfg.Ingest.LockTTL,
	}, log.New(log.Writer(), "[INGEST] ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer pipeline.Close()
	if cfg.Ingest.RetrySchedule != "" {
		if err := pipeline.StartRetrySweeper(cfg.Ingest.RetrySchedule, cfg.Ingest.RetryBatch); err != nil {
			return err
		}
	}

	searcher := search.NewService(st, embedder, log.New(log.Writer(), "[SEARCH] ", log.LstdFlags))
	if cfg.Search.RetrieverLimit > 0 {
		searcher.RetrieverLimit = cfg.Search.RetrieverLimit
	}
	if cfg.Search.SimilarityThreshold > 0 {
		searcher.SimilarityThreshold = cfg.Search.SimilarityThreshold
	}

	api := e.Group("/api")
	dh := &DocumentsHandler{Pipeline: pipeline, Store: st, Searcher: searcher}
	dh.Register(api.Group("/documents"))
	sh := &SearchHandler{Searcher: searcher}
	sh.Register(api.Group("/search"))

	return e.Start(cfg.Server.Address)
}

func newEcho(cfg *appconfig.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		} else if errors.Is(err, search.ErrBadQuery) {
			code = http.StatusBadRequest
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if cfg.Server.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	return e
}
