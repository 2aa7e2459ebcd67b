package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsearch_documents_ingested_total",
		Help: "Documents that completed ingestion successfully.",
	})
	ingestionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsearch_ingestion_failures_total",
		Help: "Ingestion runs that ended in failed status.",
	})
	passagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsearch_passages_stored_total",
		Help: "Passages written across all completed ingestions.",
	})
)
