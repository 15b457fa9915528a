// Package ingest runs the batch pipeline that turns scraped records into
// searchable index entries: discover, normalize, diff, chunk, embed, upsert,
// reconcile. The run is idempotent: re-ingesting unchanged sources performs
// no index writes.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edufind-cloud/studyrag/internal/domain"
	"github.com/edufind-cloud/studyrag/internal/domain/chunk"
	"github.com/edufind-cloud/studyrag/internal/domain/record"
	"github.com/edufind-cloud/studyrag/internal/metrics"
	"github.com/edufind-cloud/studyrag/internal/repository/index"
)

// Pipeline stages reported in document failures.
const (
	StageNormalize = "normalize"
	StageChunk     = "chunk"
	StageEmbed     = "embed"
	StageIndex     = "index"
	StageDelete    = "delete"
)

// sourceReader discovers scraped records.
type sourceReader interface {
	ReadAll() ([]record.SourceRecord, error)
}

// indexRepo is the consumer interface over the vector index repository.
type indexRepo interface {
	Manifest(ctx context.Context) (map[string]index.ManifestEntry, error)
	UpsertDocument(ctx context.Context, docID, contentHash string, sourceTS int64, entries []domain.IndexEntry) error
	DeleteDocument(ctx context.Context, docID string) error
	EmbedderID() string
}

// Report summarizes one ingest run.
type Report struct {
	Indexed   int
	Unchanged int
	Deleted   int
	Failed    int
	Failures  []domain.DocumentFailure
	Duration  time.Duration
}

// Service is the ingestion pipeline.
type Service struct {
	source   sourceReader
	repo     indexRepo
	embedder domain.Embedder
	chunkCfg chunk.Config
	workers  int
	logger   *zap.Logger
}

// NewService wires the pipeline. workers bounds per-document concurrency.
func NewService(
	src sourceReader, repo indexRepo, embedder domain.Embedder,
	chunkCfg chunk.Config, workers int, logger *zap.Logger,
) *Service {
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		source:   src,
		repo:     repo,
		embedder: embedder,
		chunkCfg: chunkCfg,
		workers:  workers,
		logger:   logger,
	}
}

// Run executes one full pipeline pass. Per-document failures are collected
// into the report, never aborting the batch; only infrastructure errors
// (source unreadable, manifest unavailable) fail the run.
func (s *Service) Run(ctx context.Context) (Report, error) {
	started := time.Now()

	records, err := s.source.ReadAll()
	if err != nil {
		return Report{}, fmt.Errorf("discover sources: %w", err)
	}

	manifest, err := s.repo.Manifest(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	docs := s.normalizeAll(records, &report)

	var (
		mu      sync.Mutex
		pending []record.Document
	)
	// A document is unchanged only if its content hash matches AND its
	// stored vectors came from the current embedder; a model switch must
	// re-embed everything or queries would mix vector spaces.
	embedderID := s.repo.EmbedderID()
	for _, doc := range docs {
		prev, ok := manifest[doc.ID]
		if ok && prev.ContentHash == doc.ContentHash && prev.Embedder == embedderID {
			report.Unchanged++
			metrics.IngestDocumentsTotal.WithLabelValues("unchanged").Inc()
			continue
		}
		pending = append(pending, doc)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, doc := range pending {
		g.Go(func() error {
			if err := s.processDocument(gctx, doc); err != nil {
				mu.Lock()
				s.recordFailure(&report, err)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			report.Indexed++
			mu.Unlock()
			metrics.IngestDocumentsTotal.WithLabelValues("indexed").Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	s.reconcile(ctx, manifest, docs, &report)

	report.Duration = time.Since(started)
	s.logger.Info("Ingest run finished",
		zap.Int("indexed", report.Indexed),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// normalizeAll converts records to documents, skipping malformed ones.
// When the same document id appears twice the newer scrape wins.
func (s *Service) normalizeAll(records []record.SourceRecord, report *Report) []record.Document {
	byID := make(map[string]int)
	var docs []record.Document
	for _, rec := range records {
		doc, err := record.Normalize(rec)
		if err != nil {
			s.recordFailure(report, &domain.DocumentFailure{
				DocumentID: rec.URL,
				Stage:      StageNormalize,
				Err:        err,
			})
			continue
		}
		if i, seen := byID[doc.ID]; seen {
			if doc.SourceTS.After(docs[i].SourceTS) {
				docs[i] = doc
			}
			continue
		}
		byID[doc.ID] = len(docs)
		docs = append(docs, doc)
	}
	return docs
}

// processDocument chunks, embeds, and upserts one document.
func (s *Service) processDocument(ctx context.Context, doc record.Document) error {
	chunks, err := chunk.Split(doc.ID, doc.Text, s.chunkCfg)
	if err != nil {
		return &domain.DocumentFailure{DocumentID: doc.ID, Stage: StageChunk, Err: err}
	}
	if len(chunks) == 0 {
		return &domain.DocumentFailure{
			DocumentID: doc.ID,
			Stage:      StageChunk,
			Err:        fmt.Errorf("document produced no chunks: %w", domain.ErrMalformedRecord),
		}
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}

	res, err := s.batchEmbed(ctx, texts)
	if err != nil {
		return &domain.DocumentFailure{DocumentID: doc.ID, Stage: StageEmbed, Err: err}
	}
	if len(res.Embeddings) != len(chunks) {
		return &domain.DocumentFailure{
			DocumentID: doc.ID,
			Stage:      StageEmbed,
			Err: fmt.Errorf("got %d embeddings for %d chunks: %w",
				len(res.Embeddings), len(chunks), domain.ErrEmbeddingProvider),
		}
	}

	entries := make([]domain.IndexEntry, len(chunks))
	for i := range chunks {
		entries[i] = domain.IndexEntry{
			ChunkID:    chunks[i].ID,
			DocumentID: doc.ID,
			Text:       chunks[i].Text,
			Vector:     res.Embeddings[i],
			Country:    doc.Country,
			Title:      doc.Title,
			SourceURL:  doc.SourceURL,
			Deadline:   unixOrZero(doc.Deadline),
			SourceTS:   unixOrZero(doc.SourceTS),
		}
	}

	if err := s.repo.UpsertDocument(ctx, doc.ID, doc.ContentHash, unixOrZero(doc.SourceTS), entries); err != nil {
		return &domain.DocumentFailure{DocumentID: doc.ID, Stage: StageIndex, Err: err}
	}

	s.logger.Debug("Document indexed",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// reconcile deletes indexed documents whose source no longer exists.
func (s *Service) reconcile(
	ctx context.Context, manifest map[string]index.ManifestEntry,
	docs []record.Document, report *Report,
) {
	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		seen[doc.ID] = true
	}

	for docID := range manifest {
		if seen[docID] {
			continue
		}
		if err := s.repo.DeleteDocument(ctx, docID); err != nil {
			s.recordFailure(report, &domain.DocumentFailure{
				DocumentID: docID,
				Stage:      StageDelete,
				Err:        err,
			})
			continue
		}
		report.Deleted++
		metrics.IngestDocumentsTotal.WithLabelValues("deleted").Inc()
		s.logger.Info("Retired document removed from index", zap.String("document_id", docID))
	}
}

func (s *Service) recordFailure(report *Report, err error) {
	report.Failed++
	metrics.IngestDocumentsTotal.WithLabelValues("failed").Inc()
	if f, ok := err.(*domain.DocumentFailure); ok {
		report.Failures = append(report.Failures, *f)
		s.logger.Warn("Document skipped",
			zap.String("document_id", f.DocumentID),
			zap.String("stage", f.Stage),
			zap.Error(f.Err),
		)
		return
	}
	report.Failures = append(report.Failures, domain.DocumentFailure{Stage: "unknown", Err: err})
	s.logger.Warn("Document skipped", zap.Error(err))
}

// batchEmbed uses the batch API when the embedder supports it.
func (s *Service) batchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	if be, ok := s.embedder.(domain.BatchEmbedder); ok {
		return be.BatchEmbed(ctx, texts)
	}
	return domain.BatchFallback(ctx, s.embedder, texts)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
