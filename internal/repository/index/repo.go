// Package index persists chunk embeddings in a Redis FT vector index and
// keeps the document manifest that makes ingestion idempotent.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/db"
	"github.com/edufind-cloud/studyrag/internal/domain"
	"github.com/edufind-cloud/studyrag/internal/domain/filter"
)

// DefaultIndexName is the FT index over chunk hashes.
const DefaultIndexName = "studyrag-chunks"

// HNSW build parameters.
const (
	hnswM           = 16
	hnswEFConstruct = 200
)

// store is the consumer interface for index persistence (ISP).
type store interface {
	db.HashStore
	db.IndexManager
	db.Searcher
}

// Repository stores index entries and serves KNN searches.
type Repository struct {
	store      store
	indexName  string
	dim        int
	embedderID string
	logger     *zap.Logger
}

// New creates an index repository for vectors of the given dimensionality.
// embedderID identifies the provider/model producing the vectors (for
// example "openai/text-embedding-3-small"); it is stamped into every
// manifest entry so ingestion can detect a model switch.
func New(s store, dim int, embedderID string, logger *zap.Logger) *Repository {
	return &Repository{
		store:      s,
		indexName:  DefaultIndexName,
		dim:        dim,
		embedderID: embedderID,
		logger:     logger,
	}
}

// EmbedderID returns the provider/model identity the repository stamps
// into manifest entries.
func (r *Repository) EmbedderID() string { return r.embedderID }

// EnsureIndex creates the FT index if it does not exist yet.
func (r *Repository) EnsureIndex(ctx context.Context) error {
	exists, err := r.store.IndexExists(ctx, r.indexName)
	if err != nil {
		return fmt.Errorf("probe index: %w: %w", domain.ErrIndexUnavailable, err)
	}
	if exists {
		return nil
	}

	def, err := db.NewIndex(r.indexName).
		Prefix(chunkKeyPrefix).
		Tag(fieldDocumentID).
		Tag(fieldCountry).
		Numeric(fieldDeadline).
		Numeric(fieldSourceTS).
		VectorHNSW(fieldVector, r.dim, db.DistanceCosine, hnswM, hnswEFConstruct).
		Build()
	if err != nil {
		return fmt.Errorf("build index definition: %w", err)
	}

	if err := r.store.CreateIndex(ctx, def); err != nil {
		if errors.Is(err, db.ErrIndexExists) {
			return nil // concurrent creation is fine
		}
		return fmt.Errorf("create index: %w: %w", domain.ErrIndexUnavailable, err)
	}

	r.logger.Info("Vector index created",
		zap.String("index", r.indexName),
		zap.Int("dimensions", r.dim),
	)
	return nil
}

// UpsertDocument atomically replaces a document's chunks in the index.
// New chunks are written first, the manifest entry second, stale chunks
// removed last: a failure mid-way leaves the previous generation searchable.
func (r *Repository) UpsertDocument(
	ctx context.Context, docID string, contentHash string, sourceTS int64,
	entries []domain.IndexEntry,
) error {
	for i := range entries {
		if len(entries[i].Vector) != r.dim {
			return fmt.Errorf("chunk %s has %d dimensions, index expects %d: %w",
				entries[i].ChunkID, len(entries[i].Vector), r.dim, domain.ErrVectorDimMismatch)
		}
	}

	manifest, err := r.Manifest(ctx)
	if err != nil {
		return err
	}
	prev := manifest[docID]

	items := make([]db.HashSetItem, len(entries))
	chunkIDs := make([]string, len(entries))
	for i := range entries {
		items[i] = db.HashSetItem{
			Key:    chunkKey(entries[i].ChunkID),
			Fields: entryToFields(&entries[i]),
		}
		chunkIDs[i] = entries[i].ChunkID
	}

	if err := r.store.HSetMulti(ctx, items); err != nil {
		return fmt.Errorf("upsert chunks for %s: %w: %w", docID, domain.ErrIndexUnavailable, err)
	}

	if err := r.putManifestEntry(ctx, docID, ManifestEntry{
		ContentHash: contentHash,
		ChunkIDs:    chunkIDs,
		SourceTS:    sourceTS,
		Embedder:    r.embedderID,
	}); err != nil {
		return err
	}

	if stale := staleChunkIDs(prev.ChunkIDs, chunkIDs); len(stale) > 0 {
		keys := make([]string, len(stale))
		for i, id := range stale {
			keys[i] = chunkKey(id)
		}
		if err := r.store.DelMulti(ctx, keys); err != nil {
			// Orphaned chunks are invisible once the manifest moved on;
			// the next upsert retries the cleanup.
			r.logger.Warn("Failed to delete stale chunks",
				zap.String("document_id", docID),
				zap.Int("count", len(stale)),
				zap.Error(err),
			)
		}
	}

	return nil
}

// DeleteDocument removes a document's chunks and manifest entry.
func (r *Repository) DeleteDocument(ctx context.Context, docID string) error {
	manifest, err := r.Manifest(ctx)
	if err != nil {
		return err
	}
	entry, ok := manifest[docID]
	if !ok {
		return nil
	}

	keys := make([]string, len(entry.ChunkIDs))
	for i, id := range entry.ChunkIDs {
		keys[i] = chunkKey(id)
	}
	if err := r.store.DelMulti(ctx, keys); err != nil {
		return fmt.Errorf("delete chunks for %s: %w: %w", docID, domain.ErrIndexUnavailable, err)
	}

	return r.removeManifestEntry(ctx, docID)
}

// SearchQuery is the input for a KNN search over the chunk index.
type SearchQuery struct {
	Vector  []float32
	K       int
	Filters filter.Expression
}

// Search runs a KNN query and returns evidence ordered by similarity
// descending. Ties break on source timestamp descending, then chunk id
// ascending, so result order is deterministic.
func (r *Repository) Search(ctx context.Context, q SearchQuery) ([]domain.Evidence, error) {
	if len(q.Vector) != r.dim {
		return nil, fmt.Errorf("query vector has %d dimensions, index expects %d: %w",
			len(q.Vector), r.dim, domain.ErrVectorDimMismatch)
	}

	result, err := r.store.SearchKNN(ctx, &db.KNNQuery{
		IndexName: r.indexName,
		Filters:   q.Filters,
		Vector:    q.Vector,
		K:         q.K,
		ReturnFields: []string{
			fieldDocumentID, fieldText, fieldCountry, fieldTitle,
			fieldSourceURL, fieldDeadline, fieldSourceTS, "__vector_score",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("knn search: %w: %w", domain.ErrIndexUnavailable, err)
	}

	evidence := make([]domain.Evidence, 0, len(result.Entries))
	for _, entry := range result.Entries {
		evidence = append(evidence, fieldsToEvidence(entry.Key, entry.Score, entry.Fields))
	}

	sort.SliceStable(evidence, func(i, j int) bool {
		if evidence[i].Score != evidence[j].Score {
			return evidence[i].Score > evidence[j].Score
		}
		if evidence[i].SourceTS != evidence[j].SourceTS {
			return evidence[i].SourceTS > evidence[j].SourceTS
		}
		return evidence[i].ChunkID < evidence[j].ChunkID
	})

	return evidence, nil
}

// Stats reports document and chunk counts.
func (r *Repository) Stats(ctx context.Context) (domain.IndexStats, error) {
	manifest, err := r.Manifest(ctx)
	if err != nil {
		return domain.IndexStats{}, err
	}

	chunks, err := r.store.SearchCount(ctx, r.indexName, "*")
	if err != nil {
		return domain.IndexStats{}, fmt.Errorf("count chunks: %w: %w", domain.ErrIndexUnavailable, err)
	}

	return domain.IndexStats{
		Documents: len(manifest),
		Chunks:    chunks,
	}, nil
}

// staleChunkIDs returns ids present in prev but not in next.
func staleChunkIDs(prev, next []string) []string {
	keep := make(map[string]bool, len(next))
	for _, id := range next {
		keep[id] = true
	}
	var stale []string
	for _, id := range prev {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	return stale
}
