package index

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/domain"
)

// manifestKey is the hash mapping document id to its ManifestEntry JSON.
// The manifest is the source of truth for what the index currently holds;
// reconciliation diffs incoming documents against it.
var manifestKey = domain.KeyPrefix + "manifest"

// ManifestEntry records what the index holds for one document. Embedder
// names the provider/model that produced the stored vectors; a different
// embedder at ingest time means the vectors live in another space and the
// document must be re-embedded even when its content hash matches.
type ManifestEntry struct {
	ContentHash string   `json:"hash"`
	ChunkIDs    []string `json:"chunk_ids"`
	SourceTS    int64    `json:"source_ts"`
	Embedder    string   `json:"embedder,omitempty"`
}

// Manifest returns the full document manifest.
func (r *Repository) Manifest(ctx context.Context) (map[string]ManifestEntry, error) {
	raw, err := r.store.HGetAll(ctx, manifestKey)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w: %w", domain.ErrIndexUnavailable, err)
	}

	manifest := make(map[string]ManifestEntry, len(raw))
	for docID, data := range raw {
		var entry ManifestEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			// A corrupt entry is treated as absent so the document gets re-indexed.
			r.logger.Warn("Corrupt manifest entry, scheduling re-index",
				zap.String("document_id", docID))
			continue
		}
		manifest[docID] = entry
	}
	return manifest, nil
}

func (r *Repository) putManifestEntry(ctx context.Context, docID string, entry ManifestEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal manifest entry: %w", err)
	}
	if err := r.store.HSet(ctx, manifestKey, map[string]string{docID: string(data)}); err != nil {
		return fmt.Errorf("write manifest entry: %w: %w", domain.ErrIndexUnavailable, err)
	}
	return nil
}

func (r *Repository) removeManifestEntry(ctx context.Context, docID string) error {
	if err := r.store.HDel(ctx, manifestKey, docID); err != nil {
		return fmt.Errorf("remove manifest entry: %w: %w", domain.ErrIndexUnavailable, err)
	}
	return nil
}
