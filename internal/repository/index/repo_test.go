package index

import (
	"context"
	"errors"
	"testing"

	"github.com/edufind-cloud/studyrag/internal/db"
	"github.com/edufind-cloud/studyrag/internal/domain"
)

func TestEnsureIndex_CreatesSchema(t *testing.T) {
	repo, ms := newTestRepo(t, 4)

	if err := repo.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ms.createdIndex == nil {
		t.Fatal("expected index creation")
	}
	if ms.createdIndex.Name != DefaultIndexName {
		t.Errorf("index name = %q", ms.createdIndex.Name)
	}

	var vecField *db.IndexField
	for i := range ms.createdIndex.Fields {
		if ms.createdIndex.Fields[i].Type == db.IndexFieldVector {
			vecField = &ms.createdIndex.Fields[i]
		}
	}
	if vecField == nil {
		t.Fatal("schema missing vector field")
	}
	if vecField.VectorDim != 4 || vecField.VectorDistance != db.DistanceCosine {
		t.Errorf("vector field = %+v", vecField)
	}
}

func TestEnsureIndex_SkipsWhenPresent(t *testing.T) {
	repo, ms := newTestRepo(t, 4)
	ms.indexExists = true

	if err := repo.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ms.createdIndex != nil {
		t.Error("index must not be recreated")
	}
}

func TestUpsertDocument_WritesChunksAndManifest(t *testing.T) {
	repo, ms := newTestRepo(t, 2)
	ctx := context.Background()

	entries := []domain.IndexEntry{
		testEntry("c1", "doc1", []float32{0.1, 0.2}),
		testEntry("c2", "doc1", []float32{0.3, 0.4}),
	}

	if err := repo.UpsertDocument(ctx, "doc1", "hash-v1", 1740000000, entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := ms.hashes[chunkKey("c1")]; !ok {
		t.Error("chunk c1 not written")
	}
	if got := ms.hashes[chunkKey("c1")][fieldCountry]; got != "CZ" {
		t.Errorf("country field = %q", got)
	}

	entry, ok := ms.manifestEntry(t, "doc1")
	if !ok {
		t.Fatal("manifest entry missing")
	}
	if entry.ContentHash != "hash-v1" {
		t.Errorf("manifest hash = %q", entry.ContentHash)
	}
	if len(entry.ChunkIDs) != 2 {
		t.Errorf("manifest chunk ids = %v", entry.ChunkIDs)
	}
	if entry.Embedder != testEmbedderID {
		t.Errorf("manifest embedder = %q, want %q", entry.Embedder, testEmbedderID)
	}
}

func TestUpsertDocument_RemovesStaleChunks(t *testing.T) {
	repo, ms := newTestRepo(t, 2)
	ctx := context.Background()

	v1 := []domain.IndexEntry{
		testEntry("c1", "doc1", []float32{0.1, 0.2}),
		testEntry("c2", "doc1", []float32{0.3, 0.4}),
		testEntry("c3", "doc1", []float32{0.5, 0.6}),
	}
	if err := repo.UpsertDocument(ctx, "doc1", "hash-v1", 1, v1); err != nil {
		t.Fatalf("v1 upsert: %v", err)
	}

	// v2 shrinks to two chunks; c3 must disappear
	v2 := []domain.IndexEntry{
		testEntry("c1", "doc1", []float32{0.1, 0.2}),
		testEntry("c4", "doc1", []float32{0.7, 0.8}),
	}
	if err := repo.UpsertDocument(ctx, "doc1", "hash-v2", 2, v2); err != nil {
		t.Fatalf("v2 upsert: %v", err)
	}

	for _, gone := range []string{"c2", "c3"} {
		if _, ok := ms.hashes[chunkKey(gone)]; ok {
			t.Errorf("stale chunk %s still present", gone)
		}
	}
	for _, kept := range []string{"c1", "c4"} {
		if _, ok := ms.hashes[chunkKey(kept)]; !ok {
			t.Errorf("chunk %s missing", kept)
		}
	}

	entry, _ := ms.manifestEntry(t, "doc1")
	if entry.ContentHash != "hash-v2" {
		t.Errorf("manifest hash = %q, want hash-v2", entry.ContentHash)
	}
}

func TestUpsertDocument_Idempotent(t *testing.T) {
	repo, ms := newTestRepo(t, 2)
	ctx := context.Background()

	entries := []domain.IndexEntry{testEntry("c1", "doc1", []float32{0.1, 0.2})}

	for range 3 {
		if err := repo.UpsertDocument(ctx, "doc1", "hash-v1", 1, entries); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	chunkCount := 0
	for key := range ms.hashes {
		if key != manifestKey {
			chunkCount++
		}
	}
	if chunkCount != 1 {
		t.Errorf("expected exactly 1 chunk after repeated upserts, got %d", chunkCount)
	}
}

func TestUpsertDocument_DimMismatch(t *testing.T) {
	repo, _ := newTestRepo(t, 4)

	entries := []domain.IndexEntry{testEntry("c1", "doc1", []float32{0.1, 0.2})}
	err := repo.UpsertDocument(context.Background(), "doc1", "h", 1, entries)
	if !errors.Is(err, domain.ErrVectorDimMismatch) {
		t.Errorf("expected ErrVectorDimMismatch, got %v", err)
	}
}

func TestUpsertDocument_StoreDown(t *testing.T) {
	repo, ms := newTestRepo(t, 2)
	ms.hsetMultiErr = errors.New("connection refused")

	entries := []domain.IndexEntry{testEntry("c1", "doc1", []float32{0.1, 0.2})}
	err := repo.UpsertDocument(context.Background(), "doc1", "h", 1, entries)
	if !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Errorf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestDeleteDocument_RemovesChunksAndManifest(t *testing.T) {
	repo, ms := newTestRepo(t, 2)
	ctx := context.Background()

	entries := []domain.IndexEntry{
		testEntry("c1", "doc1", []float32{0.1, 0.2}),
		testEntry("c2", "doc1", []float32{0.3, 0.4}),
	}
	if err := repo.UpsertDocument(ctx, "doc1", "h", 1, entries); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := repo.DeleteDocument(ctx, "doc1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok := ms.hashes[chunkKey("c1")]; ok {
		t.Error("chunk c1 still present")
	}
	if _, ok := ms.manifestEntry(t, "doc1"); ok {
		t.Error("manifest entry still present")
	}
}

func TestDeleteDocument_UnknownIsNoop(t *testing.T) {
	repo, _ := newTestRepo(t, 2)
	if err := repo.DeleteDocument(context.Background(), "nope"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSearch_OrdersAndBreaksTies(t *testing.T) {
	repo, ms := newTestRepo(t, 2)

	mkFields := func(docID string, sourceTS string) map[string]string {
		return map[string]string{
			fieldDocumentID: docID,
			fieldText:       "text",
			fieldSourceTS:   sourceTS,
		}
	}
	ms.searchResult = &db.SearchResult{
		Total: 4,
		Entries: []db.SearchEntry{
			{Key: chunkKey("b"), Score: 0.8, Fields: mkFields("d1", "100")},
			{Key: chunkKey("a"), Score: 0.8, Fields: mkFields("d2", "100")},
			{Key: chunkKey("c"), Score: 0.9, Fields: mkFields("d3", "50")},
			{Key: chunkKey("d"), Score: 0.8, Fields: mkFields("d4", "200")},
		},
	}

	evidence, err := repo.Search(context.Background(), SearchQuery{
		Vector: []float32{0.1, 0.2},
		K:      10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// score desc, then source_ts desc, then chunk id asc
	wantOrder := []string{"c", "d", "a", "b"}
	if len(evidence) != len(wantOrder) {
		t.Fatalf("got %d results, want %d", len(evidence), len(wantOrder))
	}
	for i, want := range wantOrder {
		if evidence[i].ChunkID != want {
			t.Errorf("evidence[%d].ChunkID = %q, want %q", i, evidence[i].ChunkID, want)
		}
	}
}

func TestSearch_QueryDimMismatch(t *testing.T) {
	repo, _ := newTestRepo(t, 4)

	_, err := repo.Search(context.Background(), SearchQuery{Vector: []float32{0.1}, K: 5})
	if !errors.Is(err, domain.ErrVectorDimMismatch) {
		t.Errorf("expected ErrVectorDimMismatch, got %v", err)
	}
}

func TestSearch_StoreDown(t *testing.T) {
	repo, ms := newTestRepo(t, 2)
	ms.searchErr = errors.New("connection refused")

	_, err := repo.Search(context.Background(), SearchQuery{Vector: []float32{0.1, 0.2}, K: 5})
	if !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Errorf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestStats(t *testing.T) {
	repo, ms := newTestRepo(t, 2)
	ctx := context.Background()

	if err := repo.UpsertDocument(ctx, "doc1", "h1", 1,
		[]domain.IndexEntry{testEntry("c1", "doc1", []float32{0.1, 0.2})}); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpsertDocument(ctx, "doc2", "h2", 1,
		[]domain.IndexEntry{testEntry("c2", "doc2", []float32{0.1, 0.2})}); err != nil {
		t.Fatal(err)
	}
	ms.searchCount = 2

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Documents != 2 || stats.Chunks != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestManifest_SkipsCorruptEntries(t *testing.T) {
	repo, ms := newTestRepo(t, 2)
	ms.hashes[manifestKey] = map[string]string{
		"good": `{"hash":"h","chunk_ids":["c1"],"source_ts":1}`,
		"bad":  `{not json`,
	}

	manifest, err := repo.Manifest(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(manifest) != 1 {
		t.Fatalf("manifest size = %d, want 1", len(manifest))
	}
	if manifest["good"].ContentHash != "h" {
		t.Errorf("entry = %+v", manifest["good"])
	}
}
