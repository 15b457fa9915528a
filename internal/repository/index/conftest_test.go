package index

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/db"
	"github.com/edufind-cloud/studyrag/internal/domain"
)

// mockStore is an in-memory stand-in for the db facade.
type mockStore struct {
	hashes map[string]map[string]string

	indexExists  bool
	createdIndex *db.IndexDefinition

	searchResult *db.SearchResult
	searchErr    error
	searchCount  int

	hsetErr      error
	hsetMultiErr error
	hgetAllErr   error
	delMultiErr  error
}

func newMockStore() *mockStore {
	return &mockStore{hashes: map[string]map[string]string{}}
}

func (m *mockStore) HSet(_ context.Context, key string, fields map[string]string) error {
	if m.hsetErr != nil {
		return m.hsetErr
	}
	if m.hashes[key] == nil {
		m.hashes[key] = map[string]string{}
	}
	for k, v := range fields {
		m.hashes[key][k] = v
	}
	return nil
}

func (m *mockStore) HSetMulti(ctx context.Context, items []db.HashSetItem) error {
	if m.hsetMultiErr != nil {
		return m.hsetMultiErr
	}
	for _, item := range items {
		if err := m.HSet(ctx, item.Key, item.Fields); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	if m.hgetAllErr != nil {
		return nil, m.hgetAllErr
	}
	out := map[string]string{}
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *mockStore) HDel(_ context.Context, key string, fields ...string) error {
	for _, f := range fields {
		delete(m.hashes[key], f)
	}
	return nil
}

func (m *mockStore) Del(_ context.Context, key string) error {
	delete(m.hashes, key)
	return nil
}

func (m *mockStore) DelMulti(_ context.Context, keys []string) error {
	if m.delMultiErr != nil {
		return m.delMultiErr
	}
	for _, key := range keys {
		delete(m.hashes, key)
	}
	return nil
}

func (m *mockStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.hashes[key]
	return ok, nil
}

func (m *mockStore) CreateIndex(_ context.Context, def *db.IndexDefinition) error {
	m.createdIndex = def
	m.indexExists = true
	return nil
}

func (m *mockStore) DropIndex(_ context.Context, _ string) error {
	m.indexExists = false
	return nil
}

func (m *mockStore) IndexExists(_ context.Context, _ string) (bool, error) {
	return m.indexExists, nil
}

func (m *mockStore) SearchKNN(_ context.Context, _ *db.KNNQuery) (*db.SearchResult, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if m.searchResult != nil {
		return m.searchResult, nil
	}
	return &db.SearchResult{}, nil
}

func (m *mockStore) SearchCount(_ context.Context, _, _ string) (int, error) {
	return m.searchCount, nil
}

func (m *mockStore) manifestEntry(t *testing.T, docID string) (ManifestEntry, bool) {
	t.Helper()
	raw, ok := m.hashes[manifestKey][docID]
	if !ok {
		return ManifestEntry{}, false
	}
	var entry ManifestEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		t.Fatalf("corrupt manifest entry for %s: %v", docID, err)
	}
	return entry, true
}

const testEmbedderID = "openai/text-embedding-3-small"

func newTestRepo(t *testing.T, dim int) (*Repository, *mockStore) {
	t.Helper()
	ms := newMockStore()
	return New(ms, dim, testEmbedderID, zap.NewNop()), ms
}

func testEntry(chunkID, docID string, vec []float32) domain.IndexEntry {
	return domain.IndexEntry{
		ChunkID:    chunkID,
		DocumentID: docID,
		Text:       "chunk text for " + chunkID,
		Vector:     vec,
		Country:    "CZ",
		Title:      "Test Scholarship",
		SourceURL:  "https://example.org/s",
		Deadline:   1750000000,
		SourceTS:   1740000000,
	}
}
