package domain

// IndexEntry is the persisted unit of the vector index: one chunk, its
// embedding, and the metadata needed for filtering and provenance.
// Rebuilding the full entry set from documents is always reproducible.
type IndexEntry struct {
	ChunkID    string
	DocumentID string
	Text       string
	Vector     []float32
	Country    string
	Title      string
	SourceURL  string
	Deadline   int64 // unix seconds, 0 when the record carries no deadline
	SourceTS   int64 // unix seconds of the scrape
}

// Evidence is a retrieval-time value object: chunk text, similarity score,
// and source document metadata. Never persisted, constructed per query.
type Evidence struct {
	ChunkID    string
	DocumentID string
	Text       string
	Score      float64
	Country    string
	Title      string
	SourceURL  string
	Deadline   int64
	SourceTS   int64
}

// IndexStats reports the current index size.
type IndexStats struct {
	Documents int
	Chunks    int
}
