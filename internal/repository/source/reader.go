// Package source discovers scraped records on disk. Each *.json file under
// the data directory holds an array of records, typically one file per
// country scrape.
package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/domain/record"
)

// Reader loads source records from a directory of JSON files.
type Reader struct {
	dir    string
	logger *zap.Logger
}

// NewReader creates a file-based source reader.
func NewReader(dir string, logger *zap.Logger) *Reader {
	return &Reader{dir: dir, logger: logger}
}

// ReadAll returns every record from every *.json file in the data directory,
// in deterministic (file name, then in-file) order. A file that fails to read
// or parse fails the whole scan: a partial view of the sources would make
// the documents of the missing file look deleted downstream.
func (r *Reader) ReadAll() ([]record.SourceRecord, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir %s: %w", r.dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	var records []record.SourceRecord
	for _, name := range files {
		path := filepath.Join(r.dir, name)
		fileRecords, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("source file %s: %w", path, err)
		}
		records = append(records, fileRecords...)
	}

	r.logger.Info("Source records discovered",
		zap.String("dir", r.dir),
		zap.Int("files", len(files)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func readFile(path string) ([]record.SourceRecord, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var records []record.SourceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	return records, nil
}
