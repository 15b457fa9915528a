package index

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/edufind-cloud/studyrag/internal/domain"
)

// Hash field names of a persisted chunk. The FT schema indexes document_id,
// country, deadline, source_ts and vector; the rest are payload.
const (
	fieldDocumentID = "document_id"
	fieldText       = "text"
	fieldCountry    = "country"
	fieldTitle      = "title"
	fieldSourceURL  = "source_url"
	fieldDeadline   = "deadline"
	fieldSourceTS   = "source_ts"
	fieldVector     = "vector"
)

var chunkKeyPrefix = domain.KeyPrefix + "chunk:"

func chunkKey(chunkID string) string {
	return chunkKeyPrefix + chunkID
}

func entryToFields(e *domain.IndexEntry) map[string]string {
	return map[string]string{
		fieldDocumentID: e.DocumentID,
		fieldText:       e.Text,
		fieldCountry:    e.Country,
		fieldTitle:      e.Title,
		fieldSourceURL:  e.SourceURL,
		fieldDeadline:   strconv.FormatInt(e.Deadline, 10),
		fieldSourceTS:   strconv.FormatInt(e.SourceTS, 10),
		fieldVector:     vectorToBytes(e.Vector),
	}
}

func fieldsToEvidence(key string, score float64, fields map[string]string) domain.Evidence {
	deadline, _ := strconv.ParseInt(fields[fieldDeadline], 10, 64)
	sourceTS, _ := strconv.ParseInt(fields[fieldSourceTS], 10, 64)

	return domain.Evidence{
		ChunkID:    chunkIDFromKey(key),
		DocumentID: fields[fieldDocumentID],
		Text:       fields[fieldText],
		Score:      score,
		Country:    fields[fieldCountry],
		Title:      fields[fieldTitle],
		SourceURL:  fields[fieldSourceURL],
		Deadline:   deadline,
		SourceTS:   sourceTS,
	}
}

func chunkIDFromKey(key string) string {
	if len(key) > len(chunkKeyPrefix) && key[:len(chunkKeyPrefix)] == chunkKeyPrefix {
		return key[len(chunkKeyPrefix):]
	}
	return key
}

// vectorToBytes serializes a float32 vector to the little-endian binary
// format FT.SEARCH expects for FLOAT32 vector fields.
func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return string(buf)
}
