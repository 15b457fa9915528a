// Package chunk splits normalized document text into bounded, overlapping
// chunks, the unit of embedding and retrieval. Splitting is deterministic
// and restartable: the same text and config always produce the same chunks,
// which is what makes re-ingestion idempotent.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/edufind-cloud/studyrag/internal/domain"
)

// Config bounds chunk size and overlap, both in runes.
type Config struct {
	MaxSize int
	Overlap int
}

// Validate rejects configurations that cannot make progress.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("max_chunk_size must be positive, got %d: %w",
			c.MaxSize, domain.ErrInvalidChunkConfig)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("overlap_size must be non-negative, got %d: %w",
			c.Overlap, domain.ErrInvalidChunkConfig)
	}
	if c.MaxSize <= c.Overlap {
		return fmt.Errorf("max_chunk_size %d must exceed overlap_size %d: %w",
			c.MaxSize, c.Overlap, domain.ErrInvalidChunkConfig)
	}
	return nil
}

// Chunk is a bounded span of a document's text. Immutable; destroyed only
// when the owning document is retired.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Text       string
}

// ID derives the stable chunk identifier from the owning document id and
// the chunk's position.
func ID(docID string, index int) string {
	h := sha256.Sum256([]byte(docID + ":" + strconv.Itoa(index)))
	return hex.EncodeToString(h[:16])
}

// Split cuts text into chunks covering it in order with no gaps. Splits
// prefer paragraph boundaries, then sentence boundaries; a single unit
// longer than MaxSize is hard-cut. Adjacent chunks overlap by whole units
// up to Overlap runes.
func Split(docID, text string, cfg Config) ([]Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	units := splitUnits(text, cfg.MaxSize)
	if len(units) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	var cur []string
	curLen := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			DocumentID: docID,
			Index:      len(chunks),
			Text:       strings.Join(cur, "\n"),
		})
		cur, curLen = overlapTail(cur, cfg.Overlap)
	}

	for _, u := range units {
		ulen := utf8.RuneCountInString(u)
		if curLen > 0 && curLen+1+ulen > cfg.MaxSize {
			flush()
			// The carried overlap tail may itself leave no room for this
			// unit; drop the tail rather than exceed MaxSize.
			if curLen > 0 && curLen+1+ulen > cfg.MaxSize {
				cur, curLen = nil, 0
			}
		}
		cur = append(cur, u)
		if curLen == 0 {
			curLen = ulen
		} else {
			curLen += 1 + ulen
		}
	}
	flush()

	for i := range chunks {
		chunks[i].ID = ID(docID, chunks[i].Index)
	}
	return chunks, nil
}

// overlapTail returns the trailing units of a flushed chunk to carry into
// the next one, bounded by maxOverlap runes.
func overlapTail(units []string, maxOverlap int) ([]string, int) {
	var tail []string
	total := 0
	for i := len(units) - 1; i >= 0; i-- {
		ulen := utf8.RuneCountInString(units[i])
		add := ulen
		if total > 0 {
			add++
		}
		if total+add > maxOverlap {
			break
		}
		tail = append([]string{units[i]}, tail...)
		total += add
	}
	return tail, total
}

// splitUnits breaks text into paragraphs, oversized paragraphs into
// sentences, and oversized sentences into hard rune cuts, so that every
// unit fits within maxSize.
func splitUnits(text string, maxSize int) []string {
	var units []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) <= maxSize {
			units = append(units, para)
			continue
		}
		for _, sent := range sentences(para) {
			if utf8.RuneCountInString(sent) <= maxSize {
				units = append(units, sent)
				continue
			}
			units = append(units, hardCut(sent, maxSize)...)
		}
	}
	return units
}

// sentences splits a paragraph after terminal punctuation followed by
// whitespace. Text without terminals comes back as a single unit.
func sentences(s string) []string {
	var out []string
	start := 0
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// Consume a run of terminals, then require whitespace or end.
		j := i
		for j+1 < len(runes) && (runes[j+1] == '.' || runes[j+1] == '!' || runes[j+1] == '?') {
			j++
		}
		if j+1 == len(runes) || runes[j+1] == ' ' || runes[j+1] == '\n' || runes[j+1] == '\t' {
			sent := strings.TrimSpace(string(runes[start : j+1]))
			if sent != "" {
				out = append(out, sent)
			}
			start = j + 1
			i = j
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

// hardCut slices a single oversized unit into maxSize-rune pieces.
func hardCut(s string, maxSize int) []string {
	runes := []rune(s)
	pieces := make([]string, 0, (len(runes)+maxSize-1)/maxSize)
	for start := 0; start < len(runes); start += maxSize {
		end := min(start+maxSize, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
