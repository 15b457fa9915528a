// Package record holds the scraped-input data model and its normalization
// into the strongly-typed Document. No untyped data flows past this boundary.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/edufind-cloud/studyrag/internal/domain"
)

// Well-known field keys inside a SourceRecord.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldEligibility = "eligibility"
	FieldDeadline    = "deadline"
)

// SourceRecord is a raw scraped unit: a country code, a source URL, a scrape
// timestamp, and an opaque mapping of named text fields. Immutable once
// scraped; a rescrape supersedes, never mutates.
type SourceRecord struct {
	Country   string         `json:"country"`
	URL       string         `json:"url"`
	ScrapedAt string         `json:"scraped_at"`
	Fields    map[string]any `json:"fields"`
}

// Document is the normalized unit: strongly typed, immutable after creation.
// A new scrape of the same source produces a new Document version.
type Document struct {
	ID          string
	Country     string
	Title       string
	Text        string
	Deadline    time.Time // zero when the record carries no deadline
	Eligibility []string
	SourceURL   string
	SourceTS    time.Time
	ContentHash string
}

// Normalize converts a SourceRecord into a Document. Pure and deterministic:
// the same input always yields the same id, text, and content hash.
// Missing country or title wraps domain.ErrMalformedRecord.
func Normalize(rec SourceRecord) (Document, error) {
	country := strings.ToUpper(strings.TrimSpace(rec.Country))
	if country == "" {
		return Document{}, fmt.Errorf("missing country: %w", domain.ErrMalformedRecord)
	}

	title := strings.TrimSpace(stringField(rec.Fields, FieldTitle))
	if title == "" {
		return Document{}, fmt.Errorf("missing title: %w", domain.ErrMalformedRecord)
	}

	eligibility := stringListField(rec.Fields, FieldEligibility)
	deadline := parseDeadline(stringField(rec.Fields, FieldDeadline))

	doc := Document{
		ID:          DocumentID(rec.URL, country),
		Country:     country,
		Title:       title,
		Eligibility: eligibility,
		Deadline:    deadline,
		SourceURL:   rec.URL,
		SourceTS:    parseTimestamp(rec.ScrapedAt),
	}
	doc.Text = buildText(rec, title, eligibility, deadline)
	doc.ContentHash = contentHash(doc)
	return doc, nil
}

// DocumentID derives the stable document identifier from source URL + country.
func DocumentID(url, country string) string {
	h := sha256.Sum256([]byte(url + "\x00" + country))
	return hex.EncodeToString(h[:16])
}

// buildText concatenates the normalized fields in a fixed order: title,
// description, eligibility, deadline, then remaining fields sorted by key.
// Paragraphs are separated by blank lines so the chunker can split on them.
func buildText(rec SourceRecord, title string, eligibility []string, deadline time.Time) string {
	var sb strings.Builder
	sb.WriteString("Title: " + title)

	if desc := strings.TrimSpace(stringField(rec.Fields, FieldDescription)); desc != "" {
		sb.WriteString("\n\n" + desc)
	}

	if len(eligibility) > 0 {
		sb.WriteString("\n\nEligibility:")
		for _, e := range eligibility {
			sb.WriteString("\n- " + e)
		}
	}

	if !deadline.IsZero() {
		sb.WriteString("\n\nDeadline: " + deadline.Format("2006-01-02"))
	}

	for _, k := range sortedExtraKeys(rec.Fields) {
		if v := strings.TrimSpace(stringField(rec.Fields, k)); v != "" {
			sb.WriteString("\n\n" + labelFor(k) + ": " + v)
		}
	}

	return sb.String()
}

// contentHash fingerprints everything the index persists about a document;
// ingest diffs on it to detect changed records.
func contentHash(doc Document) string {
	h := sha256.New()
	h.Write([]byte(doc.Country))
	h.Write([]byte{0})
	h.Write([]byte(doc.Title))
	h.Write([]byte{0})
	h.Write([]byte(doc.Text))
	h.Write([]byte{0})
	if !doc.Deadline.IsZero() {
		h.Write([]byte(doc.Deadline.Format("2006-01-02")))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedExtraKeys(fields map[string]any) []string {
	known := map[string]bool{
		FieldTitle: true, FieldDescription: true,
		FieldEligibility: true, FieldDeadline: true,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !known[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func labelFor(key string) string {
	key = strings.ReplaceAll(key, "_", " ")
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + key[1:]
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func stringListField(fields map[string]any, key string) []string {
	switch v := fields[key].(type) {
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case []string:
		return v
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
		return nil
	default:
		return nil
	}
}

// parseTimestamp accepts RFC 3339 or a bare date; anything else yields zero.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseDeadline(s string) time.Time {
	return parseTimestamp(s)
}
