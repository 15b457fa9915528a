// Package retrieval turns a question into ranked, filtered evidence from
// the vector index.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/config"
	"github.com/edufind-cloud/studyrag/internal/domain"
	"github.com/edufind-cloud/studyrag/internal/domain/filter"
	"github.com/edufind-cloud/studyrag/internal/repository/index"
)

// countryField is the tag field used for country pre-filtering.
const countryField = "country"

// searcher is the consumer interface over the index repository.
type searcher interface {
	Search(ctx context.Context, q index.SearchQuery) ([]domain.Evidence, error)
}

// Query is a retrieval request. Country is an optional ISO code narrowing
// the search to one country's records.
type Query struct {
	Question string
	Country  string
}

// Service retrieves evidence for questions.
type Service struct {
	embedder domain.Embedder
	index    searcher
	cfg      config.RetrievalConfig
	logger   *zap.Logger
}

// NewService creates the retrieval service.
func NewService(embedder domain.Embedder, idx searcher, cfg config.RetrievalConfig, logger *zap.Logger) *Service {
	return &Service{embedder: embedder, index: idx, cfg: cfg, logger: logger}
}

// Retrieve embeds the question, runs a filtered KNN search, and returns
// evidence above the similarity threshold, reranked for recency and
// truncated to the configured evidence budget. An empty result means the
// caller must abstain rather than answer.
func (s *Service) Retrieve(ctx context.Context, q Query) ([]domain.Evidence, error) {
	res, err := s.embedder.Embed(ctx, q.Question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	filters, err := buildFilters(q)
	if err != nil {
		return nil, err
	}

	evidence, err := s.index.Search(ctx, index.SearchQuery{
		Vector:  res.Embedding,
		K:       s.cfg.TopK,
		Filters: filters,
	})
	if err != nil {
		return nil, err
	}

	evidence = dropBelowThreshold(evidence, s.cfg.MinScore)
	evidence = rerankByRecency(evidence, s.cfg.RecencyWeight)
	evidence = truncate(evidence, s.cfg.MaxEvidence, s.cfg.MaxEvidenceChars)

	s.logger.Debug("Evidence retrieved",
		zap.String("country", q.Country),
		zap.Int("count", len(evidence)),
	)
	return evidence, nil
}

func buildFilters(q Query) (filter.Expression, error) {
	if q.Country == "" {
		return filter.Expression{}, nil
	}
	cond, err := filter.NewMatch(countryField, strings.ToUpper(q.Country))
	if err != nil {
		return filter.Expression{}, fmt.Errorf("country filter: %w", err)
	}
	return filter.NewExpression([]filter.Condition{cond})
}

func dropBelowThreshold(evidence []domain.Evidence, minScore float64) []domain.Evidence {
	kept := evidence[:0]
	for _, ev := range evidence {
		if ev.Score >= minScore {
			kept = append(kept, ev)
		}
	}
	return kept
}

// rerankByRecency blends similarity with a recency boost normalized over
// the candidate set: blended = (1-w)*score + w*recency. With weight 0 the
// similarity order is untouched. Ties break on chunk id for determinism.
func rerankByRecency(evidence []domain.Evidence, weight float64) []domain.Evidence {
	if weight <= 0 || len(evidence) < 2 {
		return evidence
	}

	minTS, maxTS := evidence[0].SourceTS, evidence[0].SourceTS
	for _, ev := range evidence[1:] {
		if ev.SourceTS < minTS {
			minTS = ev.SourceTS
		}
		if ev.SourceTS > maxTS {
			maxTS = ev.SourceTS
		}
	}
	if minTS == maxTS {
		return evidence
	}

	span := float64(maxTS - minTS)
	blended := func(ev domain.Evidence) float64 {
		recency := float64(ev.SourceTS-minTS) / span
		return (1-weight)*ev.Score + weight*recency
	}

	sort.SliceStable(evidence, func(i, j int) bool {
		bi, bj := blended(evidence[i]), blended(evidence[j])
		if bi != bj {
			return bi > bj
		}
		return evidence[i].ChunkID < evidence[j].ChunkID
	})
	return evidence
}

// truncate bounds the evidence list by count and by total text size. The
// char budget guards the generation prompt; a chunk that would overflow it
// is dropped along with everything after it.
func truncate(evidence []domain.Evidence, maxCount, maxChars int) []domain.Evidence {
	if maxCount > 0 && len(evidence) > maxCount {
		evidence = evidence[:maxCount]
	}
	if maxChars <= 0 {
		return evidence
	}
	total := 0
	for i, ev := range evidence {
		total += len(ev.Text)
		if total > maxChars {
			return evidence[:i]
		}
	}
	return evidence
}
