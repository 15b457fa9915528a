// Package answer composes grounded answers from retrieved evidence. The
// composer either returns text whose every citation points at supplied
// evidence, or abstains; it never fabricates.
package answer

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/domain"
	"github.com/edufind-cloud/studyrag/internal/metrics"
	"github.com/edufind-cloud/studyrag/internal/usecase/embedding"
)

// citationPattern matches [doc:<id>] tags emitted by the model.
var citationPattern = regexp.MustCompile(`\[doc:([a-zA-Z0-9_-]+)\]`)

// Service composes answers from evidence.
type Service struct {
	generator domain.Generator
	logger    *zap.Logger
}

// NewService creates the answer composer.
func NewService(generator domain.Generator, logger *zap.Logger) *Service {
	return &Service{generator: generator, logger: logger}
}

// Compose generates a grounded answer for the question. With no evidence
// it abstains without calling the generator at all. A generator failure
// after one retry becomes an abstention, not an invented answer.
func (s *Service) Compose(ctx context.Context, question string, evidence []domain.Evidence) (domain.Answer, error) {
	if len(evidence) == 0 {
		metrics.AnswersTotal.WithLabelValues("abstained").Inc()
		return domain.Answer{Abstained: true, Reason: domain.AbstainNoEvidence}, nil
	}

	text, err := s.generate(ctx, question, evidence)
	if err != nil {
		s.logger.Warn("Generation failed, abstaining", zap.Error(err))
		metrics.AnswersTotal.WithLabelValues("abstained").Inc()
		return domain.Answer{Abstained: true, Reason: domain.AbstainGenerationFailed}, nil
	}

	if strings.Contains(text, insufficientEvidenceMarker) {
		metrics.AnswersTotal.WithLabelValues("abstained").Inc()
		return domain.Answer{Abstained: true, Reason: domain.AbstainNoEvidence}, nil
	}

	text, citations := verifyCitations(text, evidence)
	metrics.AnswersTotal.WithLabelValues("answered").Inc()

	return domain.Answer{
		Text:       text,
		Citations:  citations,
		Confidence: confidence(citations, evidence),
	}, nil
}

// generate calls the provider, retrying once on a transient failure.
func (s *Service) generate(ctx context.Context, question string, evidence []domain.Evidence) (string, error) {
	user := buildUserPrompt(question, evidence)

	text, err := s.generator.Generate(ctx, systemPrompt, user)
	if err == nil {
		return text, nil
	}
	if !embedding.IsTransient(err) {
		return "", err
	}
	return s.generator.Generate(ctx, systemPrompt, user)
}

// verifyCitations strips citation tags that do not point at supplied
// evidence and returns the remaining cited document ids, deduplicated in
// order of first appearance.
func verifyCitations(text string, evidence []domain.Evidence) (string, []string) {
	known := make(map[string]bool, len(evidence))
	for _, ev := range evidence {
		known[ev.DocumentID] = true
	}

	seen := make(map[string]bool)
	var citations []string

	cleaned := citationPattern.ReplaceAllStringFunc(text, func(tag string) string {
		docID := citationPattern.FindStringSubmatch(tag)[1]
		if !known[docID] {
			return ""
		}
		if !seen[docID] {
			seen[docID] = true
			citations = append(citations, docID)
		}
		return tag
	})

	return strings.TrimSpace(cleaned), citations
}

// confidence is the mean similarity of the cited documents' evidence, or
// of all evidence when the model cited nothing.
func confidence(citations []string, evidence []domain.Evidence) float64 {
	cited := make(map[string]bool, len(citations))
	for _, id := range citations {
		cited[id] = true
	}

	var sum float64
	var n int
	for _, ev := range evidence {
		if len(cited) > 0 && !cited[ev.DocumentID] {
			continue
		}
		sum += ev.Score
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
