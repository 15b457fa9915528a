package answer

import (
	"context"
	"math"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/domain"
	"github.com/edufind-cloud/studyrag/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.RegisterPipelineMetrics()
	m.Run()
}

type mockGenerator struct {
	response string
	errs     []error
	calls    int
	lastUser string
}

func (m *mockGenerator) Generate(_ context.Context, _, user string) (string, error) {
	m.calls++
	m.lastUser = user
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return m.response, nil
}

func testEvidence() []domain.Evidence {
	return []domain.Evidence{
		{
			ChunkID:    "c1",
			DocumentID: "doc1",
			Text:       "The Czech Government Scholarship covers tuition and a monthly stipend.",
			Score:      0.9,
			Country:    "CZ",
			Title:      "Czech Government Scholarship",
			Deadline:   1758844800,
		},
		{
			ChunkID:    "c2",
			DocumentID: "doc2",
			Text:       "Applications close on 30 September.",
			Score:      0.7,
			Country:    "CZ",
			Title:      "Visegrad Fund",
		},
	}
}

func newTestService(gen *mockGenerator) *Service {
	return NewService(gen, zap.NewNop())
}

func TestCompose_GroundedAnswer(t *testing.T) {
	gen := &mockGenerator{response: "The scholarship covers tuition [doc:doc1] and closes 30 September [doc:doc2]."}

	ans, err := newTestService(gen).Compose(context.Background(), "What does it cover?", testEvidence())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Abstained {
		t.Fatalf("unexpected abstention: %+v", ans)
	}
	if len(ans.Citations) != 2 || ans.Citations[0] != "doc1" || ans.Citations[1] != "doc2" {
		t.Errorf("citations = %v", ans.Citations)
	}
	if !strings.Contains(ans.Text, "[doc:doc1]") {
		t.Errorf("valid citation stripped: %q", ans.Text)
	}
}

func TestCompose_NoEvidenceAbstainsWithoutGenerating(t *testing.T) {
	gen := &mockGenerator{response: "should not be used"}

	ans, err := newTestService(gen).Compose(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ans.Abstained || ans.Reason != domain.AbstainNoEvidence {
		t.Errorf("answer = %+v", ans)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times, want 0", gen.calls)
	}
}

func TestCompose_ModelAbstains(t *testing.T) {
	gen := &mockGenerator{response: "INSUFFICIENT_EVIDENCE"}

	ans, err := newTestService(gen).Compose(context.Background(), "q", testEvidence())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ans.Abstained || ans.Reason != domain.AbstainNoEvidence {
		t.Errorf("answer = %+v", ans)
	}
}

func TestCompose_GenerationFailureAbstains(t *testing.T) {
	gen := &mockGenerator{errs: []error{domain.ErrGeneration, domain.ErrGeneration}}

	ans, err := newTestService(gen).Compose(context.Background(), "q", testEvidence())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ans.Abstained || ans.Reason != domain.AbstainGenerationFailed {
		t.Errorf("answer = %+v", ans)
	}
	if gen.calls != 2 {
		t.Errorf("generator called %d times, want 2 (one retry)", gen.calls)
	}
}

func TestCompose_TransientFailureRetriedOnce(t *testing.T) {
	gen := &mockGenerator{
		errs:     []error{domain.ErrRateLimited, nil},
		response: "Covered [doc:doc1].",
	}

	ans, err := newTestService(gen).Compose(context.Background(), "q", testEvidence())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Abstained {
		t.Fatalf("unexpected abstention: %+v", ans)
	}
	if gen.calls != 2 {
		t.Errorf("generator called %d times, want 2", gen.calls)
	}
}

func TestCompose_PermanentFailureNotRetried(t *testing.T) {
	gen := &mockGenerator{errs: []error{context.Canceled}}

	ans, err := newTestService(gen).Compose(context.Background(), "q", testEvidence())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ans.Abstained {
		t.Fatalf("expected abstention: %+v", ans)
	}
	if gen.calls != 1 {
		t.Errorf("generator called %d times, want 1", gen.calls)
	}
}

func TestCompose_UnknownCitationStripped(t *testing.T) {
	gen := &mockGenerator{response: "Real fact [doc:doc1]. Invented fact [doc:ghost]."}

	ans, err := newTestService(gen).Compose(context.Background(), "q", testEvidence())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ans.Citations) != 1 || ans.Citations[0] != "doc1" {
		t.Errorf("citations = %v", ans.Citations)
	}
	if strings.Contains(ans.Text, "ghost") {
		t.Errorf("hallucinated citation survived: %q", ans.Text)
	}
	if !strings.Contains(ans.Text, "[doc:doc1]") {
		t.Errorf("valid citation stripped: %q", ans.Text)
	}
}

func TestCompose_DuplicateCitationsDeduplicated(t *testing.T) {
	gen := &mockGenerator{response: "Fact [doc:doc2]. More [doc:doc1]. Again [doc:doc2]."}

	ans, err := newTestService(gen).Compose(context.Background(), "q", testEvidence())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"doc2", "doc1"}
	if len(ans.Citations) != len(want) {
		t.Fatalf("citations = %v", ans.Citations)
	}
	for i, id := range want {
		if ans.Citations[i] != id {
			t.Errorf("citations[%d] = %q, want %q", i, ans.Citations[i], id)
		}
	}
}

func TestCompose_ConfidenceIsMeanOfCited(t *testing.T) {
	gen := &mockGenerator{response: "Covered [doc:doc1]."}

	ans, err := newTestService(gen).Compose(context.Background(), "q", testEvidence())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Only doc1 (score 0.9) is cited.
	if math.Abs(ans.Confidence-0.9) > 1e-9 {
		t.Errorf("confidence = %f, want 0.9", ans.Confidence)
	}
}

func TestCompose_ConfidenceFallsBackToAllEvidence(t *testing.T) {
	gen := &mockGenerator{response: "An answer without any citation tags."}

	ans, err := newTestService(gen).Compose(context.Background(), "q", testEvidence())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(ans.Confidence-0.8) > 1e-9 {
		t.Errorf("confidence = %f, want 0.8", ans.Confidence)
	}
}

func TestCompose_PromptContainsEvidenceTags(t *testing.T) {
	gen := &mockGenerator{response: "ok [doc:doc1]"}

	if _, err := newTestService(gen).Compose(context.Background(), "What is covered?", testEvidence()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"[doc:doc1]", "[doc:doc2]", "What is covered?", "deadline 2025-09-26"} {
		if !strings.Contains(gen.lastUser, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
}
