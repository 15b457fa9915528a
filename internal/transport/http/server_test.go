package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/domain"
	"github.com/edufind-cloud/studyrag/internal/metrics"
	"github.com/edufind-cloud/studyrag/internal/usecase/retrieval"
)

func TestMain(m *testing.M) {
	metrics.RegisterPipelineMetrics()
	m.Run()
}

type mockRetriever struct {
	evidence []domain.Evidence
	err      error
	lastQ    retrieval.Query
}

func (m *mockRetriever) Retrieve(_ context.Context, q retrieval.Query) ([]domain.Evidence, error) {
	m.lastQ = q
	return m.evidence, m.err
}

type mockComposer struct {
	answer domain.Answer
	err    error
}

func (m *mockComposer) Compose(context.Context, string, []domain.Evidence) (domain.Answer, error) {
	return m.answer, m.err
}

type mockStatser struct {
	stats domain.IndexStats
	err   error
}

func (m *mockStatser) Stats(context.Context) (domain.IndexStats, error) {
	return m.stats, m.err
}

type mockPinger struct{ err error }

func (m *mockPinger) Ping(context.Context) error { return m.err }

type serverMocks struct {
	retriever *mockRetriever
	composer  *mockComposer
	statser   *mockStatser
	pinger    *mockPinger
}

func newTestServer() (*Server, *serverMocks) {
	mocks := &serverMocks{
		retriever: &mockRetriever{},
		composer:  &mockComposer{},
		statser:   &mockStatser{},
		pinger:    &mockPinger{},
	}
	srv := NewServer(mocks.retriever, mocks.composer, mocks.statser, mocks.pinger, zap.NewNop())
	return srv, mocks
}

func doAsk(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestAsk_Success(t *testing.T) {
	srv, mocks := newTestServer()
	mocks.retriever.evidence = []domain.Evidence{{DocumentID: "doc1", Score: 0.9}}
	mocks.composer.answer = domain.Answer{
		Text:       "The scholarship covers tuition [doc:doc1].",
		Citations:  []string{"doc1"},
		Confidence: 0.9,
	}

	rec := doAsk(t, srv, `{"question":"What does it cover?","country":"cz"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp askResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Abstained || len(resp.Citations) != 1 || resp.Citations[0] != "doc1" {
		t.Errorf("response = %+v", resp)
	}
	if mocks.retriever.lastQ.Country != "cz" {
		t.Errorf("country = %q", mocks.retriever.lastQ.Country)
	}
}

func TestAsk_Abstained(t *testing.T) {
	srv, mocks := newTestServer()
	mocks.composer.answer = domain.Answer{Abstained: true, Reason: domain.AbstainNoEvidence}

	rec := doAsk(t, srv, `{"question":"anything"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp askResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Abstained || resp.Reason != "no_evidence" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Citations == nil {
		t.Error("citations must serialize as [], not null")
	}
}

func TestAsk_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"missing question", `{"country":"cz"}`},
		{"bad json", `{nope`},
		{"long question", `{"question":"` + strings.Repeat("x", maxQuestionLen+1) + `"}`},
		{"bad country", `{"question":"q","country":"CZE"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer()
			rec := doAsk(t, srv, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAsk_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrIndexUnavailable, http.StatusServiceUnavailable},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrEmbeddingQuotaExceeded, http.StatusPaymentRequired},
		{domain.ErrEmbeddingProvider, http.StatusBadGateway},
		{domain.ErrGeneration, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv, mocks := newTestServer()
			mocks.retriever.err = tt.err

			rec := doAsk(t, srv, `{"question":"q"}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}

			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Message != tt.err.Error() {
				t.Errorf("message = %q leaks internals", resp.Message)
			}
		})
	}
}

func TestStats(t *testing.T) {
	srv, mocks := newTestServer()
	mocks.statser.stats = domain.IndexStats{Documents: 12, Chunks: 80}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["documents"] != 12 || resp["chunks"] != 80 {
		t.Errorf("response = %v", resp)
	}
}

func TestHealthz(t *testing.T) {
	srv, mocks := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d", rec.Code)
	}

	mocks.pinger.err = domain.ErrIndexUnavailable
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected prometheus exposition output")
	}
}
