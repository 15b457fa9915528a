package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/domain"
)

func newTestGenerator(url string) *Generator {
	return NewGenerator(&GeneratorConfig{
		APIKey:      "test-key",
		BaseURL:     url,
		Model:       "test-chat-model",
		Temperature: 0.2,
		MaxTokens:   256,
		Provider:    "test",
		Logger:      zap.NewNop(),
	})
}

func TestGenerator_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "The deadline is March 31 [doc:abc123]."}}]
		}`))
	}))
	defer server.Close()

	g := newTestGenerator(server.URL)

	text, err := g.Generate(context.Background(), "system prompt", "user question")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "The deadline is March 31 [doc:abc123]." {
		t.Errorf("unexpected completion: %q", text)
	}
}

func TestGenerator_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object": "chat.completion", "choices": []}`))
	}))
	defer server.Close()

	g := newTestGenerator(server.URL)

	_, err := g.Generate(context.Background(), "system", "user")
	if !errors.Is(err, domain.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
}

func TestGenerator_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "boom"}}`))
	}))
	defer server.Close()

	g := newTestGenerator(server.URL)

	_, err := g.Generate(context.Background(), "system", "user")
	if !errors.Is(err, domain.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
}

func TestGenerator_TimeoutIsGenerationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	g := NewGenerator(&GeneratorConfig{
		APIKey:   "test-key",
		BaseURL:  server.URL,
		Model:    "test-chat-model",
		Provider: "test",
		Timeout:  10 * time.Millisecond,
		Logger:   zap.NewNop(),
	})

	_, err := g.Generate(context.Background(), "system", "user")
	if err == nil {
		t.Fatal("expected error from timed-out request")
	}
	if !errors.Is(err, domain.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
}

func TestGenerator_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down"}}`))
	}))
	defer server.Close()

	g := newTestGenerator(server.URL)

	_, err := g.Generate(context.Background(), "system", "user")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}
