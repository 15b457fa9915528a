// Package http serves the question answering API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/domain"
	logpkg "github.com/edufind-cloud/studyrag/internal/logger"
	"github.com/edufind-cloud/studyrag/internal/metrics"
	"github.com/edufind-cloud/studyrag/internal/usecase/retrieval"
)

// maxQuestionLen bounds the accepted question size in bytes.
const maxQuestionLen = 2000

// retriever fetches evidence for a question.
type retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]domain.Evidence, error)
}

// composer turns evidence into a grounded answer.
type composer interface {
	Compose(ctx context.Context, question string, evidence []domain.Evidence) (domain.Answer, error)
}

// statser reports current index size.
type statser interface {
	Stats(ctx context.Context) (domain.IndexStats, error)
}

// pinger checks backing store liveness.
type pinger interface {
	Ping(ctx context.Context) error
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// Server is the HTTP API server.
type Server struct {
	retrieval     retriever
	answers       composer
	index         statser
	store         pinger
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates the API server.
func NewServer(r retriever, a composer, idx statser, store pinger, logger *zap.Logger) *Server {
	s := &Server{
		retrieval: r,
		answers:   a,
		index:     idx,
		store:     store,
		logger:    logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrIndexUnavailable, http.StatusServiceUnavailable, "index_unavailable"),
		sentinelHandler(domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"),
		sentinelHandler(domain.ErrEmbeddingQuotaExceeded, http.StatusPaymentRequired, "embedding_quota_exceeded"),
		sentinelHandler(domain.ErrEmbeddingProvider, http.StatusBadGateway, "embedding_provider_error"),
		sentinelHandler(domain.ErrGeneration, http.StatusBadGateway, "generation_error"),
	}
	return s
}

// Router assembles the route tree with logging and metrics middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ask", s.handleAsk)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// askRequest is the POST /api/v1/ask body.
type askRequest struct {
	Question string `json:"question"`
	Country  string `json:"country,omitempty"`
}

// askResponse is the answer payload.
type askResponse struct {
	Answer     string   `json:"answer"`
	Citations  []string `json:"citations"`
	Abstained  bool     `json:"abstained"`
	Reason     string   `json:"reason,omitempty"`
	Confidence float64  `json:"confidence"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "question is required")
		return
	}
	if len(req.Question) > maxQuestionLen {
		writeError(w, http.StatusBadRequest, "validation_failed", "question is too long")
		return
	}
	if req.Country != "" && !isCountryCode(req.Country) {
		writeError(w, http.StatusBadRequest, "validation_failed", "country must be a two-letter code")
		return
	}

	evidence, err := s.retrieval.Retrieve(r.Context(), retrieval.Query{
		Question: req.Question,
		Country:  req.Country,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	ans, err := s.answers.Compose(r.Context(), req.Question, evidence)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	citations := ans.Citations
	if citations == nil {
		citations = []string{}
	}
	writeJSON(w, http.StatusOK, askResponse{
		Answer:     ans.Text,
		Citations:  citations,
		Abstained:  ans.Abstained,
		Reason:     string(ans.Reason),
		Confidence: ans.Confidence,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.index.Stats(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"documents": stats.Documents,
		"chunks":    stats.Chunks,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request after it is served.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		ctx := logpkg.ContextWithLogger(r.Context(), s.logger)
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.logger.Info("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	for _, h := range s.errorHandlers {
		if h(w, err) {
			s.logger.Warn("Request failed", zap.Error(err))
			return
		}
	}
	s.logger.Error("Internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

// sentinelHandler maps one sentinel error to a status and code. The client
// sees the sentinel's message, never wrapped internals.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, sentinel.Error())
		return true
	}
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
