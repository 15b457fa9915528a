package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/config"
	"github.com/edufind-cloud/studyrag/internal/db"
	dbRedis "github.com/edufind-cloud/studyrag/internal/db/redis"
	"github.com/edufind-cloud/studyrag/internal/domain"
	logpkg "github.com/edufind-cloud/studyrag/internal/logger"
	"github.com/edufind-cloud/studyrag/internal/metrics"
	budgetrepo "github.com/edufind-cloud/studyrag/internal/repository/budget"
	"github.com/edufind-cloud/studyrag/internal/repository/embcache"
	indexrepo "github.com/edufind-cloud/studyrag/internal/repository/index"
	"github.com/edufind-cloud/studyrag/internal/repository/source"
	httpTransport "github.com/edufind-cloud/studyrag/internal/transport/http"
	openaiTransport "github.com/edufind-cloud/studyrag/internal/transport/openai"
	answeruc "github.com/edufind-cloud/studyrag/internal/usecase/answer"
	embeddinguc "github.com/edufind-cloud/studyrag/internal/usecase/embedding"
	ingestuc "github.com/edufind-cloud/studyrag/internal/usecase/ingest"
	retrievaluc "github.com/edufind-cloud/studyrag/internal/usecase/retrieval"
	"github.com/edufind-cloud/studyrag/internal/version"
)

func main() {
	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	if mode != "serve" && mode != "ingest" {
		fmt.Fprintf(os.Stderr, "usage: %s [serve|ingest]\n", os.Args[0])
		os.Exit(2)
	}

	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting studyrag",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.String("mode", mode),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	metrics.RegisterPipelineMetrics()

	embedder := buildEmbedder(ctx, cfg, store, logger)
	logger.Info("Embedder created",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	embedderID := cfg.Embedding.Provider + "/" + cfg.Embedding.Model
	index := indexrepo.New(store, cfg.Embedding.Dimensions, embedderID, logger)
	if err := index.EnsureIndex(ctx); err != nil {
		logger.Fatal("Failed to ensure vector index", zap.Error(err))
	}

	switch mode {
	case "ingest":
		runIngest(ctx, cfg, index, embedder, logger)
	case "serve":
		runServe(cfg, index, embedder, store, logger)
	}
}

func runIngest(
	ctx context.Context, cfg config.Config,
	index *indexrepo.Repository, embedder domain.Embedder, logger *zap.Logger,
) {
	reader := source.NewReader(cfg.Ingest.DataDir, logger)
	pipeline := ingestuc.NewService(reader, index, embedder, cfg.ChunkConfig(), cfg.Ingest.Workers, logger)

	report, err := pipeline.Run(ctx)
	if err != nil {
		logger.Fatal("Ingest run failed", zap.Error(err))
	}

	fmt.Printf("indexed=%d unchanged=%d deleted=%d failed=%d duration=%s\n",
		report.Indexed, report.Unchanged, report.Deleted, report.Failed, report.Duration.Round(time.Millisecond))
	for _, f := range report.Failures {
		fmt.Printf("  failed %s at %s: %v\n", f.DocumentID, f.Stage, f.Err)
	}

	if stats, err := index.Stats(ctx); err == nil {
		fmt.Printf("index now holds %d documents, %d chunks\n", stats.Documents, stats.Chunks)
	}

	if report.Failed > 0 {
		os.Exit(1)
	}
}

func runServe(
	cfg config.Config, index *indexrepo.Repository,
	embedder domain.Embedder, store db.Store, logger *zap.Logger,
) {
	generator := openaiTransport.NewGenerator(&openaiTransport.GeneratorConfig{
		APIKey:      cfg.Generation.APIKey,
		BaseURL:     cfg.Generation.BaseURL,
		Model:       cfg.Generation.Model,
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
		Provider:    cfg.Generation.Provider,
		Timeout:     time.Duration(cfg.Generation.TimeoutSec) * time.Second,
		Logger:      logger,
	})

	retrievalSvc := retrievaluc.NewService(embedder, index, cfg.Retrieval, logger)
	answerSvc := answeruc.NewService(generator, logger)

	server := httpTransport.NewServer(retrievalSvc, answerSvc, index, store, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	logger.Info("Server stopped gracefully")
}

// buildEmbedder assembles the decorator chain:
// OpenAI -> Retrying -> Cached -> Instrumented (budget + metrics).
func buildEmbedder(
	ctx context.Context, cfg config.Config, store db.Store, logger *zap.Logger,
) domain.Embedder {
	emb := cfg.Embedding

	provider := openaiTransport.NewEmbedder(&openaiTransport.Config{
		APIKey:     emb.APIKey,
		BaseURL:    emb.BaseURL,
		Model:      emb.Model,
		Dimensions: emb.Dimensions,
		Provider:   emb.Provider,
		Timeout:    time.Duration(emb.TimeoutSec) * time.Second,
		Logger:     logger,
	})

	// Best-effort startup probe; a down provider is a warning, not fatal.
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(emb.TimeoutSec)*time.Second)
	if err := provider.HealthCheck(probeCtx); err != nil {
		logger.Warn("Embedding provider health check failed", zap.Error(err))
	}
	cancel()

	var base domain.Embedder = provider
	base = embeddinguc.NewRetryingEmbedder(base, embeddinguc.RetryPolicy{
		MaxAttempts: emb.Retry.MaxAttempts,
		BaseDelay:   time.Duration(emb.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(emb.Retry.MaxDelayMs) * time.Millisecond,
	}, logger)

	base = embcache.New(base, store, emb.Provider, emb.Model, metrics.EmbeddingCacheTotal, logger)

	// Pass nil interface (not typed nil pointer) when no budget is configured.
	var budgetChecker embeddinguc.BudgetChecker
	if emb.Budget.DailyTokenLimit > 0 || emb.Budget.MonthlyTokenLimit > 0 {
		action := embeddinguc.BudgetActionWarn
		if emb.Budget.Action == "reject" {
			action = embeddinguc.BudgetActionReject
		}
		budget := embeddinguc.NewBudgetTracker(
			emb.Provider, emb.Budget.DailyTokenLimit, emb.Budget.MonthlyTokenLimit, action, logger,
		)
		budget.WithStore(ctx, budgetrepo.New(store, 48*time.Hour, 62*24*time.Hour))
		budgetChecker = budget
	}

	return embeddinguc.NewInstrumentedEmbedder(
		base, emb.Provider, emb.Model, emb.MaxBatchSize, budgetChecker, logger,
	)
}
