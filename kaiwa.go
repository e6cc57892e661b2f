// Package kaiwa is the public API for embedding the Kaiwa conversational
// sales agent server.
//
// Integrators import this package to construct and extend the server without
// forking it:
//
//	app, err := kaiwa.New(
//	    kaiwa.WithVersion(version),
//	    kaiwa.WithLogger(logger),
//	    kaiwa.WithSender(myWhatsAppSender),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kaiwa (root) imports
// internal/*, but internal/* never imports kaiwa (root). Adapter types live
// here because this is the only file that sees both sides of the boundary.
package kaiwa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/kaiwa-ai/kaiwa/internal/config"
	"github.com/kaiwa-ai/kaiwa/internal/engine"
	"github.com/kaiwa-ai/kaiwa/internal/followup"
	"github.com/kaiwa-ai/kaiwa/internal/mcp"
	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/search"
	"github.com/kaiwa-ai/kaiwa/internal/server"
	"github.com/kaiwa-ai/kaiwa/internal/service/embedding"
	"github.com/kaiwa-ai/kaiwa/internal/service/generation"
	"github.com/kaiwa-ai/kaiwa/internal/storage"
	"github.com/kaiwa-ai/kaiwa/internal/telemetry"
	"github.com/kaiwa-ai/kaiwa/migrations"
)

// App is the Kaiwa server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	dispatcher   *server.Dispatcher
	worker       *followup.Worker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	retriever    *search.Retriever
	embedder     embedding.Provider
	otelShutdown telemetry.Shutdown
	capture      *server.CaptureSender // nil with an external sender
	logger       *slog.Logger
	version      string
}

// New initialises the Kaiwa server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kaiwa starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder, err = newEmbeddingProvider(cfg, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("embedding: %w", err)
		}
	}

	// Generation provider.
	var generator generation.Provider
	if o.generator != nil {
		generator = &generatorAdapter{g: o.generator}
	} else {
		generator, err = newGenerationProvider(cfg, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("generation: %w", err)
		}
	}

	// Vector search: external override, else Qdrant when configured, else
	// pgvector in Postgres.
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	switch {
	case o.searcher != nil:
		searcher = &searcherAdapter{s: o.searcher}
		logger.Info("search: external searcher")
	case cfg.QdrantURL != "":
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	default:
		searcher = search.NewPgSearcher(db)
		logger.Info("qdrant: disabled (no QDRANT_URL), using pgvector search")
	}

	retriever := search.NewRetriever(embedder, searcher, db, logger)

	// Tenant resolution. Single-tenant unless an override is provided.
	var tenants server.TenantResolver
	defaultTenant := uuid.Nil
	if cfg.DefaultTenantID != "" {
		defaultTenant, err = uuid.Parse(cfg.DefaultTenantID)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("config: KAIWA_DEFAULT_TENANT_ID: %w", err)
		}
	}
	tenants = server.StaticTenantResolver{TenantID: defaultTenant}
	if o.tenants != nil {
		tenants = o.tenants
	}

	// Reactive priority table.
	priorities, err := engine.ParsePriorityTable(cfg.InterruptionPriorities)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("config: KAIWA_INTERRUPTION_PRIORITIES: %w", err)
	}

	// Follow-up delay policy.
	loc, err := time.LoadLocation(cfg.BusinessHoursTimezone)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("config: KAIWA_BUSINESS_HOURS_TZ: %w", err)
	}
	policy := followup.DelayPolicy{
		Base:         cfg.FollowUpBaseDelay,
		Factor:       cfg.FollowUpFactor,
		JitterPct:    cfg.FollowUpJitterPct,
		Max:          cfg.FollowUpMaxDelay,
		HoursEnabled: cfg.BusinessHoursEnabled,
		HourStart:    cfg.BusinessHourStart,
		HourEnd:      cfg.BusinessHourEnd,
		Location:     loc,
		ClampMin:     cfg.BusinessClampMinDelay,
	}
	scheduler := followup.NewScheduler(db, policy, logger)

	// Dialogue engine.
	orchestrator := engine.NewOrchestrator(
		db, db,
		engine.NewClassifier(generator, logger),
		engine.NewDecider(generator, logger),
		engine.NewExecutor(generator, logger),
		retriever,
		scheduler,
		engine.Options{
			Priorities:          priorities,
			RetrievalLimit:      cfg.RetrievalLimit,
			RetrievalFloor:      float32(cfg.RetrievalFloor),
			MaxPutRetries:       cfg.TurnMaxRetries,
			FollowUpMaxAttempts: cfg.FollowUpMaxAttempts,
		},
		logger,
	)

	// Outbound sender: external when provided, capture otherwise.
	var sender server.Sender
	var capture *server.CaptureSender
	if o.sender != nil {
		sender = &senderAdapter{s: o.sender}
		logger.Info("sender: external")
	} else {
		capture = server.NewCaptureSender()
		sender = capture
		logger.Info("sender: capture (outbound poll endpoint enabled)")
	}

	// Every turn path goes through the same processor so a registered hook
	// sees webhook-driven and follow-up-driven turns alike.
	var processor server.TurnProcessor = orchestrator
	if o.turnHook != nil {
		processor = &hookedProcessor{inner: orchestrator, hook: o.turnHook}
	}

	dispatcher := server.NewDispatcher(context.Background(), processor, sender, cfg.WebhookWorkers, logger)

	worker := followup.NewWorker(db, db, processor, sender, logger, cfg.FollowUpPollInterval, cfg.FollowUpBatchSize)

	mcpSrv := mcp.New(db, retriever, defaultTenant)

	srv := server.New(server.ServerConfig{
		Dispatcher:          dispatcher,
		Tenants:             tenants,
		DB:                  db,
		Logger:              logger,
		Capture:             capture,
		MCPServer:           mcpSrv.MCPServer(),
		WhatsAppAppSecret:   cfg.WhatsAppAppSecret,
		WhatsAppVerifyToken: cfg.WhatsAppVerifyToken,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		dispatcher:   dispatcher,
		worker:       worker,
		qdrantIndex:  qdrantIndex,
		retriever:    retriever,
		embedder:     embedder,
		otelShutdown: otelShutdown,
		capture:      capture,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the follow-up worker and the HTTP server, then blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight turns, drain due follow-up jobs, then close the index,
// database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaiwa shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a.worker.Drain(drainCtx)
	cancel()

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("kaiwa stopped")
	return nil
}

// IngestKnowledge chunks nothing: callers supply pre-chunked content. Chunks
// are embedded, stored in Postgres, and indexed in Qdrant when configured.
// Re-ingesting the same (tenant, source, index) replaces the content.
func (a *App) IngestKnowledge(ctx context.Context, tenantID, sourceID uuid.UUID, contents []string) error {
	if len(contents) == 0 {
		return nil
	}
	chunks := make([]model.KnowledgeChunk, len(contents))
	embeddings := make([]pgvector.Vector, len(contents))
	points := make([]search.Point, len(contents))
	for i, content := range contents {
		vec, err := a.embedder.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("kaiwa: embed chunk %d: %w", i, err)
		}
		id := uuid.New()
		chunks[i] = model.KnowledgeChunk{
			ID:         id,
			TenantID:   tenantID,
			SourceID:   sourceID,
			ChunkIndex: i,
			Content:    content,
		}
		embeddings[i] = vec
		points[i] = search.Point{
			ID:         id,
			TenantID:   tenantID,
			SourceID:   sourceID,
			ChunkIndex: i,
			Embedding:  vec.Slice(),
		}
	}
	if err := a.db.InsertChunks(ctx, chunks, embeddings); err != nil {
		return fmt.Errorf("kaiwa: store chunks: %w", err)
	}
	if a.qdrantIndex != nil {
		if err := a.qdrantIndex.Upsert(ctx, points); err != nil {
			return fmt.Errorf("kaiwa: index chunks: %w", err)
		}
	}
	a.logger.Info("knowledge ingested", "tenant_id", tenantID, "source_id", sourceID, "chunks", len(chunks))
	return nil
}

// UpsertAgentConfig stores an agent configuration for a tenant.
func (a *App) UpsertAgentConfig(ctx context.Context, agentCfg model.AgentConfig, isDefault bool) error {
	return a.db.UpsertAgentConfig(ctx, agentCfg, isDefault)
}

// newEmbeddingProvider auto-detects the embedding backend from config.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) (embedding.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions), nil
	case "ollama":
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
	case "genai":
		return embedding.NewGeminiProvider(context.Background(), cfg.GeminiAPIKey, cfg.GeminiEmbedModel, cfg.EmbeddingDimensions)
	case "noop":
		logger.Warn("embedding: noop provider, retrieval will return no matches")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
	case "auto":
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding: openai", "model", cfg.EmbeddingModel)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions), nil
		}
		if cfg.GeminiAPIKey != "" {
			logger.Info("embedding: gemini", "model", cfg.GeminiEmbedModel)
			return embedding.NewGeminiProvider(context.Background(), cfg.GeminiAPIKey, cfg.GeminiEmbedModel, cfg.EmbeddingDimensions)
		}
		logger.Info("embedding: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.EmbeddingProvider)
	}
}

// newGenerationProvider auto-detects the generation backend from config.
func newGenerationProvider(cfg config.Config, logger *slog.Logger) (generation.Provider, error) {
	switch cfg.GenerationProvider {
	case "openai":
		return generation.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.GenerationBaseURL, cfg.GenerationModel, cfg.GenerationTimeout), nil
	case "genai":
		return generation.NewGeminiProvider(context.Background(), cfg.GeminiAPIKey, cfg.GenerationModel)
	case "auto":
		if cfg.OpenAIAPIKey != "" || cfg.GenerationBaseURL != "" {
			logger.Info("generation: openai", "model", cfg.GenerationModel)
			return generation.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.GenerationBaseURL, cfg.GenerationModel, cfg.GenerationTimeout), nil
		}
		if cfg.GeminiAPIKey != "" {
			logger.Info("generation: gemini", "model", cfg.GenerationModel)
			return generation.NewGeminiProvider(context.Background(), cfg.GeminiAPIKey, cfg.GenerationModel)
		}
		return nil, fmt.Errorf("no generation credentials (set OPENAI_API_KEY, GEMINI_API_KEY, or KAIWA_GENERATION_BASE_URL)")
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.GenerationProvider)
	}
}
