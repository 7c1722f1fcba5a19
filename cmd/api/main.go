package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/agents/segmentation"
	"github.com/campaign-agent/backend/internal/agents/stub"
	"github.com/campaign-agent/backend/internal/api/handlers"
	"github.com/campaign-agent/backend/internal/cache/redis"
	"github.com/campaign-agent/backend/internal/compliance"
	"github.com/campaign-agent/backend/internal/customers"
	"github.com/campaign-agent/backend/internal/events"
	"github.com/campaign-agent/backend/internal/events/kafka"
	"github.com/campaign-agent/backend/internal/experiment"
	"github.com/campaign-agent/backend/internal/ingestion"
	"github.com/campaign-agent/backend/internal/lineage/neo4j"
	"github.com/campaign-agent/backend/internal/llm"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/internal/middleware/ratelimit"
	"github.com/campaign-agent/backend/internal/middleware/security"
	"github.com/campaign-agent/backend/internal/middleware/validation"
	"github.com/campaign-agent/backend/internal/pipeline"
	"github.com/campaign-agent/backend/internal/ranking"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/internal/storage/sqlite"
	"github.com/campaign-agent/backend/internal/vector"
	"github.com/campaign-agent/backend/internal/vector/memory"
	"github.com/campaign-agent/backend/internal/vector/zilliz"
	"github.com/campaign-agent/backend/pkg/config"
	appLogger "github.com/campaign-agent/backend/pkg/logger"
	"github.com/campaign-agent/backend/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Campaign Agent API Server")
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(ctx); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	readiness := map[string]handlers.Check{
		"sqlite": sqliteClient.Ping,
	}

	embedder, generator, classifier := buildModels(cfg)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		embedder = redis.NewCachedEmbedder(embedder, redisClient)
		readiness["redis"] = redisClient.Ping
	}

	index := buildIndex(ctx, cfg)
	processor := ingestion.NewProcessor(sqliteClient, index, embedder)
	if _, ok := index.(*memory.Index); ok {
		if _, err := processor.Hydrate(ctx); err != nil {
			appLogger.Fatal("Failed to hydrate embedding index", zap.Error(err))
		}
	}

	retrieval := ranking.NewEngine(embedder, index, cfg.Retrieval.SimilarityThreshold)
	gate := compliance.NewGate(classifier, compliance.Rules{
		SafetyThreshold:  cfg.Compliance.SafetyThreshold,
		BrandThreshold:   cfg.Compliance.BrandThreshold,
		LegalThreshold:   cfg.Compliance.LegalThreshold,
		BrandTones:       cfg.Compliance.BrandTones,
		BannedPhrases:    cfg.Compliance.BannedPhrases,
		ProhibitedClaims: cfg.Compliance.ProhibitedClaims,
	})

	experiments := experiment.NewEngine(experiment.Options{
		ConfidenceThreshold: cfg.Experiment.ConfidenceThreshold,
		MinImpressions:      cfg.Experiment.MinImpressions,
		MinSampleSize:       cfg.Experiment.MinSampleSize,
	}, sqliteClient)
	restoreExperiments(ctx, sqliteClient, experiments)

	sweeper, err := experiment.NewSweeper(experiments, cfg.Experiment.SweepSchedule)
	if err != nil {
		appLogger.Fatal("Failed to schedule experiment sweeper", zap.Error(err))
	}
	sweeper.Start()
	defer sweeper.Stop()

	broker := events.NewBroker(64)

	deps := pipeline.Deps{
		Segmenter:   buildSegmenter(cfg),
		Retriever:   retrieval,
		Generator:   generator,
		Validator:   gate,
		Experiments: experiments,
		Store:       sqliteClient,
		Publisher:   broker,
	}
	if cfg.Neo4j.Enabled {
		lineage, err := neo4j.NewClient(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer lineage.Close(context.Background())
		deps.Lineage = lineage
	}

	orchestrator := pipeline.NewEngine(deps, pipeline.Options{
		Workers:      cfg.Pipeline.Workers,
		StageTimeout: cfg.Pipeline.StageTimeout(),
		Retry: retry.Config{
			MaxAttempts:    cfg.Pipeline.RetryAttempts,
			InitialDelay:   time.Duration(cfg.Pipeline.RetryInitialMS) * time.Millisecond,
			MaxDelay:       time.Duration(cfg.Pipeline.RetryMaxMS) * time.Millisecond,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         appLogger.GetLogger(),
		},
		ReviewAttempts:      cfg.Pipeline.ReviewAttempts,
		TopK:                cfg.Retrieval.TopK,
		ContentType:         cfg.Retrieval.ContentType,
		Channel:             cfg.Pipeline.Channel,
		DefaultVariantCount: cfg.Pipeline.VariantCount,
	})

	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, experiments)
		if err != nil {
			appLogger.Fatal("Failed to create Kafka consumer", zap.Error(err))
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("Kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	var searchCache handlers.SearchCache
	if redisClient != nil {
		searchCache = redisClient
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimit,
		SkipPaths:            []string{"/health", "/ready", "/metrics"},
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	handlers.NewHealthHandler(readiness).Register(app)
	handlers.NewCampaignHandler(orchestrator, customers.NewLoader(cfg.Customers.DataDir), sqliteClient).Register(app)
	handlers.NewContentHandler(retrieval, sqliteClient, processor, searchCache, embeddingModel(cfg), cfg.LLM.EmbeddingDim).Register(app)
	handlers.NewComplianceHandler(gate).Register(app)
	handlers.NewExperimentHandler(experiments, sqliteClient).Register(app)
	handlers.NewCampaignStreamHandler(broker).Register(app)
	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	experiments.Sweep(context.Background())
	appLogger.Info("Server stopped")
}

func offline(cfg *config.Config) bool {
	return cfg.LLM.Provider == "stub" || cfg.LLM.APIKey == ""
}

// buildModels picks the embedding, generation and safety collaborators. Without
// an API key everything runs on the offline stubs.
func buildModels(cfg *config.Config) (agents.Embedder, agents.Generator, agents.SafetyClassifier) {
	if offline(cfg) {
		appLogger.Warn("Using offline stub models")
		return stub.NewHashEmbedder(cfg.LLM.EmbeddingDim), stub.NewTemplateGenerator(), stub.NewKeywordClassifier()
	}

	client := llm.NewClient(llm.Options{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		EmbeddingDim:   cfg.LLM.EmbeddingDim,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
	})
	return client, client, client
}

func embeddingModel(cfg *config.Config) string {
	if offline(cfg) {
		return "hash"
	}
	return cfg.LLM.EmbeddingModel
}

func buildSegmenter(cfg *config.Config) agents.Segmenter {
	if cfg.Segmentation.Endpoint == "" {
		appLogger.Info("No segmentation endpoint configured, using rule-based segmenter")
		return segmentation.NewRuleSegmenter()
	}
	return segmentation.NewHTTPSegmenter(cfg.Segmentation.Endpoint, time.Duration(cfg.Segmentation.TimeoutSec)*time.Second)
}

func buildIndex(ctx context.Context, cfg *config.Config) vector.Index {
	if !cfg.Zilliz.Enabled {
		return memory.NewIndex(cfg.LLM.EmbeddingDim)
	}

	client, err := zilliz.NewClient(ctx, cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey, cfg.Zilliz.CollectionName, cfg.LLM.EmbeddingDim)
	if err != nil {
		appLogger.Fatal("Failed to create Zilliz client", zap.Error(err))
	}
	if err := client.CreateCollection(ctx); err != nil {
		appLogger.Fatal("Failed to create collection", zap.Error(err))
	}
	return client
}

// restoreExperiments reloads running experiments so metric events keep
// flowing across restarts.
func restoreExperiments(ctx context.Context, store *sqlite.Client, engine *experiment.Engine) {
	running, err := store.ExperimentsByStatus(ctx, models.ExperimentRunning)
	if err != nil {
		appLogger.Warn("Failed to restore running experiments", zap.Error(err))
		return
	}
	for _, exp := range running {
		engine.Restore(exp)
	}
	if len(running) > 0 {
		appLogger.Info("Running experiments restored", zap.Int("count", len(running)))
	}
}

func allowOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	out := origins[0]
	for _, o := range origins[1:] {
		out += ", " + o
	}
	return out
}
