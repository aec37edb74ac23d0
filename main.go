package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coglabs/ctengine/pkg/audit"
	"github.com/coglabs/ctengine/pkg/config"
	"github.com/coglabs/ctengine/pkg/database"
	"github.com/coglabs/ctengine/pkg/fallback"
	"github.com/coglabs/ctengine/pkg/graphbuilder"
	"github.com/coglabs/ctengine/pkg/kv"
	"github.com/coglabs/ctengine/pkg/llm"
	"github.com/coglabs/ctengine/pkg/logging"
	"github.com/coglabs/ctengine/pkg/orchestrator"
	"github.com/coglabs/ctengine/pkg/outbox"
	"github.com/coglabs/ctengine/pkg/queue"
	"github.com/coglabs/ctengine/pkg/repositories"
	"github.com/coglabs/ctengine/pkg/retention"
	"github.com/coglabs/ctengine/pkg/scout"
	"github.com/coglabs/ctengine/pkg/workers"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
)

// Version is set at build time via ldflags
var Version = "dev"

// kvTTL bounds how long manifests and coordination counters survive in
// Redis after their last write, as a backstop for counters a crashed run
// never deleted. Well beyond any plausible single-run duration.
const kvTTL = 72 * time.Hour

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	var logger *zap.Logger
	if cfg.Env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("run_id", cfg.RunID),
		zap.String("run_root", cfg.RunRoot),
		zap.String("database", logging.SanitizeConnectionString(fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database))),
		zap.String("redis", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)),
		zap.String("graph_store", cfg.GraphStore.URI),
		zap.String("llm_model", cfg.LLM.Model),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := setupDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to setup database", zap.Error(err))
		return 1
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return 1
	}
	if redisClient == nil {
		logger.Error("Redis is required: configure redis.host")
		return 1
	}
	defer func() { _ = redisClient.Close() }()

	kvStore := kv.New(redisClient, cfg.QueueNamePrefix, kvTTL)

	outboxRepo := repositories.NewOutboxRepository()

	// The retention pass only ever runs on explicit demand, never as part
	// of a pipeline run: PUBLISHED outbox rows are the audit trail.
	if len(os.Args) > 1 && os.Args[1] == "prune-outbox" {
		pruned, err := retention.New(db, outboxRepo, logger).Prune(ctx, retention.DefaultRetentionWindow)
		if err != nil {
			logger.Error("Outbox retention prune failed", zap.Error(err))
			return 1
		}
		logger.Info("Outbox retention prune complete", zap.Int64("rows", pruned))
		return 0
	}

	if err := kvStore.SeedAllowedQueues(ctx); err != nil {
		logger.Error("Failed to seed queue allow-list", zap.Error(err))
		return 1
	}

	queues, err := buildQueues(redisClient, cfg.QueueNamePrefix)
	if err != nil {
		logger.Error("Failed to construct queues", zap.Error(err))
		return 1
	}

	fileClient, directoryClient, err := buildLLMClients(cfg, logger)
	if err != nil {
		logger.Error("Failed to construct LLM clients", zap.Error(err))
		return 1
	}

	fileRepo := repositories.NewFileRepository()
	poiRepo := repositories.NewPOIRepository()
	relRepo := repositories.NewRelationshipRepository()
	evidenceRepo := repositories.NewEvidenceRepository()
	incidentRepo := repositories.NewIncidentRepository()
	incidents := audit.NewLogRecorder(incidentRepo, logger)

	dirAgg := workers.NewDirectoryAggregationWorker(db, kvStore, fileRepo, queues[queue.DirectoryResolution], incidents, logger)
	fileAnalysis := workers.NewFileAnalysisWorker(
		cfg.RunRoot, fileClient, fallback.NewBasicExtractor(),
		db, fileRepo, poiRepo, relRepo, outboxRepo, dirAgg, incidents, logger,
	)
	dirResolution := workers.NewDirectoryResolutionWorker(db, directoryClient, poiRepo, relRepo, outboxRepo, incidents, logger)
	relResolution := workers.NewRelationshipResolutionWorker(db, fileClient, poiRepo, relRepo, outboxRepo, incidents, logger)
	validation := workers.NewValidationWorker(db, kvStore, evidenceRepo, queues[queue.Reconciliation], incidents, logger)
	reconciliation := workers.NewReconciliationWorker(db, evidenceRepo, relRepo, cfg.ValidationThreshold, incidents, logger)

	publisher := outbox.NewPublisher(db, redisClient, cfg.QueueNamePrefix, outboxRepo,
		cfg.Outbox.BatchSize, cfg.Outbox.PollInterval, logger)

	backend, err := graphbuilder.NewNeo4jBackend(ctx, cfg.GraphStore, logger)
	if err != nil {
		logger.Error("Failed to connect to graph store", zap.Error(err))
		return 1
	}
	defer func() { _ = backend.Close(context.Background()) }()

	builder := graphbuilder.New(db, relRepo, poiRepo, backend,
		cfg.Graph.BatchSize, cfg.Graph.MaxConcurrentBatches, cfg.Graph.MaxBatchRetries, logger)

	bindings := []orchestrator.Binding{
		{Name: queue.FileAnalysis, Queue: queues[queue.FileAnalysis], Capability: fileAnalysis, Concurrency: cfg.Worker.FileAnalysis},
		{Name: queue.DirectoryAggregation, Queue: queues[queue.DirectoryAggregation], Capability: dirAgg, Concurrency: cfg.Worker.DirectoryAggregation},
		{Name: queue.DirectoryResolution, Queue: queues[queue.DirectoryResolution], Capability: dirResolution, Concurrency: cfg.Worker.DirectoryResolution},
		{Name: queue.RelationshipResolution, Queue: queues[queue.RelationshipResolution], Capability: relResolution, Concurrency: cfg.Worker.RelationshipResolution},
		{Name: queue.AnalysisFindings, Queue: queues[queue.AnalysisFindings], Capability: validation, Concurrency: cfg.Worker.AnalysisFindings},
		{Name: queue.Reconciliation, Queue: queues[queue.Reconciliation], Capability: reconciliation, Concurrency: cfg.Worker.Reconciliation},
	}

	orch := orchestrator.New(db, bindings, publisher, outboxRepo, relRepo, builder, incidents,
		time.Second, cfg.StabilizationWindow, logger)

	sc, err := scout.New(db, kvStore, redisClient, fileRepo, cfg, logger)
	if err != nil {
		logger.Error("Failed to construct scout", zap.Error(err))
		return 1
	}

	// The manifest must be persisted before the first job is consumed, so
	// Scout runs to completion before any worker pool starts. Seeded jobs
	// sit on their queues until the orchestrator brings consumers up.
	manifest, err := sc.Run(ctx, cfg.RunRoot, cfg.RunID)
	if err != nil {
		logger.Error("Scout failed, aborting run", zap.Error(err))
		return 1
	}
	logger.Info("Scout complete",
		zap.Int("files", manifest.FileCount),
		zap.Int("directories", manifest.DirectoryCount))

	result, err := orch.Run(ctx, cfg.RunID)
	if err != nil {
		logger.Error("Run failed", zap.Error(err))
		return 1
	}

	logger.Info("Run complete",
		zap.String("run_id", cfg.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("nodes", result.Graph.Nodes),
		zap.Int("edges", result.Graph.Edges),
		zap.Int("dlq_queues", len(result.DLQEntries)),
		zap.Int("starved_relationships", len(result.StarvedRelationships)))

	return result.Status.ExitCode()
}

// setupDatabase opens the pgx pool and applies pending migrations. The
// migration step goes through database/sql because golang-migrate needs a
// *sql.DB; the pool itself stays on native pgx.
func setupDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.DB, error) {
	connStr := cfg.Database.ConnectionString()

	migrationDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath); err != nil {
		_ = migrationDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := migrationDB.Close(); err != nil {
		logger.Warn("close migration connection", zap.Error(err))
	}

	return database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: cfg.Database.MaxConnections,
	})
}

// buildQueues constructs every consumable queue up front so a typo'd queue
// name fails the boot instead of a mid-run enqueue.
func buildQueues(redisClient *redis.Client, prefix string) (map[string]*queue.Queue, error) {
	queues := make(map[string]*queue.Queue, len(queue.All))
	for _, name := range queue.All {
		q, err := queue.New(redisClient, prefix, name, 0)
		if err != nil {
			return nil, fmt.Errorf("construct queue %q: %w", name, err)
		}
		queues[name] = q
	}
	return queues, nil
}

// buildLLMClients constructs the throttled analysis clients: one for the
// file and per-POI passes, and one for the directory pass, which drops to
// the cheaper Anthropic tier when one is configured. Each endpoint gets its
// own circuit breaker so one flapping service does not trip the other.
func buildLLMClients(cfg *config.Config, logger *zap.Logger) (llm.AnalysisClient, llm.AnalysisClient, error) {
	primary, err := llm.NewClient(&llm.Config{
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("construct primary llm client: %w", err)
	}

	fileClient := llm.NewThrottledClient(primary, cfg.LLM.Concurrency,
		llm.NewCircuitBreaker(llm.DefaultCircuitBreakerConfig()), logger)

	if !cfg.LLM.IsDirectoryTierConfigured() {
		return fileClient, fileClient, nil
	}

	secondary, err := llm.NewAnthropicClient(&llm.AnthropicConfig{
		APIKey: cfg.LLM.DirectoryAPIKey,
		Model:  cfg.LLM.DirectoryModel,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("construct directory-tier llm client: %w", err)
	}

	directoryClient := llm.NewThrottledClient(secondary, cfg.LLM.Concurrency,
		llm.NewCircuitBreaker(llm.DefaultCircuitBreakerConfig()), logger)

	return fileClient, directoryClient, nil
}
