package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ctengine.
// Configuration can come from a YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values. Secrets
// (passwords, API keys) must only come from environment variables.
type Config struct {
	Version string `yaml:"-"`

	Env string `yaml:"env" env:"ENV" env-default:"production"`

	RunRoot string `yaml:"run_root" env:"RUN_ROOT" env-default:""`
	RunID   string `yaml:"run_id" env:"RUN_ID" env-default:""`

	IgnoreGlobs         []string `yaml:"-" env-required:"false"`
	IgnoreGlobsStr      string   `yaml:"ignore_globs" env:"IGNORE_GLOBS" env-default:"\\.git/,\\.hg/,\\.svn/,node_modules/,vendor/,dist/,build/,target/,\\.venv/"`
	SpecialFilePatterns []SpecialFilePattern `yaml:"special_file_patterns"`

	LLM        LLMConfig        `yaml:"llm"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	GraphStore GraphStoreConfig `yaml:"graph_store"`

	Worker WorkerConfig `yaml:"worker"`
	Outbox OutboxConfig `yaml:"outbox"`
	Graph  GraphConfig  `yaml:"graph"`

	ValidationThreshold float64 `yaml:"validation_threshold" env:"VALIDATION_THRESHOLD" env-default:"0.5"`
	QueueNamePrefix     string  `yaml:"queue_name_prefix" env:"QUEUE_NAME_PREFIX" env-default:"ctengine"`

	// StabilizationWindow is how long the orchestrator must observe zero
	// queue activity before declaring a run complete.
	StabilizationWindow time.Duration `yaml:"stabilization_window" env:"STABILIZATION_WINDOW" env-default:"10s"`
}

// SpecialFilePattern is one entry in the ordered, first-match-wins list Scout
// uses to classify special files (manifests, configs, entrypoints, ...).
type SpecialFilePattern struct {
	Pattern string `yaml:"pattern"`
	Type    string `yaml:"type"`
}

// LLMConfig configures the primary (OpenAI-compatible) and secondary
// (Anthropic-compatible) LLM endpoints and the shared concurrency limit.
type LLMConfig struct {
	Endpoint  string `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:""`
	APIKey    string `yaml:"-" env:"LLM_API_KEY"`
	Model     string `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	TimeoutMs int    `yaml:"timeout_ms" env:"LLM_TIMEOUT_MS" env-default:"60000"`

	// Concurrency bounds in-flight LLM requests regardless of worker pool
	// size: a dedicated semaphore, not a per-worker limit.
	Concurrency int `yaml:"concurrency" env:"LLM_CONCURRENCY" env-default:"4"`

	// DirectoryEndpoint and DirectoryModel, when both set, select the
	// Anthropic-compatible client for the directory-resolution pass (a
	// cheaper/faster tier); otherwise the primary client serves that pass.
	DirectoryEndpoint string `yaml:"directory_endpoint" env:"LLM_DIRECTORY_ENDPOINT" env-default:""`
	DirectoryAPIKey   string `yaml:"-" env:"LLM_DIRECTORY_API_KEY"`
	DirectoryModel    string `yaml:"directory_model" env:"LLM_DIRECTORY_MODEL" env-default:""`
}

// IsDirectoryTierConfigured reports whether both a distinct directory-pass
// endpoint and model were configured; if not, the primary client is reused
// for it.
func (c *LLMConfig) IsDirectoryTierConfigured() bool {
	return c.DirectoryEndpoint != "" && c.DirectoryModel != ""
}

// DatabaseConfig holds PostgreSQL (RS) connection settings.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ctengine"`
	Password       string `yaml:"-" env:"PGPASSWORD"`
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ctengine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PG_MIGRATIONS_PATH" env-default:"migrations"`
}

// ConnectionString returns a PostgreSQL connection string, resolving
// localhost to host.docker.internal when running inside a container.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds connection settings for the KV cache and Q work queue,
// both backed by the same Redis deployment.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	PoolSize int    `yaml:"pool_size" env:"REDIS_POOL_SIZE" env-default:"20"`
}

// GraphStoreConfig holds connection settings for the external graph store.
type GraphStoreConfig struct {
	URI      string `yaml:"uri" env:"NEO4J_URI" env-default:"bolt://localhost:7687"`
	User     string `yaml:"user" env:"NEO4J_USER" env-default:"neo4j"`
	Password string `yaml:"-" env:"NEO4J_PASSWORD"`
	Database string `yaml:"database" env:"NEO4J_DATABASE" env-default:"neo4j"`
}

// WorkerConfig holds per-queue worker pool concurrency.
type WorkerConfig struct {
	FileAnalysis          int `yaml:"file_analysis" env:"WORKER_FILE_ANALYSIS" env-default:"8"`
	DirectoryAggregation  int `yaml:"directory_aggregation" env:"WORKER_DIRECTORY_AGGREGATION" env-default:"4"`
	DirectoryResolution   int `yaml:"directory_resolution" env:"WORKER_DIRECTORY_RESOLUTION" env-default:"4"`
	RelationshipResolution int `yaml:"relationship_resolution" env:"WORKER_RELATIONSHIP_RESOLUTION" env-default:"8"`
	AnalysisFindings      int `yaml:"analysis_findings" env:"WORKER_ANALYSIS_FINDINGS" env-default:"4"`
	Reconciliation        int `yaml:"reconciliation" env:"WORKER_RECONCILIATION" env-default:"4"`
}

// OutboxConfig configures the TransactionalOutboxPublisher poll loop.
type OutboxConfig struct {
	BatchSize    int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"100"`
	PollInterval time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL" env-default:"500ms"`
}

// GraphConfig configures GraphBuilder's streaming batch writer.
type GraphConfig struct {
	BatchSize            int `yaml:"batch_size" env:"GRAPH_BATCH_SIZE" env-default:"500"`
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" env:"GRAPH_MAX_CONCURRENT_BATCHES" env-default:"4"`
	MaxBatchRetries      int `yaml:"max_batch_retries" env:"GRAPH_MAX_BATCH_RETRIES" env-default:"5"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{Version: version}

	configPath := "config.yaml"
	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, cfg); err != nil {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read env config: %w", err)
		}
	}

	cfg.parseComplexFields()

	if cfg.RunRoot == "" {
		return nil, fmt.Errorf("run_root is required")
	}
	if cfg.RunID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	return cfg, nil
}

// parseComplexFields derives slice/map fields that cleanenv cannot populate
// directly from their string-encoded YAML/env counterparts.
func (c *Config) parseComplexFields() {
	if c.IgnoreGlobsStr != "" {
		c.IgnoreGlobs = strings.Split(c.IgnoreGlobsStr, ",")
	}
	if len(c.SpecialFilePatterns) == 0 {
		c.SpecialFilePatterns = DefaultSpecialFilePatterns()
	}
}

// DefaultSpecialFilePatterns returns the built-in, first-match-wins
// classification list used when none is configured.
func DefaultSpecialFilePatterns() []SpecialFilePattern {
	return []SpecialFilePattern{
		{Pattern: `(^|/)main\.(go|rs|c|cpp)$`, Type: "Entrypoint"},
		{Pattern: `(^|/)(index|app|server)\.(js|ts|py)$`, Type: "Entrypoint"},
		{Pattern: `(^|/)(package\.json|go\.mod|Cargo\.toml|requirements\.txt|pyproject\.toml)$`, Type: "Manifest"},
		{Pattern: `\.(ya?ml|toml|ini|env)$`, Type: "Config"},
		{Pattern: `\.sql$`, Type: "Table"},
	}
}

// CompiledIgnorePatterns compiles IgnoreGlobs into regexes once at startup.
func (c *Config) CompiledIgnorePatterns() ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(c.IgnoreGlobs))
	for _, g := range c.IgnoreGlobs {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		re, err := regexp.Compile(g)
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", g, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

// CompiledSpecialFilePatterns compiles the configured special-file patterns,
// preserving order since classification is first-match-wins.
func (c *Config) CompiledSpecialFilePatterns() ([]CompiledSpecialFilePattern, error) {
	out := make([]CompiledSpecialFilePattern, 0, len(c.SpecialFilePatterns))
	for _, p := range c.SpecialFilePatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile special file pattern %q: %w", p.Pattern, err)
		}
		out = append(out, CompiledSpecialFilePattern{Regexp: re, Type: p.Type})
	}
	return out, nil
}

// CompiledSpecialFilePattern pairs a compiled regex with its POI special type.
type CompiledSpecialFilePattern struct {
	Regexp *regexp.Regexp
	Type   string
}
