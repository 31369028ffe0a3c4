// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Mode controls whether the decision engine's output is applied or only logged.
type Mode string

const (
	// ModeAdvisory records proposals in the mutation log but never issues DDL.
	ModeAdvisory Mode = "advisory"
	// ModeApply lets the executor apply selected candidates under safeguard gates.
	ModeApply Mode = "apply"
)

// Config holds application configuration
type Config struct {
	DatabaseURL string // Target Postgres connection string
	DataDir     string // Base directory for the mutation journal and logs
	LogLevel    string
	LogFile     string
	Port        int
	DevMode     bool

	Mode              Mode   // advisory or apply
	BypassMode        string // Startup bypass set, e.g. "system" or "feature:redundancy-pruning"
	MaintenanceWindow string // Default maintenance window spec, e.g. "mon-sun 01:00-05:00"

	Pool      PoolConfig
	Planner   PlannerConfig
	Stats     StatsConfig
	Engine    EngineConfig
	Safeguard SafeguardConfig
	Executor  ExecutorConfig
	Maintain  MaintainConfig
	Archive   ArchiveConfig
}

// PoolConfig bounds the shared connection pool and its timeouts.
type PoolConfig struct {
	MaxConns         int
	AcquireTimeout   time.Duration
	StatementTimeout time.Duration
	LongDDLTimeout   time.Duration
	LockTimeout      time.Duration
}

// PlannerConfig tunes the EXPLAIN client.
type PlannerConfig struct {
	CacheSize        int           // LRU entry bound
	CacheTTL         time.Duration // Per-entry expiry
	ExplainTimeout   time.Duration
	MaxFailures      int           // Consecutive failures before planner-unreliable
	FailureCooldown  time.Duration // How long the unreliable mark lasts
	RowCostFallback  float64       // Abstract cost per row when the planner is unavailable
	RetryAttempts    int
	RetryBackoffBase time.Duration
}

// StatsConfig tunes the query stats store.
type StatsConfig struct {
	IngestBuffer    int     // Bounded ingest channel capacity
	EWMAAlpha       float64 // Latency smoothing factor
	SampleSize      int     // Bounded latency sample for quantiles
	SpikeBuckets    int     // N: number of history buckets
	SpikeMinBuckets int     // K: buckets a fingerprint must appear in to be sustained
	SpikeMultiplier float64 // Current-bucket count ceiling vs historical median
	BucketSize      time.Duration
	SampleRingMax   int // Bounded query_sample ring size
}

// EngineConfig tunes the decision engine.
type EngineConfig struct {
	MinCount             int64   // Fingerprint count floor for candidacy
	CorrThreshold        float64 // Co-occurrence ratio for composite candidates
	CardinalityTolerance float64 // Planner-vs-sampled row estimate divergence ceiling
	ReadHeavyThreshold   float64
	WriteHeavyThreshold  float64
	WritePenalty         float64
	ScorerWeight         float64 // Bound on pluggable scorer adjustments
	ImprovementThreshold float64 // Minimum validated cost improvement
	MaxIndexesPerTable   int
	MaxCandidatesPerPass int
	CoveringMaxColumns   int
}

// SafeguardConfig tunes the executor gates.
type SafeguardConfig struct {
	GlobalBudgetBytes   int64
	TenantBudgetBytes   int64
	RateCapacity        float64 // Token bucket capacity (adaptive target seed)
	RateRefillPerMin    float64
	WriteLatencyCeiling time.Duration
	EmergencyCeiling    time.Duration
	CPUCeilingPercent   float64
	BreakerFailures     uint32 // Consecutive failures before the circuit opens
	BreakerCooldown     time.Duration
	BreakerTrigger      string // "table", "error", or "both"
	CanaryFraction      float64
	CanarySampleSize    int
}

// ExecutorConfig tunes DDL application.
type ExecutorConfig struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AutoRollback   bool
	ValidateDelay  time.Duration // Settle time before VALIDATING re-explains
	BuildGraceTime time.Duration // Shutdown grace for in-flight builds
}

// MaintainConfig tunes the maintenance loop.
type MaintainConfig struct {
	Interval       time.Duration
	MinScans       int64
	DaysUnused     int
	BloatThreshold float64
	StatsStaleness time.Duration
	HangTimeout    time.Duration
	AutoCleanup    bool // Drop unused indexes without an approval mark
	Disabled       map[string]bool
}

// ArchiveConfig tunes mutation-journal archival to S3-compatible storage.
type ArchiveConfig struct {
	Enabled   bool
	Bucket    string
	Prefix    string
	Endpoint  string // Optional custom endpoint (R2, MinIO)
	Region    string
	KeepCount int // Archives retained during rotation
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("INDEXPILOT_DATA_DIR", "")
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "indexpilot")
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DatabaseURL: getEnv("INDEXPILOT_DATABASE_URL", ""),
		DataDir:     absDataDir,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("INDEXPILOT_LOG_FILE", ""),
		Port:        getEnvAsInt("INDEXPILOT_PORT", 8040),
		DevMode:     getEnvAsBool("DEV_MODE", false),

		// Advisory is the safe default: proposals are logged, never applied.
		Mode:              Mode(getEnv("INDEXPILOT_AUTO_INDEXER_MODE", string(ModeAdvisory))),
		BypassMode:        getEnv("INDEXPILOT_BYPASS_MODE", ""),
		MaintenanceWindow: getEnv("INDEXPILOT_MAINTENANCE_WINDOW", "mon-sun 01:00-05:00"),

		Pool: PoolConfig{
			MaxConns:         getEnvAsInt("INDEXPILOT_POOL_MAX", 10),
			AcquireTimeout:   getEnvAsDuration("INDEXPILOT_ACQUIRE_TIMEOUT_MS", 5*time.Second),
			StatementTimeout: getEnvAsDuration("INDEXPILOT_STATEMENT_TIMEOUT_MS", 30*time.Second),
			LongDDLTimeout:   getEnvAsDuration("INDEXPILOT_DDL_TIMEOUT_MS", 2*time.Hour),
			LockTimeout:      getEnvAsDuration("INDEXPILOT_LOCK_TIMEOUT_MS", 10*time.Second),
		},
		Planner: PlannerConfig{
			CacheSize:        512,
			CacheTTL:         10 * time.Minute,
			ExplainTimeout:   getEnvAsDuration("INDEXPILOT_EXPLAIN_TIMEOUT_MS", 15*time.Second),
			MaxFailures:      3,
			FailureCooldown:  15 * time.Minute,
			RowCostFallback:  0.01,
			RetryAttempts:    2,
			RetryBackoffBase: 250 * time.Millisecond,
		},
		Stats: StatsConfig{
			IngestBuffer:    getEnvAsInt("INDEXPILOT_INGEST_BUFFER", 4096),
			EWMAAlpha:       getEnvAsFloat("INDEXPILOT_EWMA_ALPHA", 0.1),
			SampleSize:      512,
			SpikeBuckets:    7,
			SpikeMinBuckets: 5,
			SpikeMultiplier: getEnvAsFloat("INDEXPILOT_SPIKE_MULTIPLIER", 3.0),
			BucketSize:      24 * time.Hour,
			SampleRingMax:   10000,
		},
		Engine: EngineConfig{
			MinCount:             getEnvAsInt64("INDEXPILOT_MIN_QUERY_COUNT", 50),
			CorrThreshold:        0.6,
			CardinalityTolerance: 10.0,
			ReadHeavyThreshold:   0.7,
			WriteHeavyThreshold:  0.3,
			WritePenalty:         0.05,
			ScorerWeight:         getEnvAsFloat("INDEXPILOT_SCORER_WEIGHT", 0.2),
			ImprovementThreshold: 0.10,
			MaxIndexesPerTable:   getEnvAsInt("INDEXPILOT_MAX_INDEXES_PER_TABLE", 8),
			MaxCandidatesPerPass: getEnvAsInt("INDEXPILOT_MAX_CANDIDATES", 20),
			CoveringMaxColumns:   4,
		},
		Safeguard: SafeguardConfig{
			GlobalBudgetBytes:   getEnvAsInt64("INDEXPILOT_STORAGE_BUDGET_BYTES", 10<<30),
			TenantBudgetBytes:   getEnvAsInt64("INDEXPILOT_TENANT_BUDGET_BYTES", 2<<30),
			RateCapacity:        5,
			RateRefillPerMin:    1,
			WriteLatencyCeiling: 50 * time.Millisecond,
			EmergencyCeiling:    250 * time.Millisecond,
			CPUCeilingPercent:   85,
			BreakerFailures:     5,
			BreakerCooldown:     10 * time.Minute,
			BreakerTrigger:      getEnv("INDEXPILOT_BREAKER_TRIGGER", "both"),
			CanaryFraction:      getEnvAsFloat("INDEXPILOT_CANARY_FRACTION", 0),
			CanarySampleSize:    200,
		},
		Executor: ExecutorConfig{
			MaxRetries:     4,
			BackoffBase:    2 * time.Second,
			BackoffMax:     2 * time.Minute,
			AutoRollback:   getEnvAsBool("INDEXPILOT_AUTO_ROLLBACK", true),
			ValidateDelay:  5 * time.Second,
			BuildGraceTime: 30 * time.Second,
		},
		Maintain: MaintainConfig{
			Interval:       getEnvAsDuration("INDEXPILOT_MAINTENANCE_INTERVAL_MS", time.Hour),
			MinScans:       getEnvAsInt64("INDEXPILOT_MIN_SCANS", 10),
			DaysUnused:     getEnvAsInt("INDEXPILOT_DAYS_UNUSED", 30),
			BloatThreshold: getEnvAsFloat("INDEXPILOT_BLOAT_THRESHOLD", 0.4),
			StatsStaleness: getEnvAsDuration("INDEXPILOT_STATS_STALENESS_MS", 7*24*time.Hour),
			HangTimeout:    getEnvAsDuration("INDEXPILOT_HANG_TIMEOUT_MS", 4*time.Hour),
			AutoCleanup:    getEnvAsBool("INDEXPILOT_AUTO_CLEANUP", false),
			Disabled:       map[string]bool{},
		},
		Archive: ArchiveConfig{
			Enabled:   getEnvAsBool("INDEXPILOT_ARCHIVE_ENABLED", false),
			Bucket:    getEnv("INDEXPILOT_ARCHIVE_BUCKET", ""),
			Prefix:    getEnv("INDEXPILOT_ARCHIVE_PREFIX", "indexpilot"),
			Endpoint:  getEnv("INDEXPILOT_ARCHIVE_ENDPOINT", ""),
			Region:    getEnv("INDEXPILOT_ARCHIVE_REGION", "auto"),
			KeepCount: getEnvAsInt("INDEXPILOT_ARCHIVE_KEEP", 14),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Mode != ModeAdvisory && c.Mode != ModeApply {
		return fmt.Errorf("invalid INDEXPILOT_AUTO_INDEXER_MODE %q (want advisory or apply)", c.Mode)
	}
	if c.Pool.MaxConns < 1 {
		return fmt.Errorf("INDEXPILOT_POOL_MAX must be at least 1, got %d", c.Pool.MaxConns)
	}
	if c.Stats.EWMAAlpha <= 0 || c.Stats.EWMAAlpha > 1 {
		return fmt.Errorf("INDEXPILOT_EWMA_ALPHA must be in (0, 1], got %v", c.Stats.EWMAAlpha)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("INDEXPILOT_ARCHIVE_BUCKET required when archival is enabled")
	}
	// DatabaseURL is intentionally not required here: read-only commands and
	// tests run without a target database.
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a millisecond-valued environment variable.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
