package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates application configuration values.
type Config struct {
	Database  DatabaseConfig
	Biometric BiometricConfig
	Limiter   LimiterConfig
	Worker    WorkerConfig
	Logging   LoggingConfig
}

// DatabaseConfig selects and locates the persistence backend.
type DatabaseConfig struct {
	Driver   string // postgres|sqlite
	URL      string
	MaxConns int
}

// BiometricConfig holds the model-dependent decision parameters.
type BiometricConfig struct {
	EmbeddingDim   int
	Metric         string // euclidean|cosine
	MatchThreshold float64
	SharpnessFloor float64
	AntiSpoof      bool
}

// LimiterConfig governs the failed-attempt lockout policy.
type LimiterConfig struct {
	MaxFailures     int
	LockoutDuration time.Duration
}

// WorkerConfig describes the embedding extraction workers.
type WorkerConfig struct {
	Python      string
	Script      string
	Engines     int
	ReadTimeout time.Duration
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	MetricEuclidean = "euclidean"
	MetricCosine    = "cosine"
)

const (
	defaultDriver          = DriverPostgres
	defaultDatabaseURL     = "postgres://localhost:5432/votegate"
	defaultMaxConns        = 10
	defaultEmbeddingDim    = 512
	defaultMetric          = MetricEuclidean
	defaultMatchThreshold  = 0.8
	defaultSharpnessFloor  = 6.0
	defaultMaxFailures     = 5
	defaultLockoutDuration = 5 * time.Minute
	defaultPython          = "python3"
	defaultScript          = "python/worker.py"
	defaultEngines         = 1
	defaultReadTimeout     = 60 * time.Second
	defaultLoggingLevel    = "info"
	defaultLoggingFormat   = "text"
)

// Default returns a configuration populated with built-in defaults only.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:   defaultDriver,
			URL:      defaultDatabaseURL,
			MaxConns: defaultMaxConns,
		},
		Biometric: BiometricConfig{
			EmbeddingDim:   defaultEmbeddingDim,
			Metric:         defaultMetric,
			MatchThreshold: defaultMatchThreshold,
			SharpnessFloor: defaultSharpnessFloor,
		},
		Limiter: LimiterConfig{
			MaxFailures:     defaultMaxFailures,
			LockoutDuration: defaultLockoutDuration,
		},
		Worker: WorkerConfig{
			Python:      defaultPython,
			Script:      defaultScript,
			Engines:     defaultEngines,
			ReadTimeout: defaultReadTimeout,
		},
		Logging: LoggingConfig{
			Level:  defaultLoggingLevel,
			Format: defaultLoggingFormat,
		},
	}
}

// Load reads configuration from environment variables, applying defaults.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	cfg.Database.Driver = valueOrDefault("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.URL = databaseURL(cfg.Database.URL)
	cfg.Biometric.Metric = strings.ToLower(valueOrDefault("MATCH_METRIC", cfg.Biometric.Metric))
	cfg.Biometric.AntiSpoof = parseBoolWithDefault("ANTI_SPOOF", false)
	cfg.Worker.Python = valueOrDefault("WORKER_PYTHON", cfg.Worker.Python)
	cfg.Worker.Script = valueOrDefault("WORKER_SCRIPT", cfg.Worker.Script)
	cfg.Logging.Level = valueOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = valueOrDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.IncludeCaller = parseBoolWithDefault("LOG_INCLUDE_CALLER", false)

	var err error
	if cfg.Database.MaxConns, err = parseInt("DATABASE_MAX_CONNS", cfg.Database.MaxConns); err != nil {
		return Config{}, err
	}
	if cfg.Biometric.EmbeddingDim, err = parseInt("EMBEDDING_DIM", cfg.Biometric.EmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.Biometric.MatchThreshold, err = parseFloat("MATCH_THRESHOLD", cfg.Biometric.MatchThreshold); err != nil {
		return Config{}, err
	}
	if cfg.Biometric.SharpnessFloor, err = parseFloat("SHARPNESS_FLOOR", cfg.Biometric.SharpnessFloor); err != nil {
		return Config{}, err
	}
	if cfg.Limiter.MaxFailures, err = parseInt("MAX_FAILURES", cfg.Limiter.MaxFailures); err != nil {
		return Config{}, err
	}
	if cfg.Limiter.LockoutDuration, err = parseDuration("LOCKOUT_DURATION", cfg.Limiter.LockoutDuration); err != nil {
		return Config{}, err
	}
	if cfg.Worker.Engines, err = parseInt("WORKER_ENGINES", cfg.Worker.Engines); err != nil {
		return Config{}, err
	}
	if cfg.Worker.ReadTimeout, err = parseDuration("WORKER_READ_TIMEOUT", cfg.Worker.ReadTimeout); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.Biometric.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding dim must be positive, got %d", c.Biometric.EmbeddingDim))
	}
	switch c.Biometric.Metric {
	case MetricEuclidean, MetricCosine:
	default:
		errs = append(errs, fmt.Errorf("unknown match metric %q", c.Biometric.Metric))
	}
	if c.Biometric.MatchThreshold <= 0 {
		errs = append(errs, fmt.Errorf("match threshold must be positive, got %f", c.Biometric.MatchThreshold))
	}
	if c.Biometric.SharpnessFloor <= 0 {
		errs = append(errs, fmt.Errorf("sharpness floor must be positive, got %f", c.Biometric.SharpnessFloor))
	}
	if c.Limiter.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("max failures must be >= 1, got %d", c.Limiter.MaxFailures))
	}
	if c.Limiter.LockoutDuration <= 0 {
		errs = append(errs, fmt.Errorf("lockout duration must be positive, got %s", c.Limiter.LockoutDuration))
	}
	if c.Worker.Engines < 1 {
		errs = append(errs, fmt.Errorf("worker engines must be >= 1, got %d", c.Worker.Engines))
	}

	return errors.Join(errs...)
}

// databaseURL resolves the connection string: DATABASE_URL first, then the
// POSTGRES_* variables, then the local default.
func databaseURL(fallback string) string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := valueOrDefault("POSTGRES_PORT", "5432")
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return fallback
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		return val, nil
	}
	return fallback, nil
}

func parseFloat(key string, fallback float64) (float64, error) {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		return val, nil
	}
	return fallback, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
