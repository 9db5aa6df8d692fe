package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/votegate/internal/config"
	"github.com/andresmejia3/votegate/internal/election"
	"github.com/andresmejia3/votegate/internal/ledger"
	"github.com/andresmejia3/votegate/internal/limiter"
	"github.com/andresmejia3/votegate/internal/liveness"
	"github.com/andresmejia3/votegate/internal/logging"
	"github.com/andresmejia3/votegate/internal/matcher"
	"github.com/andresmejia3/votegate/internal/pipeline"
	"github.com/andresmejia3/votegate/internal/worker"
)

// Options holds the persistent flags. A flag only overrides the environment
// when it was set on the command line.
type Options struct {
	DatabaseURL    string
	Driver         string
	Metric         string
	MatchThreshold float64
	SharpnessFloor float64
	EmbeddingDim   int
	NumEngines     int
	AntiSpoof      bool
	LogLevel       string
}

// App is everything a subcommand needs, built once per invocation.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	DB        Backend
	Workers   *worker.Pool
	Limiter   *limiter.Limiter
	Ledger    *ledger.Ledger
	Elections *election.Service
	Pipeline  *pipeline.Pipeline
}

var (
	// app is shared by subcommands; it is set up in PersistentPreRunE.
	app *App

	rootOpts Options

	// exitCode is returned by Execute after cleanup, so rejections can exit
	// non-zero without skipping PersistentPostRun.
	exitCode int
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "votegate",
	Short:   "Biometric-gated single-ballot voting",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		applyOverrides(&cfg, cmd.Flags(), rootOpts)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// Use the command's context (which will be cancellable) for the connection
		app, err = newApp(cmd.Context(), cfg, cmd.Annotations[skipDimCheck] == "")
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to release the connection and stop the workers.
			app.Close(context.Background())
		}
	},
	SilenceUsage: true,
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootOpts.DatabaseURL, "db", "", "Database connection string or SQLite file path (env DATABASE_URL)")
	f.StringVar(&rootOpts.Driver, "driver", "", "Database driver: postgres or sqlite (env DATABASE_DRIVER)")
	f.StringVar(&rootOpts.Metric, "metric", "", "Face distance metric: euclidean or cosine (env MATCH_METRIC)")
	f.Float64VarP(&rootOpts.MatchThreshold, "threshold", "t", 0, "Face match threshold, lower is stricter (env MATCH_THRESHOLD)")
	f.Float64Var(&rootOpts.SharpnessFloor, "sharpness-floor", 0, "Minimum Laplacian variance for a live capture (env SHARPNESS_FLOOR)")
	f.IntVar(&rootOpts.EmbeddingDim, "dim", 0, "Embedding dimension produced by the model (env EMBEDDING_DIM)")
	f.IntVarP(&rootOpts.NumEngines, "engines", "e", 0, "Number of parallel model workers (env WORKER_ENGINES)")
	f.BoolVar(&rootOpts.AntiSpoof, "anti-spoof", false, "Ask the model worker for an anti-spoof verdict (env ANTI_SPOOF)")
	f.StringVar(&rootOpts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL)")
}

// applyOverrides copies every flag the user set onto cfg.
func applyOverrides(cfg *config.Config, flags *pflag.FlagSet, o Options) {
	if flags.Changed("db") {
		cfg.Database.URL = o.DatabaseURL
	}
	if flags.Changed("driver") {
		cfg.Database.Driver = o.Driver
	}
	if flags.Changed("metric") {
		cfg.Biometric.Metric = o.Metric
	}
	if flags.Changed("threshold") {
		cfg.Biometric.MatchThreshold = o.MatchThreshold
	}
	if flags.Changed("sharpness-floor") {
		cfg.Biometric.SharpnessFloor = o.SharpnessFloor
	}
	if flags.Changed("dim") {
		cfg.Biometric.EmbeddingDim = o.EmbeddingDim
	}
	if flags.Changed("engines") {
		cfg.Worker.Engines = o.NumEngines
	}
	if flags.Changed("anti-spoof") {
		cfg.Biometric.AntiSpoof = o.AntiSpoof
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.LogLevel
	}
}

// skipDimCheck marks commands that must run against a database whose stored
// embeddings no longer fit the configured model.
const skipDimCheck = "skip-dim-check"

// newApp wires the backend, the worker pool and the services. Workers are
// spawned lazily, so commands that never touch a capture never start Python.
func newApp(ctx context.Context, cfg config.Config, checkDim bool) (*App, error) {
	logger := logging.New(cfg.Logging)

	db, err := openBackend(ctx, cfg.Database, cfg.Biometric.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if checkDim {
		if err := db.CheckDimension(ctx, cfg.Biometric.EmbeddingDim); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("%w (run 'votegate reset --db' after switching models)", err)
		}
	}

	pool, err := worker.NewPool(cfg.Worker.Engines, cfg.Biometric.EmbeddingDim, spawner(cfg.Worker, cfg.Biometric.EmbeddingDim), logger)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, DB: db, Workers: pool}
	if err := a.build(pool); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ex pipeline.Extractor) error {
	cfg := a.Config

	var livenessOpts []liveness.Option
	livenessOpts = append(livenessOpts, liveness.WithLogger(a.Logger))
	if cfg.Biometric.AntiSpoof && a.Workers != nil {
		livenessOpts = append(livenessOpts, liveness.WithClassifier(a.Workers))
	}
	detector, err := liveness.New(cfg.Biometric.SharpnessFloor, livenessOpts...)
	if err != nil {
		return err
	}

	m, err := matcher.New(cfg.Biometric.Metric, cfg.Biometric.MatchThreshold)
	if err != nil {
		return err
	}

	a.Limiter, err = limiter.New(a.DB, cfg.Limiter.MaxFailures, cfg.Limiter.LockoutDuration)
	if err != nil {
		return err
	}
	a.Ledger = ledger.New(a.DB)
	a.Elections = election.New(a.DB)

	a.Pipeline, err = pipeline.New(pipeline.Deps{
		Store:        a.DB,
		Extractor:    ex,
		Liveness:     detector,
		Matcher:      m,
		Limiter:      a.Limiter,
		Ledger:       a.Ledger,
		EmbeddingDim: cfg.Biometric.EmbeddingDim,
		Logger:       a.Logger,
	})
	return err
}

// Close stops the workers and releases the database.
func (a *App) Close(ctx context.Context) {
	if a.Workers != nil {
		a.Workers.Close()
	}
	if a.DB != nil {
		a.DB.Close(ctx)
	}
}

func spawner(cfg config.WorkerConfig, dim int) worker.Spawner {
	return func(id int) (*worker.PythonWorker, error) {
		w, err := worker.NewPythonWorker(id, cfg.Python, cfg.Script, dim)
		if err != nil {
			return nil, err
		}
		w.Timeout = cfg.ReadTimeout
		return w, nil
	}
}
