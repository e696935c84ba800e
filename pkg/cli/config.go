package cli

import (
	"context"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/adapter"
	"github.com/m-mizutani/tsumugi/pkg/cache"
	"github.com/m-mizutani/tsumugi/pkg/policy"
	"github.com/m-mizutani/tsumugi/pkg/repository"
	"github.com/m-mizutani/tsumugi/pkg/usecase/content"
	"github.com/m-mizutani/tsumugi/pkg/usecase/query"
	"github.com/m-mizutani/tsumugi/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// config holds configuration values
type config struct {
	// Repository
	repo     string
	dbPath   string
	project  string
	database string

	// Adapters
	bucket         string
	geminiProject  string
	geminiLocation string

	// Policy and pipeline tuning
	policyDir  string
	configPath string

	logLevel string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repo",
			Aliases:     []string{"r"},
			Usage:       "Content store backend (memory, sqlite, firestore)",
			Value:       "sqlite",
			Sources:     cli.EnvVars("TSUMUGI_REPO"),
			Destination: &cfg.repo,
		},
		&cli.StringFlag{
			Name:        "db-path",
			Usage:       "SQLite database file path",
			Value:       "tsumugi.db",
			Sources:     cli.EnvVars("TSUMUGI_DB_PATH"),
			Destination: &cfg.dbPath,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for version payload archives",
			Sources:     cli.EnvVars("TSUMUGI_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory with Rego content policies",
			Sources:     cli.EnvVars("TSUMUGI_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "YAML file with query pipeline tuning",
			Sources:     cli.EnvVars("TSUMUGI_CONFIG"),
			Destination: &cfg.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("TSUMUGI_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// loggerContext installs the configured logger into the context
func (cfg *config) loggerContext(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// newStore creates the content store selected by --repo
func (cfg *config) newStore(ctx context.Context) (repository.ContentStore, error) {
	switch cfg.repo {
	case "memory":
		return repository.NewMemory(), nil

	case "sqlite":
		if cfg.dbPath == "" {
			return nil, goerr.New("db-path is required for the sqlite store")
		}
		return repository.NewSQLite(cfg.dbPath)

	case "firestore":
		if cfg.project == "" {
			return nil, goerr.New("project is required for the firestore store")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required for the firestore store")
		}
		return repository.NewFirestore(ctx, cfg.project, cfg.database)

	default:
		return nil, goerr.New("unknown repository backend", goerr.V("repo", cfg.repo))
	}
}

// newBackend creates the Gemini retrieval backend
func (cfg *config) newBackend(ctx context.Context) (adapter.Backend, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create gemini client")
	}
	return adapter.NewGeminiBackend(gemini), nil
}

// newPolicy loads content policies, if a policy directory is configured
func (cfg *config) newPolicy(ctx context.Context) (*policy.Validator, error) {
	if cfg.policyDir == "" {
		return nil, nil
	}
	return policy.New(ctx, cfg.policyDir)
}

// newArchive creates the optional version payload archive
func (cfg *config) newArchive(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, nil
	}

	archive, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return archive, nil
}

// newContentUseCase wires the content usecase with its configured
// dependencies. The returned cleanup closes the store.
func (cfg *config) newContentUseCase(ctx context.Context) (*content.UseCase, func(), error) {
	store, err := cfg.newStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	validator, err := cfg.newPolicy(ctx)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	archive, err := cfg.newArchive(ctx)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	uc, err := content.New(content.NewInput{
		Store:   store,
		Cache:   cache.NewTTL(),
		Archive: archive,
		Policy:  validator,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := store.Close(); err != nil {
			logging.Default().Warn("failed to close content store", "error", err)
		}
	}
	return uc, cleanup, nil
}

// tuningFile mirrors query.Config in YAML. Zero values keep defaults.
type tuningFile struct {
	MaxSteps            int      `yaml:"max_steps"`
	Workers             int      `yaml:"workers"`
	StepTimeout         string   `yaml:"step_timeout"`
	QueryTimeout        string   `yaml:"query_timeout"`
	MaxAdaptationRounds *int     `yaml:"max_adaptation_rounds"`
	SufficientResults   *int     `yaml:"sufficient_results"`
	SufficientTopScore  *float64 `yaml:"sufficient_top_score"`
	ContextSize         int      `yaml:"context_size"`
	CostMultiplier      float64  `yaml:"cost_multiplier"`
	CacheTTL            string   `yaml:"cache_ttl"`
	CacheMaxEntries     int      `yaml:"cache_max_entries"`
}

func (cfg *config) loadTuning() (*tuningFile, error) {
	if cfg.configPath == "" {
		return &tuningFile{}, nil
	}

	data, err := os.ReadFile(cfg.configPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", cfg.configPath))
	}

	var tuning tuningFile
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", cfg.configPath))
	}
	return &tuning, nil
}

// queryCache builds the pipeline cache, honoring cache tuning from the
// YAML file
func (cfg *config) queryCache() (cache.Provider, error) {
	tuning, err := cfg.loadTuning()
	if err != nil {
		return nil, err
	}

	var opts []cache.Option
	if tuning.CacheTTL != "" {
		ttl, err := time.ParseDuration(tuning.CacheTTL)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid cache_ttl", goerr.V("value", tuning.CacheTTL))
		}
		opts = append(opts, cache.WithTTL(ttl))
	}
	if tuning.CacheMaxEntries > 0 {
		opts = append(opts, cache.WithMaxEntries(tuning.CacheMaxEntries))
	}
	return cache.NewTTL(opts...), nil
}

// engineConfig builds the pipeline configuration, overlaying the YAML
// tuning file on the defaults when one is given
func (cfg *config) engineConfig() (query.Config, error) {
	engineCfg := query.DefaultConfig()

	tuning, err := cfg.loadTuning()
	if err != nil {
		return engineCfg, err
	}

	if tuning.MaxSteps > 0 {
		engineCfg.MaxSteps = tuning.MaxSteps
	}
	if tuning.Workers > 0 {
		engineCfg.Workers = tuning.Workers
	}
	if tuning.StepTimeout != "" {
		d, err := time.ParseDuration(tuning.StepTimeout)
		if err != nil {
			return engineCfg, goerr.Wrap(err, "invalid step_timeout", goerr.V("value", tuning.StepTimeout))
		}
		engineCfg.StepTimeout = d
	}
	if tuning.QueryTimeout != "" {
		d, err := time.ParseDuration(tuning.QueryTimeout)
		if err != nil {
			return engineCfg, goerr.Wrap(err, "invalid query_timeout", goerr.V("value", tuning.QueryTimeout))
		}
		engineCfg.QueryTimeout = d
	}
	if tuning.MaxAdaptationRounds != nil {
		engineCfg.MaxAdaptationRounds = *tuning.MaxAdaptationRounds
	}
	if tuning.SufficientResults != nil {
		engineCfg.SufficientResults = *tuning.SufficientResults
	}
	if tuning.SufficientTopScore != nil {
		engineCfg.SufficientTopScore = *tuning.SufficientTopScore
	}
	if tuning.ContextSize > 0 {
		engineCfg.ContextSize = tuning.ContextSize
	}
	if tuning.CostMultiplier > 0 {
		engineCfg.CostMultiplier = tuning.CostMultiplier
	}

	return engineCfg, nil
}
