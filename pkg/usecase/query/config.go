package query

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
)

// Config tunes the query pipeline
type Config struct {
	// MaxSteps bounds the total number of executed sub-queries
	MaxSteps int
	// Workers bounds concurrent sub-queries within one stage
	Workers int
	// StepTimeout bounds a single backend call
	StepTimeout time.Duration
	// QueryTimeout bounds the whole pipeline run. On expiry the
	// degraded answer built from completed steps is returned.
	QueryTimeout time.Duration
	// MaxAdaptationRounds bounds plan adaptation
	MaxAdaptationRounds int
	// SufficientResults and SufficientTopScore decide whether a
	// completed stage needs follow-up queries
	SufficientResults  int
	SufficientTopScore float64
	// ContextSize caps the accumulated context carried across steps
	ContextSize int
	// CostMultiplier scales per-node cost estimates, e.g. for a large
	// corpus
	CostMultiplier float64
}

// DefaultConfig returns the default pipeline tuning
func DefaultConfig() Config {
	return Config{
		MaxSteps:            10,
		Workers:             4,
		StepTimeout:         5 * time.Second,
		QueryTimeout:        30 * time.Second,
		MaxAdaptationRounds: 2,
		SufficientResults:   3,
		SufficientTopScore:  0.5,
		ContextSize:         5000,
		CostMultiplier:      1.0,
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.MaxSteps <= 0 {
		return goerr.Wrap(model.ErrConfiguration, "max steps must be positive", goerr.V("max_steps", c.MaxSteps))
	}
	if c.Workers <= 0 {
		return goerr.Wrap(model.ErrConfiguration, "workers must be positive", goerr.V("workers", c.Workers))
	}
	if c.StepTimeout <= 0 {
		return goerr.Wrap(model.ErrConfiguration, "step timeout must be positive", goerr.V("step_timeout", c.StepTimeout))
	}
	if c.QueryTimeout <= 0 {
		return goerr.Wrap(model.ErrConfiguration, "query timeout must be positive", goerr.V("query_timeout", c.QueryTimeout))
	}
	if c.MaxAdaptationRounds < 0 {
		return goerr.Wrap(model.ErrConfiguration, "max adaptation rounds must not be negative", goerr.V("max_adaptation_rounds", c.MaxAdaptationRounds))
	}
	if c.SufficientResults < 0 {
		return goerr.Wrap(model.ErrConfiguration, "sufficient results must not be negative", goerr.V("sufficient_results", c.SufficientResults))
	}
	if c.SufficientTopScore < 0 || c.SufficientTopScore > 1 {
		return goerr.Wrap(model.ErrConfiguration, "sufficient top score must be within [0, 1]", goerr.V("sufficient_top_score", c.SufficientTopScore))
	}
	if c.ContextSize <= 0 {
		return goerr.Wrap(model.ErrConfiguration, "context size must be positive", goerr.V("context_size", c.ContextSize))
	}
	if c.CostMultiplier <= 0 {
		return goerr.Wrap(model.ErrConfiguration, "cost multiplier must be positive", goerr.V("cost_multiplier", c.CostMultiplier))
	}
	return nil
}
