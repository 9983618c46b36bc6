// Package triage runs the guardrail, quality gate, scorer and drift detector
// over one entry in the fixed order the service relies on.
package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/mindtriage/internal/domain/baseline"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/guardrail"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/internal/domain/quality"
	"github.com/okian/mindtriage/internal/domain/scoring"
)

// RotationConfig controls the daily rotating questions.
type RotationConfig struct {
	CycleLength int    `koanf:"cycle_length"`
	PerDay      int    `koanf:"per_day"`
	Salt        string `koanf:"salt"`
}

// Config is the immutable configuration of the engine.
type Config struct {
	Weights        map[model.EntryType]scoring.Table `koanf:"weights"`
	Bands          scoring.Bands                     `koanf:"bands"`
	NoiseThreshold float64                           `koanf:"noise_threshold"`
	Quality        quality.Rules                     `koanf:"quality"`
	Baseline       baseline.Config                   `koanf:"baseline"`
	MaxSeverity    map[string]float64                `koanf:"max_severity"`
	Rotation       RotationConfig                    `koanf:"rotation"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Weights:        scoring.DefaultWeights(),
		Bands:          scoring.DefaultBands(),
		NoiseThreshold: 1.0,
		Quality:        quality.DefaultRules(),
		Baseline:       baseline.DefaultConfig(),
		MaxSeverity:    guardrail.DefaultMaxSeverity(),
		Rotation:       RotationConfig{CycleLength: 5, PerDay: 2, Salt: "mindtriage-rotation"},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Bands.Validate(); err != nil {
		return fmt.Errorf("engine bands: %w", err)
	}
	if err := c.Baseline.Validate(); err != nil {
		return fmt.Errorf("engine baseline: %w", err)
	}
	if c.NoiseThreshold < 0 {
		return errors.New("engine noise_threshold must not be negative")
	}
	if c.Rotation.CycleLength < 1 || c.Rotation.PerDay < 1 {
		return errors.New("engine rotation cycle_length and per_day must be positive")
	}
	for t := range c.Weights {
		if !t.Valid() {
			return fmt.Errorf("engine weights: unknown entry type %q", t)
		}
	}
	return nil
}

// Outcome is everything the engine computed for one entry.
type Outcome struct {
	Crisis       []model.TriggerReason
	Verdict      model.QualityVerdict
	Score        *model.RiskScore
	Baseline     model.BaselineState
	Admitted     bool
	DriftChanged bool
}

// Triggered reports whether the guardrail fired.
func (o Outcome) Triggered() bool { return len(o.Crisis) > 0 }

// Engine composes the core components.
type Engine struct {
	catalog   *catalog.Catalog
	guardrail guardrail.Guardrail
	gate      quality.Gate
	scorer    scoring.Scorer
	detector  baseline.Detector
}

// New builds an engine from cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cat := catalog.New(catalog.WithRotation(cfg.Rotation.CycleLength, cfg.Rotation.PerDay, cfg.Rotation.Salt))
	return &Engine{
		catalog:   cat,
		guardrail: guardrail.New(cat, guardrail.WithMaxSeverity(cfg.MaxSeverity)),
		gate:      quality.NewGate(cat, quality.WithRules(cfg.Quality)),
		scorer: scoring.NewScorer(cat,
			scoring.WithWeights(cfg.Weights),
			scoring.WithBands(cfg.Bands),
			scoring.WithNoiseThreshold(cfg.NoiseThreshold),
		),
		detector: baseline.NewDetector(cfg.Baseline),
	}, nil
}

// Catalog returns the question catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Detector returns the drift detector.
func (e *Engine) Detector() baseline.Detector { return e.detector }

// Screen runs only the crisis guardrail, for entries that are refused
// before they can be processed.
func (e *Engine) Screen(entry model.Entry) []model.TriggerReason {
	return e.guardrail.Check(entry)
}

// Process evaluates entry. previous is the user's preceding entry of the same
// type, used for duplicate detection. The guardrail always runs; when the
// entry is invalid the returned outcome still carries its crisis reasons and
// the error matches model.ErrInvalidEntry.
func (e *Engine) Process(ctx context.Context, entry model.Entry, previous *model.Entry) (Outcome, error) {
	out := Outcome{Crisis: e.guardrail.Check(entry)}

	if err := e.catalog.Validate(entry); err != nil {
		return out, err
	}

	out.Verdict = e.gate.Evaluate(entry, previous)

	score, err := e.scorer.Score(entry)
	switch {
	case err == nil:
		out.Score = &score
	case errors.Is(err, scoring.ErrNotScorable):
	default:
		return out, fmt.Errorf("score entry: %w", err)
	}

	before := e.detector.State(ctx, entry.UserID)
	if out.Verdict.Passed && out.Score != nil {
		st, err := e.detector.Admit(ctx, baseline.Admission{
			UserID:  entry.UserID,
			EntryID: entry.ID,
			Date:    entry.Date,
			Seq:     entry.Seq,
			Score:   out.Score.Value,
			Passed:  true,
		})
		if err != nil {
			return out, fmt.Errorf("admit score: %w", err)
		}
		out.Baseline = st
		out.Admitted = true
	} else {
		out.Baseline = before
	}
	out.DriftChanged = before.DriftFlag != out.Baseline.DriftFlag
	return out, nil
}
