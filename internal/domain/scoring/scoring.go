// Package scoring computes bounded risk scores and their explanation signals
// from rapid evaluations and daily check-ins.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
)

// Score range and defaults.
const (
	minScoreValue         = 0
	maxScoreValue         = 100
	defaultNoiseThreshold = 1.0
	scalePivot            = 0.5
)

// ErrNotScorable is returned for entry types without a weight table.
var ErrNotScorable = errors.New("entry type is not scored")

// Weight maps one question onto a signed contribution:
// Weight * (severity - Pivot), where severity runs from 0 (best) to 1 (worst).
type Weight struct {
	Weight float64 `koanf:"weight"`
	Pivot  float64 `koanf:"pivot"`
}

// Table is the scoring frame of one entry type.
type Table struct {
	Base    float64           `koanf:"base"`
	Weights map[string]Weight `koanf:"weights"`
}

// Bands holds the lower edge of each level above low.
type Bands struct {
	Moderate float64 `koanf:"moderate"`
	Elevated float64 `koanf:"elevated"`
	High     float64 `koanf:"high"`
}

// Level returns the band a value falls into. Lower edges are inclusive.
func (b Bands) Level(v float64) model.Level {
	switch {
	case v >= b.High:
		return model.LevelHigh
	case v >= b.Elevated:
		return model.LevelElevated
	case v >= b.Moderate:
		return model.LevelModerate
	default:
		return model.LevelLow
	}
}

// Validate checks that the bands are increasing and inside the score range.
func (b Bands) Validate() error {
	if !(minScoreValue < b.Moderate && b.Moderate < b.Elevated && b.Elevated < b.High && b.High <= maxScoreValue) {
		return fmt.Errorf("bands must satisfy 0 < moderate < elevated < high <= 100, got %+v", b)
	}
	return nil
}

// DefaultBands returns low 0-24, moderate 25-49, elevated 50-74, high 75-100.
func DefaultBands() Bands {
	return Bands{Moderate: 25, Elevated: 50, High: 75}
}

func signed(w float64) Weight { return Weight{Weight: w, Pivot: scalePivot} }
func additive(w float64) Weight { return Weight{Weight: w} }

// DefaultWeights returns the weight tables of the rapid and daily variants.
// Rotating daily questions carry secondary weights; questions absent from
// a table contribute nothing.
func DefaultWeights() map[model.EntryType]Table {
	return map[model.EntryType]Table{
		model.EntryDailyCheckin: {
			Base: 30,
			Weights: map[string]Weight{
				catalog.KeyDailyMood:       signed(20),
				catalog.KeyDailyAnxiety:    signed(15),
				catalog.KeyDailySleepHours: signed(10),
				catalog.KeyDailyEnergy:     signed(10),
				catalog.KeyDailyStress:     signed(15),
				catalog.KeyDailyFocus:      signed(10),
				catalog.KeyDailyHopeless:   signed(6),
				catalog.KeyDailyOverwhelm:  signed(4),
				catalog.KeyDailyIrritable:  signed(2),
				catalog.KeyDailyAppetite:   signed(2),
				catalog.KeyDailyMotivation: signed(2),
				catalog.KeyDailyConfidence: signed(2),
				catalog.KeyDailyIsolation:  additive(3),
				catalog.KeyDailySupport:    additive(2),
			},
		},
		model.EntryRapidEvaluation: {
			Base: 20,
			Weights: map[string]Weight{
				catalog.KeyRapidMood:      signed(25),
				catalog.KeyRapidAnxiety:   signed(20),
				catalog.KeyRapidHopeless:  additive(20),
				catalog.KeyRapidIsolation: additive(10),
				catalog.KeyRapidSleep:     additive(8),
				catalog.KeyRapidAppetite:  additive(6),
				catalog.KeyRapidSupport:   additive(8),
				catalog.KeyRapidSubstance: additive(8),
				catalog.KeyRapidSelfHarm:  additive(35),
				catalog.KeyRapidPlan:      additive(50),
			},
		},
	}
}

// Scorer computes a risk score from an entry's answers.
type Scorer interface {
	// Score is a pure function of entry.Type and entry.Answers.
	Score(entry model.Entry) (model.RiskScore, error)
}

// Option applies a configuration option to the TableScorer.
type Option func(*TableScorer)

// WithWeights replaces the weight tables. The maps are copied.
func WithWeights(tables map[model.EntryType]Table) Option {
	return func(s *TableScorer) {
		s.tables = copyTables(tables)
	}
}

// WithBands sets the level thresholds.
func WithBands(b Bands) Option {
	return func(s *TableScorer) {
		s.bands = b
	}
}

// WithNoiseThreshold sets the minimum contribution magnitude reported as a
// signal.
func WithNoiseThreshold(t float64) Option {
	return func(s *TableScorer) {
		if t >= 0 {
			s.noise = t
		}
	}
}

// TableScorer implements Scorer with fixed per-question weight tables.
type TableScorer struct {
	catalog *catalog.Catalog
	tables  map[model.EntryType]Table
	bands   Bands
	noise   float64
}

// NewScorer creates a scorer over the given catalog.
func NewScorer(c *catalog.Catalog, opts ...Option) *TableScorer {
	s := &TableScorer{
		catalog: c,
		tables:  DefaultWeights(),
		bands:   DefaultBands(),
		noise:   defaultNoiseThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score sums each answered question's contribution onto the table base and
// clamps the result to 0-100. Unanswered questions contribute zero.
func (s *TableScorer) Score(entry model.Entry) (model.RiskScore, error) {
	table, ok := s.tables[entry.Type]
	if !ok {
		return model.RiskScore{}, fmt.Errorf("%w: %s", ErrNotScorable, entry.Type)
	}

	// Sum in key order so floating-point rounding is identical across calls.
	keys := make([]string, 0, len(entry.Answers))
	for key := range entry.Answers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	total := table.Base
	signals := make([]model.Signal, 0, len(keys))
	for _, key := range keys {
		a := entry.Answers[key]
		w, ok := table.Weights[key]
		if !ok || w.Weight == 0 {
			continue
		}
		q, ok := s.catalog.Lookup(entry.Type, key)
		if !ok {
			continue
		}
		f, ok := q.Severity(a)
		if !ok {
			continue
		}
		c := w.Weight * (f - w.Pivot)
		total += c
		if math.Abs(c) > s.noise {
			signals = append(signals, model.Signal{QuestionKey: key, Label: q.Label, Contribution: round2(c)})
		}
	}
	sort.Slice(signals, func(i, j int) bool {
		ai, aj := math.Abs(signals[i].Contribution), math.Abs(signals[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return signals[i].QuestionKey < signals[j].QuestionKey
	})

	value := round2(math.Max(minScoreValue, math.Min(maxScoreValue, total)))
	return model.RiskScore{
		Value:   value,
		Level:   s.bands.Level(value),
		Signals: signals,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func copyTables(in map[model.EntryType]Table) map[model.EntryType]Table {
	out := make(map[model.EntryType]Table, len(in))
	for t, table := range in {
		weights := make(map[string]Weight, len(table.Weights))
		for k, w := range table.Weights {
			weights[k] = w
		}
		out[t] = Table{Base: table.Base, Weights: weights}
	}
	return out
}
