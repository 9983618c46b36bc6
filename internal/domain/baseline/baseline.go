// Package baseline maintains per-user rolling baselines of quality-passing
// risk scores and flags sustained drift away from them.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/okian/mindtriage/internal/domain/model"
)

// ErrNotAdmissible is returned when a quality-failing score is offered to
// the detector.
var ErrNotAdmissible = errors.New("quality-failing score is not admissible")

// Config holds the window and drift thresholds.
type Config struct {
	// WindowSize is the number of most recent admitted scores considered.
	WindowSize int `koanf:"window_size"`
	// RecentCount is the number of newest window points compared against
	// the baseline formed by the rest.
	RecentCount int `koanf:"recent_count"`
	// MinBaseline is the minimum number of points forming the baseline.
	MinBaseline int `koanf:"min_baseline"`
	// DriftThreshold is the deviation from baseline that counts as drift.
	DriftThreshold float64 `koanf:"drift_threshold"`
	// MinRunLength is the number of consecutive deviating points required.
	MinRunLength int `koanf:"min_run_length"`
	// HistoryLimit caps the admitted points kept per user so backdated
	// entries can be placed among older ones.
	HistoryLimit int `koanf:"history_limit"`
}

// DefaultConfig returns a 14-point window with a 3-point recent run.
func DefaultConfig() Config {
	return Config{
		WindowSize:     14,
		RecentCount:    3,
		MinBaseline:    5,
		DriftThreshold: 15,
		MinRunLength:   3,
		HistoryLimit:   56,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch {
	case c.RecentCount < 1:
		return errors.New("recent_count must be at least 1")
	case c.MinBaseline < 1:
		return errors.New("min_baseline must be at least 1")
	case c.WindowSize < c.MinBaseline+c.RecentCount:
		return fmt.Errorf("window_size %d must be at least min_baseline+recent_count (%d)",
			c.WindowSize, c.MinBaseline+c.RecentCount)
	case c.MinRunLength < 1 || c.MinRunLength > c.RecentCount:
		return fmt.Errorf("min_run_length must be between 1 and recent_count (%d)", c.RecentCount)
	case c.DriftThreshold <= 0:
		return errors.New("drift_threshold must be positive")
	case c.HistoryLimit < c.WindowSize:
		return errors.New("history_limit must be at least window_size")
	}
	return nil
}

// Admission is one score offered to the detector.
type Admission struct {
	UserID  string
	EntryID string
	Date    model.Date
	Seq     int64
	Score   float64
	Passed  bool
}

// Detector maintains baseline state per user.
type Detector interface {
	// Admit adds a quality-passing score and recomputes the user's state.
	// Failing admissions return ErrNotAdmissible and change nothing.
	Admit(ctx context.Context, a Admission) (model.BaselineState, error)
	// Seed replaces a user's history, typically from persistence.
	Seed(ctx context.Context, userID string, points []model.Point) model.BaselineState
	// State returns the user's current state.
	State(ctx context.Context, userID string) model.BaselineState
	// Seeded reports whether the user has been seeded or admitted to.
	Seeded(userID string) bool
}

type userState struct {
	mu      sync.Mutex
	history []model.Point
	state   model.BaselineState
	seeded  bool
}

// WindowDetector implements Detector in memory with one lock per user.
type WindowDetector struct {
	cfg   Config
	mu    sync.Mutex
	users map[string]*userState
}

// NewDetector creates a detector. cfg must be valid.
func NewDetector(cfg Config) *WindowDetector {
	return &WindowDetector{cfg: cfg, users: make(map[string]*userState)}
}

func (d *WindowDetector) user(userID string) *userState {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		u = &userState{state: Compute(d.cfg, userID, nil)}
		d.users[userID] = u
	}
	return u
}

// Admit places the score in date order, then recomputes the whole window.
func (d *WindowDetector) Admit(_ context.Context, a Admission) (model.BaselineState, error) {
	u := d.user(a.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if !a.Passed {
		return cloneState(u.state), ErrNotAdmissible
	}

	p := model.Point{EntryID: a.EntryID, Date: a.Date, Seq: a.Seq, Score: a.Score}
	replaced := false
	for i := range u.history {
		if a.EntryID != "" && u.history[i].EntryID == a.EntryID {
			u.history[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		u.history = append(u.history, p)
	}
	u.history = d.trim(u.history)
	u.seeded = true
	u.state = Compute(d.cfg, a.UserID, u.history)
	return cloneState(u.state), nil
}

// Seed replaces the user's history with points.
func (d *WindowDetector) Seed(_ context.Context, userID string, points []model.Point) model.BaselineState {
	u := d.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	u.history = d.trim(append([]model.Point(nil), points...))
	u.seeded = true
	u.state = Compute(d.cfg, userID, u.history)
	return cloneState(u.state)
}

// State returns a copy of the user's current state.
func (d *WindowDetector) State(_ context.Context, userID string) model.BaselineState {
	u := d.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return cloneState(u.state)
}

// Seeded reports whether the user's history is loaded.
func (d *WindowDetector) Seeded(userID string) bool {
	u := d.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.seeded
}

// trim sorts points by (date, seq) and keeps the newest HistoryLimit.
func (d *WindowDetector) trim(points []model.Point) []model.Point {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Less(points[j]) })
	if limit := d.cfg.HistoryLimit; limit > 0 && len(points) > limit {
		points = append([]model.Point(nil), points[len(points)-limit:]...)
	}
	return points
}

// Compute derives the baseline state from a user's date-ordered history.
// It is a pure function so the state can be rebuilt from persistence.
func Compute(cfg Config, userID string, history []model.Point) model.BaselineState {
	start := 0
	if len(history) > cfg.WindowSize {
		start = len(history) - cfg.WindowSize
	}
	window := append([]model.Point{}, history[start:]...)
	st := model.BaselineState{
		UserID: userID,
		Window: window,
		Status: model.StatusInsufficientHistory,
	}
	if len(window) < cfg.MinBaseline+cfg.RecentCount {
		return st
	}

	split := len(window) - cfg.RecentCount
	established := make([]float64, 0, split)
	for _, p := range window[:split] {
		established = append(established, p.Score)
	}
	base := median(established)

	var sum float64
	for _, p := range window[split:] {
		sum += p.Score
	}
	recent := sum / float64(cfg.RecentCount)
	deviation := recent - base

	run := 0
	newest := window[len(window)-1].Score - base
	if math.Abs(newest) > cfg.DriftThreshold {
		for i := len(window) - 1; i >= 0; i-- {
			diff := window[i].Score - base
			if math.Abs(diff) <= cfg.DriftThreshold || math.Signbit(diff) != math.Signbit(newest) {
				break
			}
			run++
		}
	}

	st.Baseline = round2(base)
	st.Recent = round2(recent)
	st.Deviation = round2(deviation)
	st.RunLength = run
	st.DriftFlag = math.Abs(deviation) > cfg.DriftThreshold && run >= cfg.MinRunLength
	st.Status = model.StatusStable
	if st.DriftFlag {
		st.Status = model.StatusDrift
	}
	return st
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func cloneState(s model.BaselineState) model.BaselineState {
	s.Window = append([]model.Point{}, s.Window...)
	return s
}
