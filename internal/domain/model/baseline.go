package model

// BaselineStatus distinguishes "not enough data" from "no drift".
type BaselineStatus string

// Baseline statuses.
const (
	StatusInsufficientHistory BaselineStatus = "insufficient_history"
	StatusStable              BaselineStatus = "stable"
	StatusDrift               BaselineStatus = "drift"
)

// Point is one admitted score inside a baseline window.
type Point struct {
	EntryID string  `json:"entry_id"`
	Date    Date    `json:"entry_date"`
	Seq     int64   `json:"seq"`
	Score   float64 `json:"score"`
}

// Less orders points by entry date, then by submission order.
func (p Point) Less(o Point) bool {
	if c := p.Date.Compare(o.Date); c != 0 {
		return c < 0
	}
	return p.Seq < o.Seq
}

// BaselineState is a user's rolling baseline over quality-passing scores.
// Baseline, Recent and Deviation are zero while the status is
// StatusInsufficientHistory.
type BaselineState struct {
	UserID    string         `json:"user_id"`
	Window    []Point        `json:"window"`
	Baseline  float64        `json:"baseline_value"`
	Recent    float64        `json:"recent_value"`
	Deviation float64        `json:"deviation"`
	RunLength int            `json:"run_length"`
	DriftFlag bool           `json:"drift_flag"`
	Status    BaselineStatus `json:"status"`
}
