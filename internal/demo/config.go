// Package demo drives a running mindtriage server with synthetic users: a
// stable stretch of daily check-ins followed by a shifted one, so baseline
// drift, quality failures and crisis handling can be watched end to end.
package demo

import (
	"errors"
	"runtime"
	"time"
)

// Config holds the demo parameters.
type Config struct {
	BaseURL string        // Base URL of the service
	Users   int           // Number of synthetic users
	Days    int           // Days of history per user, ending today
	Workers int           // Concurrent users in flight
	Timeout time.Duration // HTTP request timeout
	Seed    uint64        // Seed for the answer generator
	// ShiftAt is the fraction of Days after which answers worsen.
	ShiftAt float64
	// CrisisEvery makes every n-th user write one alarming journal entry;
	// zero disables it.
	CrisisEvery int
	Verbose     bool
}

// Defaults.
const (
	DefaultBaseURL     = "http://localhost:9080"
	DefaultUsers       = 10
	DefaultDays        = 21
	DefaultTimeout     = 10 * time.Second
	DefaultShiftAt     = 0.6
	DefaultCrisisEvery = 5
)

// ErrInvalidConfig reports unusable demo parameters.
var ErrInvalidConfig = errors.New("invalid demo config")

// NewConfig returns a Config with defaults applied.
func NewConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		Users:       DefaultUsers,
		Days:        DefaultDays,
		Workers:     runtime.NumCPU(),
		Timeout:     DefaultTimeout,
		Seed:        1,
		ShiftAt:     DefaultShiftAt,
		CrisisEvery: DefaultCrisisEvery,
	}
}

func (c *Config) validate() error {
	switch {
	case c.BaseURL == "":
		return errors.Join(ErrInvalidConfig, errors.New("base url is required"))
	case c.Users < 1:
		return errors.Join(ErrInvalidConfig, errors.New("users must be positive"))
	case c.Days < 1:
		return errors.Join(ErrInvalidConfig, errors.New("days must be positive"))
	case c.ShiftAt < 0 || c.ShiftAt > 1:
		return errors.Join(ErrInvalidConfig, errors.New("shift must be within [0, 1]"))
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return nil
}

// Summary is what a demo run observed.
type Summary struct {
	Users           int
	Submitted       int
	Accepted        int
	Rejected        int
	Failed          int
	QualityFailures int
	Admitted        int
	Crises          int
	DriftsFlagged   int
	Duration        time.Duration
}
