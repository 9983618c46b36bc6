// Package repository persists entries, baselines and the crisis event log.
package repository

import (
	"context"
	"time"

	"github.com/okian/mindtriage/internal/domain/model"
)

// Filter narrows ListEntries. Zero values do not filter.
type Filter struct {
	Type model.EntryType
	// Since keeps entries dated on or after this date.
	Since model.Date
	// SubmittedAfter keeps entries submitted strictly after this instant.
	SubmittedAfter time.Time
	// Limit keeps the most recent Limit entries; 0 keeps all.
	Limit int
}

// Match reports whether rec passes the filter, ignoring Limit.
func (f Filter) Match(rec model.Record) bool {
	if f.Type != "" && rec.Entry.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && rec.Entry.Date.Before(f.Since) {
		return false
	}
	if !f.SubmittedAfter.IsZero() && !rec.Entry.SubmittedAt.After(f.SubmittedAfter) {
		return false
	}
	return true
}

// Store defines the persistence contract of the service.
//
// Records are immutable once saved. Lists of entries are ordered by entry
// date then submission sequence; crisis events are returned in chain order.
type Store interface {
	// SaveEntry stores a triaged entry. ErrAlreadyExists if the id is taken.
	SaveEntry(ctx context.Context, rec model.Record) error
	// GetEntry returns the record of one entry or ErrNotFound.
	GetEntry(ctx context.Context, entryID string) (model.Record, error)
	// PreviousEntry returns the user's latest entry of type t submitted before
	// seq, or ErrNotFound.
	PreviousEntry(ctx context.Context, userID string, t model.EntryType, beforeSeq int64) (model.Entry, error)
	// ListEntries returns the user's records matching f.
	ListEntries(ctx context.Context, userID string, f Filter) ([]model.Record, error)
	// History returns the points admitted into the user's baseline.
	History(ctx context.Context, userID string) ([]model.Point, error)

	SaveBaseline(ctx context.Context, st model.BaselineState) error
	// GetBaseline returns the last saved state or ErrNotFound.
	GetBaseline(ctx context.Context, userID string) (model.BaselineState, error)

	// AppendCrisisEvent links ev to the current chain head, seals it and
	// stores it atomically. The sealed event is returned.
	AppendCrisisEvent(ctx context.Context, ev model.CrisisEvent) (model.CrisisEvent, error)
	// ListCrisisEvents returns the events of one user, or all events when
	// userID is empty.
	ListCrisisEvents(ctx context.Context, userID string) ([]model.CrisisEvent, error)
	// LastCrisisEvent returns the chain head or ErrNotFound.
	LastCrisisEvent(ctx context.Context) (model.CrisisEvent, error)

	// ListUsers returns every user with at least one entry, sorted.
	ListUsers(ctx context.Context) ([]string, error)
	// NextSeq returns a new, strictly increasing submission sequence number.
	NextSeq(ctx context.Context) (int64, error)
	// Counts returns the number of stored entries, users and crisis events.
	Counts(ctx context.Context) (Counts, error)

	Ping(ctx context.Context) error
	Close() error
}

// Counts summarizes the size of a store.
type Counts struct {
	Entries      int `json:"entries"`
	Users        int `json:"users"`
	CrisisEvents int `json:"crisis_events"`
}

// HistoryPoint converts an admitted record into a baseline point.
func HistoryPoint(rec model.Record) (model.Point, bool) {
	if !rec.Admitted || rec.Score == nil {
		return model.Point{}, false
	}
	return model.Point{
		EntryID: rec.Entry.ID,
		Date:    rec.Entry.Date,
		Seq:     rec.Entry.Seq,
		Score:   rec.Score.Value,
	}, true
}

// Tail keeps the last n records; n <= 0 keeps all.
func Tail(recs []model.Record, n int) []model.Record {
	if n <= 0 || len(recs) <= n {
		return recs
	}
	return recs[len(recs)-n:]
}
