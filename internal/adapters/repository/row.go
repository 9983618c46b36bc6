package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/okian/mindtriage/internal/domain/model"
)

// EntryRow is the flattened, SQL-friendly form of a model.Record shared by
// the database-backed stores. JSON columns hold the nested values.
type EntryRow struct {
	EntryID        string
	UserID         string
	EntryType      string
	EntryDate      string
	Seq            int64
	SubmittedAt    time.Time
	Duration       *float64
	Answers        []byte
	QualityPassed  bool
	QualityReasons []byte
	Score          []byte
	Admitted       bool
}

// EncodeRecord flattens rec into a row.
func EncodeRecord(rec model.Record) (EntryRow, error) {
	answers, err := json.Marshal(rec.Entry.Answers)
	if err != nil {
		return EntryRow{}, fmt.Errorf("encode answers: %w", err)
	}
	reasons, err := json.Marshal(rec.Quality.Reasons)
	if err != nil {
		return EntryRow{}, fmt.Errorf("encode quality reasons: %w", err)
	}
	row := EntryRow{
		EntryID:        rec.Entry.ID,
		UserID:         rec.Entry.UserID,
		EntryType:      string(rec.Entry.Type),
		EntryDate:      rec.Entry.Date.String(),
		Seq:            rec.Entry.Seq,
		SubmittedAt:    rec.Entry.SubmittedAt.UTC(),
		Duration:       rec.Entry.DurationSeconds,
		Answers:        answers,
		QualityPassed:  rec.Quality.Passed,
		QualityReasons: reasons,
		Admitted:       rec.Admitted,
	}
	if rec.Score != nil {
		if row.Score, err = json.Marshal(rec.Score); err != nil {
			return EntryRow{}, fmt.Errorf("encode score: %w", err)
		}
	}
	return row, nil
}

// Record rebuilds the model.Record stored in the row.
func (r EntryRow) Record() (model.Record, error) {
	date, err := ParseStoredDate(r.EntryDate)
	if err != nil {
		return model.Record{}, err
	}
	rec := model.Record{
		Entry: model.Entry{
			ID:              r.EntryID,
			UserID:          r.UserID,
			Type:            model.EntryType(r.EntryType),
			Date:            date,
			Seq:             r.Seq,
			SubmittedAt:     r.SubmittedAt.UTC(),
			DurationSeconds: r.Duration,
		},
		Quality:  model.QualityVerdict{Passed: r.QualityPassed},
		Admitted: r.Admitted,
	}
	if err := json.Unmarshal(r.Answers, &rec.Entry.Answers); err != nil {
		return model.Record{}, fmt.Errorf("decode answers of %s: %w", r.EntryID, err)
	}
	if err := json.Unmarshal(r.QualityReasons, &rec.Quality.Reasons); err != nil {
		return model.Record{}, fmt.Errorf("decode quality reasons of %s: %w", r.EntryID, err)
	}
	if len(r.Score) > 0 {
		var sc model.RiskScore
		if err := json.Unmarshal(r.Score, &sc); err != nil {
			return model.Record{}, fmt.Errorf("decode score of %s: %w", r.EntryID, err)
		}
		rec.Score = &sc
	}
	return rec, nil
}

// EventRow is the flattened form of a model.CrisisEvent.
type EventRow struct {
	EventID    string
	EntryID    string
	UserID     string
	EntryType  string
	EntryDate  string
	Reasons    []byte
	OccurredAt time.Time
	PrevHash   string
	Hash       string
}

// EncodeEvent flattens ev into a row.
func EncodeEvent(ev model.CrisisEvent) (EventRow, error) {
	reasons, err := json.Marshal(ev.Reasons)
	if err != nil {
		return EventRow{}, fmt.Errorf("encode trigger reasons: %w", err)
	}
	return EventRow{
		EventID:    ev.ID,
		EntryID:    ev.EntryID,
		UserID:     ev.UserID,
		EntryType:  string(ev.EntryType),
		EntryDate:  ev.EntryDate.String(),
		Reasons:    reasons,
		OccurredAt: ev.Timestamp.UTC(),
		PrevHash:   ev.PrevHash,
		Hash:       ev.Hash,
	}, nil
}

// Event rebuilds the crisis event stored in the row.
func (r EventRow) Event() (model.CrisisEvent, error) {
	date, err := ParseStoredDate(r.EntryDate)
	if err != nil {
		return model.CrisisEvent{}, err
	}
	ev := model.CrisisEvent{
		ID:        r.EventID,
		EntryID:   r.EntryID,
		UserID:    r.UserID,
		EntryType: model.EntryType(r.EntryType),
		EntryDate: date,
		Timestamp: r.OccurredAt.UTC(),
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	}
	if err := json.Unmarshal(r.Reasons, &ev.Reasons); err != nil {
		return model.CrisisEvent{}, fmt.Errorf("decode trigger reasons of %s: %w", r.EventID, err)
	}
	return ev, nil
}

// ParseStoredDate parses a stored date; the empty string is the zero date.
func ParseStoredDate(s string) (model.Date, error) {
	if s == "" {
		return model.Date{}, nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return model.Date{}, fmt.Errorf("stored date %q: %w", s, err)
	}
	return d, nil
}

// EncodeBaseline serializes a baseline state for storage.
func EncodeBaseline(st model.BaselineState) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode baseline of %s: %w", st.UserID, err)
	}
	return data, nil
}

// DecodeBaseline restores a stored baseline state.
func DecodeBaseline(data []byte) (model.BaselineState, error) {
	var st model.BaselineState
	if err := json.Unmarshal(data, &st); err != nil {
		return model.BaselineState{}, fmt.Errorf("decode baseline: %w", err)
	}
	return st, nil
}
