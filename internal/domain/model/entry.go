// Package model contains domain models passed between layers.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntryType identifies which assessment an entry belongs to.
type EntryType string

// Supported entry types.
const (
	EntryRapidEvaluation EntryType = "rapid_evaluation"
	EntryDailyCheckin    EntryType = "daily_checkin"
	EntryJournal         EntryType = "journal"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryRapidEvaluation, EntryDailyCheckin, EntryJournal:
		return true
	}
	return false
}

// Entry represents one submitted assessment. Entries are immutable once
// scored; a correction is stored as a new entry.
type Entry struct {
	ID              string    `json:"entry_id"`
	UserID          string    `json:"user_id"`
	Type            EntryType `json:"entry_type"`
	Date            Date      `json:"entry_date"`
	Answers         Answers   `json:"answers"`
	SubmittedAt     time.Time `json:"submitted_at"`
	Seq             int64     `json:"seq"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
}

// Answers maps question keys to answer values.
type Answers map[string]Answer

// AnswerKind is the JSON shape of an answer value.
type AnswerKind int

// Answer kinds.
const (
	AnswerNumber AnswerKind = iota + 1
	AnswerBool
	AnswerText
)

func (k AnswerKind) String() string {
	switch k {
	case AnswerNumber:
		return "number"
	case AnswerBool:
		return "boolean"
	case AnswerText:
		return "text"
	}
	return "unknown"
}

// ErrNullAnswer is returned when an answer value is JSON null.
var ErrNullAnswer = errors.New("answer value must not be null")

// Answer holds a single numeric, boolean or text value.
type Answer struct {
	kind AnswerKind
	num  float64
	flag bool
	text string
}

// Number builds a numeric answer.
func Number(v float64) Answer { return Answer{kind: AnswerNumber, num: v} }

// Bool builds a boolean answer.
func Bool(v bool) Answer { return Answer{kind: AnswerBool, flag: v} }

// Text builds a free-text (or choice) answer.
func Text(v string) Answer { return Answer{kind: AnswerText, text: v} }

// Kind returns the answer's value kind.
func (a Answer) Kind() AnswerKind { return a.kind }

// Float returns the numeric value and whether the answer is numeric.
func (a Answer) Float() (float64, bool) { return a.num, a.kind == AnswerNumber }

// BoolValue returns the boolean value and whether the answer is boolean.
func (a Answer) BoolValue() (bool, bool) { return a.flag, a.kind == AnswerBool }

// TextValue returns the text value and whether the answer is text.
func (a Answer) TextValue() (string, bool) { return a.text, a.kind == AnswerText }

// IsBlank reports whether the answer carries no usable content.
func (a Answer) IsBlank() bool {
	switch a.kind {
	case AnswerNumber, AnswerBool:
		return false
	case AnswerText:
		return strings.TrimSpace(a.text) == ""
	}
	return true
}

// Canonical renders the answer in the normalized form used for duplicate
// comparison: numbers without trailing zeros, text lower-cased with
// whitespace collapsed.
func (a Answer) Canonical() string {
	switch a.kind {
	case AnswerNumber:
		return "n:" + strconv.FormatFloat(a.num, 'f', -1, 64)
	case AnswerBool:
		return "b:" + strconv.FormatBool(a.flag)
	case AnswerText:
		return "t:" + NormalizeText(a.text)
	}
	return ""
}

// MarshalJSON encodes the answer as a bare JSON number, boolean or string.
func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case AnswerNumber:
		return json.Marshal(a.num)
	case AnswerBool:
		return json.Marshal(a.flag)
	case AnswerText:
		return json.Marshal(a.text)
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes a bare JSON number, boolean or string.
func (a *Answer) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	switch v := raw.(type) {
	case float64:
		*a = Number(v)
	case bool:
		*a = Bool(v)
	case string:
		*a = Text(v)
	case nil:
		return ErrNullAnswer
	default:
		return fmt.Errorf("unsupported answer value %s", string(data))
	}
	return nil
}

// NormalizeText lower-cases s, trims it and collapses internal whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Texts returns the free-text answers of the entry keyed by question.
func (e Entry) Texts() map[string]string {
	out := make(map[string]string)
	for key, a := range e.Answers {
		if s, ok := a.TextValue(); ok {
			out[key] = s
		}
	}
	return out
}
