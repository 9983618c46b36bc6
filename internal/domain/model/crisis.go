package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the predecessor hash of the first crisis event in a log.
const GenesisHash = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// TriggerRule names the guardrail rule that fired.
type TriggerRule string

// Guardrail rules.
const (
	RuleMaxSeverity TriggerRule = "max_severity"
	RulePhrase      TriggerRule = "phrase"
)

// TriggerReason explains one guardrail trigger. Inconclusive is set when
// the rule could not be evaluated and fired as a precaution.
type TriggerReason struct {
	Rule         TriggerRule `json:"rule"`
	QuestionKey  string      `json:"question_key,omitempty"`
	Category     string      `json:"category,omitempty"`
	Detail       string      `json:"detail"`
	Inconclusive bool        `json:"inconclusive,omitempty"`
}

// CrisisEvent is an append-only safety record. Events form a hash chain:
// Hash covers every other field including PrevHash.
type CrisisEvent struct {
	ID        string          `json:"event_id"`
	EntryID   string          `json:"entry_id"`
	UserID    string          `json:"user_id"`
	EntryType EntryType       `json:"entry_type"`
	EntryDate Date            `json:"entry_date"`
	Reasons   []TriggerReason `json:"trigger_reasons"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// ComputeHash returns the chain hash of the event.
func (e CrisisEvent) ComputeHash() string {
	payload := struct {
		ID        string          `json:"event_id"`
		EntryID   string          `json:"entry_id"`
		UserID    string          `json:"user_id"`
		EntryType EntryType       `json:"entry_type"`
		EntryDate string          `json:"entry_date"`
		Reasons   []TriggerReason `json:"trigger_reasons"`
		Timestamp string          `json:"timestamp"`
		PrevHash  string          `json:"prev_hash"`
	}{
		ID:        e.ID,
		EntryID:   e.EntryID,
		UserID:    e.UserID,
		EntryType: e.EntryType,
		EntryDate: e.EntryDate.String(),
		Reasons:   e.Reasons,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:  e.PrevHash,
	}
	// Marshalling a struct of strings and slices of plain structs cannot fail.
	data, _ := json.Marshal(payload) //nolint:errchkjson // static shape
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seal links the event to prev and sets its hash.
func (e *CrisisEvent) Seal(prevHash string) {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	e.PrevHash = prevHash
	e.Hash = e.ComputeHash()
}

// ChainError describes where a crisis log stops verifying.
type ChainError struct {
	Index    int
	EventID  string
	Expected string
	Actual   string
	Type     string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("crisis log %s at event %d (%s): expected %s, got %s",
		e.Type, e.Index, e.EventID, e.Expected, e.Actual)
}

// VerifyChain checks that events, in append order, form an unbroken chain
// starting at GenesisHash.
func VerifyChain(events []CrisisEvent) error {
	expectedPrev := GenesisHash
	for i, ev := range events {
		if ev.PrevHash != expectedPrev {
			return &ChainError{Index: i, EventID: ev.ID, Expected: expectedPrev, Actual: ev.PrevHash, Type: "chain_broken"}
		}
		if h := ev.ComputeHash(); ev.Hash != h {
			return &ChainError{Index: i, EventID: ev.ID, Expected: h, Actual: ev.Hash, Type: "hash_mismatch"}
		}
		expectedPrev = ev.Hash
	}
	return nil
}
