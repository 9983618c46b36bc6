package model

// Reason names a quality issue found in an entry.
type Reason string

// Quality reasons.
const (
	ReasonTooShort             Reason = "too_short"
	ReasonLowWordCount         Reason = "low_word_count"
	ReasonRepeatedCharacters   Reason = "repeated_characters"
	ReasonKeyboardSmash        Reason = "keyboard_smash"
	ReasonRepeatedTokens       Reason = "repeated_tokens"
	ReasonFlatLine             Reason = "flat_line"
	ReasonPatternedAnswers     Reason = "patterned_answers"
	ReasonExtremeOnly          Reason = "extreme_only_answers"
	ReasonFailedAttentionCheck Reason = "failed_attention_check"
	ReasonTooFast              Reason = "too_fast"
	ReasonDuplicate            Reason = "duplicate"
	ReasonIncomplete           Reason = "incomplete"
)

// QualityVerdict is the quality judgment of a single entry.
type QualityVerdict struct {
	Passed  bool     `json:"passed"`
	Reasons []Reason `json:"reasons"`
}

// Has reports whether r is among the verdict's reasons.
func (v QualityVerdict) Has(r Reason) bool {
	for _, got := range v.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

// Level is the ordinal risk band of a score.
type Level string

// Risk levels, lowest first.
const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
)

// Signal is one question's contribution to a risk score. A positive
// contribution raised the score, a negative one lowered it.
type Signal struct {
	QuestionKey  string  `json:"question_key"`
	Label        string  `json:"label"`
	Contribution float64 `json:"contribution"`
}

// RiskScore is the bounded score computed from one entry's answers.
type RiskScore struct {
	Value   float64  `json:"value"`
	Level   Level    `json:"level"`
	Signals []Signal `json:"signals"`
}

// Record is an entry together with the cached results computed for it.
type Record struct {
	Entry    Entry          `json:"entry"`
	Quality  QualityVerdict `json:"quality"`
	Score    *RiskScore     `json:"score,omitempty"`
	Admitted bool           `json:"admitted"`
}
