// Package quality judges the signal quality of a single entry.
package quality

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
)

// Rules holds the thresholds of every quality rule.
type Rules struct {
	// MinTextChars and MinTextWords apply to required free-text answers.
	MinTextChars int `koanf:"min_text_chars"`
	MinTextWords int `koanf:"min_text_words"`
	// RepeatedCharRun flags the same character repeated this many times.
	RepeatedCharRun int `koanf:"repeated_char_run"`
	// ConsonantRun flags a token containing this many consonants in a row.
	ConsonantRun int `koanf:"consonant_run"`
	// RepeatedTokenMin and RepeatedTokenRatio flag texts with at least
	// RepeatedTokenMin tokens whose unique share is below the ratio.
	RepeatedTokenMin   int     `koanf:"repeated_token_min"`
	RepeatedTokenRatio float64 `koanf:"repeated_token_ratio"`
	// FlatLineMin is the number of identical core scale answers that make a
	// check-in flat-lined.
	FlatLineMin int `koanf:"flat_line_min"`
	// PatternedMin and PatternedShare flag rapid evaluations where at least
	// PatternedShare of PatternedMin or more answers sit at one position.
	PatternedMin   int     `koanf:"patterned_min"`
	PatternedShare float64 `koanf:"patterned_share"`
	// ExtremeKeys are the rapid scale questions checked for extreme-only
	// answering: flagged when at least two are answered and every one is at
	// or below ExtremeLow or at or above ExtremeHigh.
	ExtremeKeys []string `koanf:"extreme_keys"`
	ExtremeLow  float64  `koanf:"extreme_low"`
	ExtremeHigh float64  `koanf:"extreme_high"`
	// MinRapidSeconds flags rapid evaluations completed faster than this.
	MinRapidSeconds float64 `koanf:"min_rapid_seconds"`
}

// DefaultRules returns the default quality thresholds.
func DefaultRules() Rules {
	return Rules{
		MinTextChars:       20,
		MinTextWords:       4,
		RepeatedCharRun:    5,
		ConsonantRun:       6,
		RepeatedTokenMin:   4,
		RepeatedTokenRatio: 0.5,
		FlatLineMin:        3,
		PatternedMin:       5,
		PatternedShare:     0.8,
		ExtremeKeys:        []string{catalog.KeyRapidMood, catalog.KeyRapidAnxiety},
		ExtremeLow:         2,
		ExtremeHigh:        9,
		MinRapidSeconds:    25,
	}
}

// Gate evaluates entries against the quality rules.
type Gate interface {
	// Evaluate judges entry. previous is the user's immediately preceding
	// entry of the same type, or nil.
	Evaluate(entry model.Entry, previous *model.Entry) model.QualityVerdict
}

// Option applies a configuration option to the RuleGate.
type Option func(*RuleGate)

// WithRules replaces the default thresholds.
func WithRules(r Rules) Option {
	return func(g *RuleGate) {
		g.rules = r
	}
}

// RuleGate implements Gate with fixed rule thresholds.
type RuleGate struct {
	catalog *catalog.Catalog
	rules   Rules
}

// NewGate creates a gate over the given catalog.
func NewGate(c *catalog.Catalog, opts ...Option) *RuleGate {
	g := &RuleGate{catalog: c, rules: DefaultRules()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate applies every rule and returns the union of triggered reasons.
func (g *RuleGate) Evaluate(entry model.Entry, previous *model.Entry) model.QualityVerdict {
	var rs reasonSet

	g.checkText(entry, &rs)
	switch entry.Type {
	case model.EntryDailyCheckin:
		if g.flatLined(entry) {
			rs.add(model.ReasonFlatLine)
		}
	case model.EntryRapidEvaluation:
		if g.patterned(entry) {
			rs.add(model.ReasonPatternedAnswers)
		}
		if g.extremeOnly(entry) {
			rs.add(model.ReasonExtremeOnly)
		}
		if g.failedAttention(entry) {
			rs.add(model.ReasonFailedAttentionCheck)
		}
		if d := entry.DurationSeconds; d != nil && *d < g.rules.MinRapidSeconds {
			rs.add(model.ReasonTooFast)
		}
	case model.EntryJournal:
	}
	if previous != nil && previous.Type == entry.Type && Fingerprint(*previous) == Fingerprint(entry) {
		rs.add(model.ReasonDuplicate)
	}
	if g.incomplete(entry) {
		rs.add(model.ReasonIncomplete)
	}

	return model.QualityVerdict{Passed: len(rs) == 0, Reasons: rs.list()}
}

// Fingerprint is the normalized form of an entry's answers used for
// duplicate detection. Blank answers are ignored.
func Fingerprint(e model.Entry) string {
	keys := make([]string, 0, len(e.Answers))
	for key, a := range e.Answers {
		if !a.IsBlank() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(e.Answers[key].Canonical())
		b.WriteByte('\n')
	}
	return b.String()
}

func (g *RuleGate) checkText(entry model.Entry, rs *reasonSet) {
	keys := make([]string, 0, len(entry.Answers))
	for key := range entry.Answers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		q, ok := g.catalog.Lookup(entry.Type, key)
		if !ok || q.Kind != catalog.KindText {
			continue
		}
		text, _ := entry.Answers[key].TextValue()
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		words := strings.Fields(text)
		if q.Required {
			if utf8.RuneCountInString(text) < g.rules.MinTextChars {
				rs.add(model.ReasonTooShort)
			}
			if len(words) < g.rules.MinTextWords {
				rs.add(model.ReasonLowWordCount)
			}
		}
		if hasRepeatedRun(text, g.rules.RepeatedCharRun) {
			rs.add(model.ReasonRepeatedCharacters)
		}
		if hasConsonantRun(words, g.rules.ConsonantRun) {
			rs.add(model.ReasonKeyboardSmash)
		}
		if repeatedTokens(words, g.rules.RepeatedTokenMin, g.rules.RepeatedTokenRatio) {
			rs.add(model.ReasonRepeatedTokens)
		}
	}
}

func (g *RuleGate) flatLined(entry model.Entry) bool {
	var values []float64
	for _, q := range g.catalog.Questions(entry.Type) {
		if q.Role != catalog.RoleCore || q.Kind != catalog.KindScale {
			continue
		}
		if v, ok := entry.Answers[q.Key].Float(); ok {
			values = append(values, v)
		}
	}
	if len(values) < g.rules.FlatLineMin || len(values) == 0 {
		return false
	}
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

func (g *RuleGate) patterned(entry model.Entry) bool {
	counts := make(map[int]int)
	total := 0
	for _, q := range g.catalog.Questions(entry.Type) {
		a, ok := entry.Answers[q.Key]
		if !ok {
			continue
		}
		f, ok := q.Severity(a)
		if !ok {
			continue
		}
		counts[int(f*100+0.5)]++
		total++
	}
	if total < g.rules.PatternedMin || total == 0 {
		return false
	}
	top := 0
	for _, n := range counts {
		if n > top {
			top = n
		}
	}
	return float64(top)/float64(total) >= g.rules.PatternedShare
}

func (g *RuleGate) extremeOnly(entry model.Entry) bool {
	n := 0
	for _, key := range g.rules.ExtremeKeys {
		q, ok := g.catalog.Lookup(entry.Type, key)
		if !ok {
			continue
		}
		a, ok := entry.Answers[key]
		if !ok || a.IsBlank() {
			continue
		}
		v, err := q.Numeric(a)
		if err != nil {
			continue
		}
		if v > g.rules.ExtremeLow && v < g.rules.ExtremeHigh {
			return false
		}
		n++
	}
	return n >= 2
}

func (g *RuleGate) failedAttention(entry model.Entry) bool {
	for _, q := range g.catalog.Questions(entry.Type) {
		if q.Expected == "" {
			continue
		}
		a, ok := entry.Answers[q.Key]
		if !ok || a.IsBlank() {
			continue
		}
		s, _ := a.TextValue()
		if model.NormalizeText(s) != q.Expected {
			return true
		}
	}
	return false
}

func (g *RuleGate) incomplete(entry model.Entry) bool {
	for _, key := range g.catalog.Required(entry.Type) {
		a, ok := entry.Answers[key]
		if !ok || a.IsBlank() {
			return true
		}
	}
	return false
}

func hasRepeatedRun(s string, n int) bool {
	if n <= 1 {
		return false
	}
	var prev rune
	run := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			run = 0
			continue
		}
		r = unicode.ToLower(r)
		if r == prev && run > 0 {
			run++
		} else {
			run = 1
		}
		prev = r
		if run >= n {
			return true
		}
	}
	return false
}

func hasConsonantRun(words []string, n int) bool {
	if n <= 0 {
		return false
	}
	for _, w := range words {
		run := 0
		for _, r := range strings.ToLower(w) {
			if r >= 'a' && r <= 'z' && !strings.ContainsRune("aeiouy", r) {
				run++
				if run >= n {
					return true
				}
				continue
			}
			run = 0
		}
	}
	return false
}

func repeatedTokens(words []string, minTokens int, ratio float64) bool {
	if len(words) < minTokens || len(words) == 0 {
		return false
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(strings.Trim(w, ".,!?;:"))] = struct{}{}
	}
	return float64(len(unique))/float64(len(words)) < ratio
}

// reasonSet keeps reasons in first-seen order without duplicates.
type reasonSet []model.Reason

func (s *reasonSet) add(r model.Reason) {
	for _, got := range *s {
		if got == r {
			return
		}
	}
	*s = append(*s, r)
}

func (s reasonSet) list() []model.Reason {
	if s == nil {
		return []model.Reason{}
	}
	return []model.Reason(s)
}
