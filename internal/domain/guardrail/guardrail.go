// Package guardrail runs the conservative crisis checks applied to every
// entry, independent of quality and score.
package guardrail

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
)

// Category is a named set of high-risk phrases.
type Category struct {
	Name    string   `koanf:"name"`
	Phrases []string `koanf:"phrases"`
}

// DefaultCategories returns the built-in phrase categories.
func DefaultCategories() []Category {
	return []Category{
		{
			Name: "suicidal_intent",
			Phrases: []string{
				"kill myself", "killing myself", "commit suicide", "suicide", "suicidal",
				"end my life", "ending my life", "end it all", "want to die", "wanna die",
				"better off dead", "plan to die", "plan to kill myself", "plan to end my life",
				"plan to end it", "end it",
			},
		},
		{
			Name: "self_harm",
			Phrases: []string{
				"self-harm", "self harm", "selfharm", "hurt myself", "hurting myself",
				"cut myself", "cutting myself", "overdose",
			},
		},
		{
			Name: "hopelessness",
			Phrases: []string{
				"no reason to live", "can't go on", "cant go on", "cannot go on",
				"no way out", "nothing to live for",
			},
		},
	}
}

// DefaultMaxSeverity returns the declared maximum-severity value of each
// question, on the question's numeric axis (see catalog.Question.Numeric).
func DefaultMaxSeverity() map[string]float64 {
	return map[string]float64{
		catalog.KeyDailyMood:      1,
		catalog.KeyDailyAnxiety:   10,
		catalog.KeyDailyStress:    10,
		catalog.KeyDailyHopeless:  5,
		catalog.KeyDailyOverwhelm: 5,
		catalog.KeyRapidMood:      1,
		catalog.KeyRapidAnxiety:   10,
		catalog.KeyRapidSelfHarm:  1,
		catalog.KeyRapidPlan:      1,
	}
}

// Guardrail checks entries for crisis triggers.
type Guardrail interface {
	// Check returns every trigger reason for entry; empty means no trigger.
	Check(entry model.Entry) []model.TriggerReason
}

// Option applies a configuration option to the RuleGuardrail.
type Option func(*RuleGuardrail)

// WithMaxSeverity replaces the maximum-severity table. The map is copied.
func WithMaxSeverity(table map[string]float64) Option {
	return func(g *RuleGuardrail) {
		g.maxSeverity = make(map[string]float64, len(table))
		for k, v := range table {
			g.maxSeverity[k] = v
		}
	}
}

// WithCategories replaces the phrase categories.
func WithCategories(cats []Category) Option {
	return func(g *RuleGuardrail) {
		g.categories = append([]Category(nil), cats...)
	}
}

type compiledCategory struct {
	name    string
	pattern *regexp.Regexp
}

// RuleGuardrail implements Guardrail with a severity table and phrase
// categories.
type RuleGuardrail struct {
	catalog     *catalog.Catalog
	maxSeverity map[string]float64
	categories  []Category
	compiled    []compiledCategory
}

// New creates a guardrail over the given catalog.
func New(c *catalog.Catalog, opts ...Option) *RuleGuardrail {
	g := &RuleGuardrail{
		catalog:     c,
		maxSeverity: DefaultMaxSeverity(),
		categories:  DefaultCategories(),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, cat := range g.categories {
		if len(cat.Phrases) == 0 {
			continue
		}
		quoted := make([]string, len(cat.Phrases))
		for i, p := range cat.Phrases {
			quoted[i] = regexp.QuoteMeta(NormalizeText(p))
		}
		// Longest phrase first so the reported match is the most specific.
		sort.SliceStable(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
		g.compiled = append(g.compiled, compiledCategory{
			name:    cat.Name,
			pattern: regexp.MustCompile(`(?:^|[^\pL\pN])(` + strings.Join(quoted, "|") + `)(?:$|[^\pL\pN])`),
		})
	}
	return g
}

// Check runs the severity rule and the phrase rule. A sub-rule that cannot
// be evaluated for one answer yields an inconclusive reason for that answer
// and the remaining checks still run.
func (g *RuleGuardrail) Check(entry model.Entry) []model.TriggerReason {
	keys := make([]string, 0, len(entry.Answers))
	for key := range entry.Answers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	reasons := []model.TriggerReason{}
	for _, key := range keys {
		if r, ok := g.checkSeverity(entry.Type, key, entry.Answers[key]); ok {
			reasons = append(reasons, r)
		}
	}
	for _, key := range keys {
		reasons = append(reasons, g.checkPhrases(key, entry.Answers[key])...)
	}
	return reasons
}

func (g *RuleGuardrail) checkSeverity(t model.EntryType, key string, a model.Answer) (model.TriggerReason, bool) {
	threshold, declared := g.maxSeverity[key]
	if !declared || a.IsBlank() {
		return model.TriggerReason{}, false
	}
	q, ok := g.catalog.Lookup(t, key)
	if !ok {
		// Answers filed under the wrong or an unknown type are still checked.
		q, ok = g.catalog.LookupAny(key)
	}
	if !ok {
		return model.TriggerReason{
			Rule:         model.RuleMaxSeverity,
			QuestionKey:  key,
			Detail:       "no question definition for answer",
			Inconclusive: true,
		}, true
	}
	beyond, err := q.AtOrBeyond(a, threshold)
	if err != nil {
		return model.TriggerReason{
			Rule:         model.RuleMaxSeverity,
			QuestionKey:  key,
			Detail:       "answer could not be evaluated: " + err.Error(),
			Inconclusive: true,
		}, true
	}
	if !beyond {
		return model.TriggerReason{}, false
	}
	return model.TriggerReason{
		Rule:        model.RuleMaxSeverity,
		QuestionKey: key,
		Detail:      fmt.Sprintf("%s answered at maximum severity", q.Label),
	}, true
}

func (g *RuleGuardrail) checkPhrases(key string, a model.Answer) []model.TriggerReason {
	raw, ok := a.TextValue()
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []model.TriggerReason
	if !utf8.ValidString(raw) {
		out = append(out, model.TriggerReason{
			Rule:         model.RulePhrase,
			QuestionKey:  key,
			Detail:       "text is not valid UTF-8",
			Inconclusive: true,
		})
		raw = strings.ToValidUTF8(raw, " ")
	}
	text := NormalizeText(raw)
	for _, cat := range g.compiled {
		m := cat.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		out = append(out, model.TriggerReason{
			Rule:        model.RulePhrase,
			QuestionKey: key,
			Category:    cat.name,
			Detail:      fmt.Sprintf("matched %q", m[1]),
		})
	}
	return out
}

var punctuationFold = strings.NewReplacer(
	"‘", "'", "’", "'", "ʼ", "'", "`", "'",
	"‐", "-", "‑", "-", "‒", "-", "–", "-", "—", "-",
)

// NormalizeText applies NFKC, folds apostrophe and dash variants, lower-cases
// and collapses whitespace.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = punctuationFold.Replace(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NewEvent builds the crisis event for a triggered entry.
func NewEvent(entry model.Entry, reasons []model.TriggerReason, now time.Time) model.CrisisEvent {
	return model.CrisisEvent{
		ID:        uuid.NewString(),
		EntryID:   entry.ID,
		UserID:    entry.UserID,
		EntryType: entry.Type,
		EntryDate: entry.Date,
		Reasons:   append([]model.TriggerReason(nil), reasons...),
		Timestamp: now.UTC().Truncate(time.Microsecond),
	}
}
