package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/okian/mindtriage/internal/domain/model"
)

// Default rotation configuration.
const (
	defaultCycleLength = 5
	defaultPerDay      = 2
	defaultSalt        = "mindtriage-rotation"
)

// Option applies a configuration option to the Catalog.
type Option func(*Catalog)

// WithRotation sets the rotation cycle length, the number of rotating
// questions asked per day and the salt used to permute the pool per user.
func WithRotation(cycleLength, perDay int, salt string) Option {
	return func(c *Catalog) {
		if cycleLength > 0 {
			c.cycleLength = cycleLength
		}
		if perDay > 0 {
			c.perDay = perDay
		}
		if salt != "" {
			c.salt = salt
		}
	}
}

// WithQuestions replaces the question set of an entry type.
func WithQuestions(t model.EntryType, qs []Question) Option {
	return func(c *Catalog) {
		c.byType[t] = append([]Question(nil), qs...)
	}
}

// Catalog holds the question definitions of every entry type.
type Catalog struct {
	byType      map[model.EntryType][]Question
	index       map[model.EntryType]map[string]Question
	byKey       map[string]Question
	cycleLength int
	perDay      int
	salt        string
}

// New builds a catalog with the default question set.
func New(opts ...Option) *Catalog {
	c := &Catalog{
		byType: map[model.EntryType][]Question{
			model.EntryRapidEvaluation: DefaultRapid(),
			model.EntryDailyCheckin:    append(DefaultDaily(), DefaultRotatingPool()...),
			model.EntryJournal:         DefaultJournal(),
		},
		cycleLength: defaultCycleLength,
		perDay:      defaultPerDay,
		salt:        defaultSalt,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.index = make(map[model.EntryType]map[string]Question, len(c.byType))
	c.byKey = make(map[string]Question)
	types := make([]model.EntryType, 0, len(c.byType))
	for t := range c.byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		qs := c.byType[t]
		m := make(map[string]Question, len(qs))
		for _, q := range qs {
			m[q.Key] = q
			if _, taken := c.byKey[q.Key]; !taken {
				c.byKey[q.Key] = q
			}
		}
		c.index[t] = m
	}
	return c
}

// Questions lists the questions of an entry type in display order.
func (c *Catalog) Questions(t model.EntryType) []Question {
	return append([]Question(nil), c.byType[t]...)
}

// Lookup returns the definition of key within entry type t.
func (c *Catalog) Lookup(t model.EntryType, key string) (Question, bool) {
	q, ok := c.index[t][key]
	return q, ok
}

// LookupAny finds a question by key regardless of entry type. When several
// types share a key the first type in name order wins.
func (c *Catalog) LookupAny(key string) (Question, bool) {
	q, ok := c.byKey[key]
	return q, ok
}

// Required lists the required question keys of an entry type.
func (c *Catalog) Required(t model.EntryType) []string {
	var keys []string
	for _, q := range c.byType[t] {
		if q.Required {
			keys = append(keys, q.Key)
		}
	}
	return keys
}

// CycleLength returns the number of days after which rotation repeats.
func (c *Catalog) CycleLength() int { return c.cycleLength }

// Rotation returns the rotating question keys asked to user on date. The
// result depends only on (user, date, cycle length).
func (c *Catalog) Rotation(userID string, date model.Date) []string {
	pool := c.rotatingKeys()
	if len(pool) == 0 {
		return nil
	}
	order := make([]string, len(pool))
	copy(order, pool)
	rank := make(map[string]string, len(order))
	for _, key := range order {
		sum := sha256.Sum256([]byte(userID + ":" + key + ":" + c.salt))
		rank[key] = hex.EncodeToString(sum[:])
	}
	sort.Slice(order, func(i, j int) bool { return rank[order[i]] < rank[order[j]] })

	pos := int(floorMod(date.EpochDay(), int64(c.cycleLength)))
	n := c.perDay
	if n > len(order) {
		n = len(order)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, order[(pos*c.perDay+i)%len(order)])
	}
	return out
}

// Daily returns the check-in questions for user on date: every non-rotating
// question followed by the day's rotating selection.
func (c *Catalog) Daily(userID string, date model.Date) []Question {
	var out []Question
	for _, q := range c.byType[model.EntryDailyCheckin] {
		if q.Role != RoleRotating {
			out = append(out, q)
		}
	}
	for _, key := range c.Rotation(userID, date) {
		out = append(out, c.index[model.EntryDailyCheckin][key])
	}
	return out
}

func (c *Catalog) rotatingKeys() []string {
	var keys []string
	for _, q := range c.byType[model.EntryDailyCheckin] {
		if q.Role == RoleRotating {
			keys = append(keys, q.Key)
		}
	}
	return keys
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// FieldError describes one reason an entry was rejected.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// ValidationError collects every field problem of a rejected entry. It
// matches model.ErrInvalidEntry with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return model.ErrInvalidEntry.Error() + ": " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, model.ErrInvalidEntry) hold.
func (e *ValidationError) Is(target error) bool {
	return target == model.ErrInvalidEntry
}

// Validate rejects entries with missing fields, unknown types or keys and
// answers outside their declared range. Unanswered required questions are
// not a validation failure; the quality gate reports them.
func (c *Catalog) Validate(e model.Entry) error {
	var fields []FieldError
	if strings.TrimSpace(e.UserID) == "" {
		fields = append(fields, FieldError{Field: "user_id", Reason: "required"})
	}
	if e.Date.IsZero() {
		fields = append(fields, FieldError{Field: "entry_date", Reason: "required"})
	}
	if !e.Type.Valid() {
		fields = append(fields, FieldError{Field: "entry_type", Reason: fmt.Sprintf("unknown type %q", e.Type)})
		return &ValidationError{Fields: fields}
	}
	if e.DurationSeconds != nil && (*e.DurationSeconds < 0 || math.IsNaN(*e.DurationSeconds)) {
		fields = append(fields, FieldError{Field: "duration_seconds", Reason: "must be non-negative"})
	}

	keys := make([]string, 0, len(e.Answers))
	for key := range e.Answers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		q, ok := c.Lookup(e.Type, key)
		if !ok {
			fields = append(fields, FieldError{Field: "answers." + key, Reason: "unknown question"})
			continue
		}
		if err := checkAnswer(q, e.Answers[key]); err != nil {
			fields = append(fields, FieldError{Field: "answers." + key, Reason: err.Error()})
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

var errKind = errors.New("wrong answer kind")

func checkAnswer(q Question, a model.Answer) error {
	switch q.Kind {
	case KindScale, KindNumber:
		v, ok := a.Float()
		if !ok {
			return fmt.Errorf("%w: expected number", errKind)
		}
		if math.IsNaN(v) || v < q.Min || v > q.Max {
			return fmt.Errorf("out of range [%g, %g]", q.Min, q.Max)
		}
		if q.Kind == KindScale && v != math.Trunc(v) {
			return errors.New("must be a whole number")
		}
	case KindBoolean:
		if _, ok := a.BoolValue(); !ok {
			return fmt.Errorf("%w: expected boolean", errKind)
		}
	case KindChoice:
		s, ok := a.TextValue()
		if !ok {
			return fmt.Errorf("%w: expected one of %s", errKind, strings.Join(q.Options, ", "))
		}
		// A blank choice is unanswered, which the quality gate reports.
		if strings.TrimSpace(s) != "" && q.optionIndex(s) < 0 {
			return fmt.Errorf("must be one of %s", strings.Join(q.Options, ", "))
		}
	case KindText:
		if _, ok := a.TextValue(); !ok {
			return fmt.Errorf("%w: expected text", errKind)
		}
	}
	return nil
}
