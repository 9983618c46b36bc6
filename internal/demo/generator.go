package demo

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
)

// Severity levels of the two phases, on [0, 1].
const (
	stableSeverity  = 0.2
	shiftedSeverity = 0.7
	severityJitter  = 0.12
	journalEvery    = 7
)

var gratitude = []string{
	"a long walk after work",
	"coffee with an old friend",
	"a quiet evening reading",
	"my dog being happy to see me",
	"sunshine during lunch",
}

var calmJournals = []string{
	"Work was busy but manageable and I cooked a proper dinner tonight.",
	"Spent the afternoon outside with friends and felt fairly relaxed overall.",
	"Slept better than last week and got through my list without much stress.",
}

var heavyJournals = []string{
	"Everything feels heavier lately and I keep cancelling plans with people.",
	"Could not focus at all today and the deadlines keep piling up on me.",
	"Barely slept again and spent most of the day on the couch feeling flat.",
}

const crisisJournal = "I keep thinking there is no way out and I can't go on like this."

// generator produces one user's synthetic answers.
type generator struct {
	rng     *rand.Rand
	days    int
	shiftAt int
}

func newGenerator(seed uint64, user, days int, shiftAt float64) *generator {
	return &generator{
		rng:     rand.New(rand.NewPCG(seed, uint64(user))), //nolint:gosec // synthetic data
		days:    days,
		shiftAt: int(math.Round(float64(days) * shiftAt)),
	}
}

// severity returns the target severity of day i, jittered.
func (g *generator) severity(day int) float64 {
	base := stableSeverity
	if day >= g.shiftAt {
		base = shiftedSeverity
	}
	s := base + (g.rng.Float64()*2-1)*severityJitter
	return math.Max(0, math.Min(1, s))
}

// answers fills every non-optional question for the given severity.
func (g *generator) answers(qs []catalog.Question, severity float64) model.Answers {
	out := make(model.Answers, len(qs))
	for _, q := range qs {
		if q.Role == catalog.RoleOptional {
			continue
		}
		switch q.Kind {
		case catalog.KindScale:
			out[q.Key] = model.Number(math.Round(onAxis(q.Min, q.Max, q.Direction, severity)))
		case catalog.KindNumber:
			if q.Key == catalog.KeyDailySleepHours {
				out[q.Key] = model.Number(math.Round((8.5-4*severity)*2) / 2)
				continue
			}
			out[q.Key] = model.Number(math.Round(onAxis(q.Min, q.Max, q.Direction, severity)))
		case catalog.KindBoolean:
			worse := g.rng.Float64() < severity
			if q.Direction == catalog.LowerIsWorse {
				worse = !worse
			}
			out[q.Key] = model.Bool(worse)
		case catalog.KindChoice:
			if q.Expected != "" {
				out[q.Key] = model.Text(q.Expected)
				continue
			}
			if len(q.Options) > 0 {
				i := int(math.Round(severity * float64(len(q.Options)-1)))
				out[q.Key] = model.Text(q.Options[i])
			}
		case catalog.KindText:
			out[q.Key] = model.Text(gratitude[g.rng.IntN(len(gratitude))])
		}
	}
	return out
}

// onAxis places severity on [lo, hi] with the severe end per dir.
func onAxis(lo, hi float64, dir catalog.Direction, severity float64) float64 {
	switch dir {
	case catalog.HigherIsWorse:
		return lo + severity*(hi-lo)
	case catalog.LowerIsWorse:
		return hi - severity*(hi-lo)
	default:
		return (lo + hi) / 2
	}
}

// journal returns the journal text for day, or "" when the user skips it.
func (g *generator) journal(day int, alarming bool) string {
	if alarming && day == g.days-1 {
		return crisisJournal
	}
	if day%journalEvery != journalEvery-1 {
		return ""
	}
	if day >= g.shiftAt {
		return heavyJournals[g.rng.IntN(len(heavyJournals))]
	}
	return calmJournals[g.rng.IntN(len(calmJournals))]
}

// submissionID is stable per user and day so reruns are rejected as duplicates.
func submissionID(seed uint64, user string, t model.EntryType, date model.Date) string {
	return fmt.Sprintf("demo-%d-%s-%s-%s", seed, user, t, date)
}
