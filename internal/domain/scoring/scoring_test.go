package scoring_test

import (
	"errors"
	"testing"

	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/internal/domain/scoring"
	. "github.com/smartystreets/goconvey/convey"
)

func midDaily(date string) model.Entry {
	return model.Entry{
		UserID: "user-1",
		Type:   model.EntryDailyCheckin,
		Date:   model.MustParseDate(date),
		Answers: model.Answers{
			catalog.KeyDailyMood:       model.Number(5),
			catalog.KeyDailyAnxiety:    model.Number(5),
			catalog.KeyDailySleepHours: model.Number(6),
			catalog.KeyDailyEnergy:     model.Number(5),
			catalog.KeyDailyStress:     model.Number(5),
			catalog.KeyDailyFocus:      model.Number(5),
		},
	}
}

func rapid(mood, anxiety float64, worst bool) model.Entry {
	choice := "good"
	if worst {
		choice = "poor"
	}
	return model.Entry{
		UserID: "user-1",
		Type:   model.EntryRapidEvaluation,
		Date:   model.MustParseDate("2024-01-01"),
		Answers: model.Answers{
			catalog.KeyRapidMood:      model.Number(mood),
			catalog.KeyRapidAnxiety:   model.Number(anxiety),
			catalog.KeyRapidHopeless:  model.Bool(worst),
			catalog.KeyRapidIsolation: model.Bool(worst),
			catalog.KeyRapidSleep:     model.Text(choice),
			catalog.KeyRapidAppetite:  model.Text(choice),
			catalog.KeyRapidSupport:   model.Bool(!worst),
			catalog.KeyRapidSelfHarm:  model.Bool(worst),
			catalog.KeyRapidPlan:      model.Bool(worst),
			catalog.KeyRapidSubstance: model.Bool(worst),
			catalog.KeyRapidAttention: model.Text("sometimes"),
		},
	}
}

func TestDailyScore(t *testing.T) {
	Convey("Given the default scorer", t, func() {
		scorer := scoring.NewScorer(catalog.New())

		Convey("When a mid-scale check-in has one rotating answer at its maximum", func() {
			e := midDaily("2024-03-01")
			e.Answers[catalog.KeyDailyHopeless] = model.Number(5)
			score, err := scorer.Score(e)
			So(err, ShouldBeNil)

			Convey("Then the level stays moderate", func() {
				So(score.Value, ShouldEqual, 33.56)
				So(score.Level, ShouldEqual, model.LevelModerate)
			})

			Convey("Then signals are ordered by magnitude", func() {
				So(len(score.Signals), ShouldEqual, 2)
				So(score.Signals[0].QuestionKey, ShouldEqual, catalog.KeyDailyHopeless)
				So(score.Signals[0].Contribution, ShouldEqual, 3)
				So(score.Signals[1].QuestionKey, ShouldEqual, catalog.KeyDailyMood)
				So(score.Signals[1].Label, ShouldEqual, "Mood")
			})
		})

		Convey("When the same answers are scored on different dates", func() {
			a, errA := scorer.Score(midDaily("2024-03-01"))
			b, errB := scorer.Score(midDaily("2031-11-20"))

			Convey("Then value and signals are identical", func() {
				So(errA, ShouldBeNil)
				So(errB, ShouldBeNil)
				So(a, ShouldResemble, b)
			})
		})

		Convey("When a zero-weight rotating question is answered", func() {
			e := midDaily("2024-03-01")
			base, _ := scorer.Score(e)
			e.Answers[catalog.KeyDailyActivity] = model.Bool(false)
			e.Answers[catalog.KeyDailyGratitude] = model.Text("my dog")
			with, _ := scorer.Score(e)

			Convey("Then the score does not move", func() {
				So(with, ShouldResemble, base)
			})
		})

		Convey("When a journal entry is scored", func() {
			_, err := scorer.Score(model.Entry{Type: model.EntryJournal})

			Convey("Then it is not scorable", func() {
				So(errors.Is(err, scoring.ErrNotScorable), ShouldBeTrue)
			})
		})
	})
}

func TestRapidScore(t *testing.T) {
	Convey("Given the default scorer", t, func() {
		scorer := scoring.NewScorer(catalog.New())

		Convey("When every rapid answer is at its worst", func() {
			score, err := scorer.Score(rapid(1, 10, true))

			Convey("Then the value clamps at 100", func() {
				So(err, ShouldBeNil)
				So(score.Value, ShouldEqual, 100)
				So(score.Level, ShouldEqual, model.LevelHigh)
				So(score.Signals[0].QuestionKey, ShouldEqual, catalog.KeyRapidPlan)
			})
		})

		Convey("When a calm rapid evaluation is scored", func() {
			score, err := scorer.Score(rapid(8, 2, false))

			Convey("Then protective answers lower the score", func() {
				So(err, ShouldBeNil)
				So(score.Value, ShouldEqual, 5.28)
				So(score.Level, ShouldEqual, model.LevelLow)
				So(score.Signals[0].QuestionKey, ShouldEqual, catalog.KeyRapidAnxiety)
				So(score.Signals[0].Contribution, ShouldBeLessThan, 0)
			})
		})

		Convey("When the score is computed twice", func() {
			a, _ := scorer.Score(rapid(4, 7, false))
			b, _ := scorer.Score(rapid(4, 7, false))

			Convey("Then both results match", func() {
				So(a, ShouldResemble, b)
			})
		})
	})
}

func TestBands(t *testing.T) {
	Convey("Given the default bands", t, func() {
		b := scoring.DefaultBands()

		Convey("Then lower edges are inclusive", func() {
			So(b.Level(0), ShouldEqual, model.LevelLow)
			So(b.Level(24.99), ShouldEqual, model.LevelLow)
			So(b.Level(25), ShouldEqual, model.LevelModerate)
			So(b.Level(50), ShouldEqual, model.LevelElevated)
			So(b.Level(74.99), ShouldEqual, model.LevelElevated)
			So(b.Level(75), ShouldEqual, model.LevelHigh)
			So(b.Level(100), ShouldEqual, model.LevelHigh)
		})

		Convey("Then they validate", func() {
			So(b.Validate(), ShouldBeNil)
			So(scoring.Bands{Moderate: 50, Elevated: 40, High: 90}.Validate(), ShouldNotBeNil)
		})
	})
}

func TestCustomWeights(t *testing.T) {
	Convey("Given a scorer with a custom table", t, func() {
		tables := map[model.EntryType]scoring.Table{
			model.EntryRapidEvaluation: {
				Base:    0,
				Weights: map[string]scoring.Weight{catalog.KeyRapidMood: {Weight: 60}},
			},
		}
		scorer := scoring.NewScorer(catalog.New(),
			scoring.WithWeights(tables),
			scoring.WithBands(scoring.Bands{Moderate: 10, Elevated: 20, High: 30}),
			scoring.WithNoiseThreshold(0),
		)
		tables[model.EntryRapidEvaluation].Weights[catalog.KeyRapidMood] = scoring.Weight{Weight: 1}

		Convey("Then only the configured question counts and later edits do not leak in", func() {
			score, err := scorer.Score(rapid(1, 10, true))
			So(err, ShouldBeNil)
			So(score.Value, ShouldEqual, 60)
			So(score.Level, ShouldEqual, model.LevelHigh)
			So(len(score.Signals), ShouldEqual, 1)
		})

		Convey("Then daily check-ins are not scorable", func() {
			_, err := scorer.Score(midDaily("2024-01-01"))
			So(errors.Is(err, scoring.ErrNotScorable), ShouldBeTrue)
		})
	})
}
