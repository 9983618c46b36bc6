package baseline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/mindtriage/internal/domain/baseline"
	"github.com/okian/mindtriage/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

var start = model.MustParseDate("2024-01-01")

func admit(d baseline.Detector, user string, day int, score float64) model.BaselineState {
	st, err := d.Admit(context.Background(), baseline.Admission{
		UserID:  user,
		EntryID: fmt.Sprintf("%s-%d", user, day),
		Date:    start.AddDays(day),
		Seq:     int64(day),
		Score:   score,
		Passed:  true,
	})
	So(err, ShouldBeNil)
	return st
}

var narrow = []float64{30, 32, 29, 31, 30, 33, 28, 31, 30, 32}

func TestDriftRun(t *testing.T) {
	Convey("Given ten narrowly fluctuating scores", t, func() {
		d := baseline.NewDetector(baseline.DefaultConfig())
		var st model.BaselineState
		for i, s := range narrow {
			st = admit(d, "u1", i, s)
		}

		Convey("Then the user is stable, not drifting", func() {
			So(st.Status, ShouldEqual, model.StatusStable)
			So(st.DriftFlag, ShouldBeFalse)
			So(len(st.Window), ShouldEqual, 10)
		})

		Convey("When three consecutive scores shift by +30", func() {
			first := admit(d, "u1", 10, 61)
			second := admit(d, "u1", 11, 62)
			third := admit(d, "u1", 12, 60)

			Convey("Then drift is flagged only after the third", func() {
				So(first.DriftFlag, ShouldBeFalse)
				So(second.DriftFlag, ShouldBeFalse)
				So(second.RunLength, ShouldEqual, 2)
				So(third.DriftFlag, ShouldBeTrue)
				So(third.Status, ShouldEqual, model.StatusDrift)
				So(third.Baseline, ShouldEqual, 30.5)
				So(third.Recent, ShouldEqual, 61)
				So(third.RunLength, ShouldEqual, 3)
			})
		})

		Convey("When a single outlier is followed by in-range scores", func() {
			states := []model.BaselineState{
				admit(d, "u1", 10, 90),
				admit(d, "u1", 11, 31),
				admit(d, "u1", 12, 30),
				admit(d, "u1", 13, 29),
			}

			Convey("Then drift is never flagged", func() {
				for _, s := range states {
					So(s.DriftFlag, ShouldBeFalse)
				}
				So(states[0].RunLength, ShouldEqual, 1)
			})
		})

		Convey("When scores drop sharply instead", func() {
			admit(d, "u1", 10, 5)
			admit(d, "u1", 11, 4)
			st := admit(d, "u1", 12, 6)

			Convey("Then downward drift is flagged too", func() {
				So(st.DriftFlag, ShouldBeTrue)
				So(st.Deviation, ShouldBeLessThan, 0)
			})
		})
	})
}

func TestInsufficientHistory(t *testing.T) {
	Convey("Given a user with fewer points than the minimum", t, func() {
		d := baseline.NewDetector(baseline.DefaultConfig())
		var st model.BaselineState
		for i := 0; i < 7; i++ {
			st = admit(d, "u2", i, float64(10+i*20))
		}

		Convey("Then the status is insufficient history, never drift", func() {
			So(st.Status, ShouldEqual, model.StatusInsufficientHistory)
			So(st.DriftFlag, ShouldBeFalse)
		})

		Convey("Then an unknown user is also insufficient", func() {
			So(d.State(context.Background(), "nobody").Status, ShouldEqual, model.StatusInsufficientHistory)
			So(d.Seeded("nobody"), ShouldBeFalse)
		})
	})
}

func TestFailingAdmission(t *testing.T) {
	Convey("Given an established baseline", t, func() {
		d := baseline.NewDetector(baseline.DefaultConfig())
		for i, s := range narrow {
			admit(d, "u3", i, s)
		}
		before := d.State(context.Background(), "u3")

		Convey("When a quality-failing score is offered", func() {
			st, err := d.Admit(context.Background(), baseline.Admission{
				UserID: "u3", EntryID: "bad", Date: start.AddDays(20), Seq: 99, Score: 99, Passed: false,
			})

			Convey("Then it is refused and nothing changes", func() {
				So(errors.Is(err, baseline.ErrNotAdmissible), ShouldBeTrue)
				So(st, ShouldResemble, before)
				So(d.State(context.Background(), "u3"), ShouldResemble, before)
			})
		})
	})
}

func TestBackdatedEntry(t *testing.T) {
	Convey("Given seven points ending in a shifted run", t, func() {
		d := baseline.NewDetector(baseline.DefaultConfig())
		scores := []float64{30, 30, 30, 30, 60, 60, 60}
		var st model.BaselineState
		for i, s := range scores {
			st = admit(d, "u4", i+1, s)
		}
		So(st.Status, ShouldEqual, model.StatusInsufficientHistory)

		Convey("When an entry dated before all of them arrives last", func() {
			st = admit(d, "u4", 0, 30)

			Convey("Then the window is re-sorted by date", func() {
				So(st.Window[0].Date.String(), ShouldEqual, "2024-01-01")
				So(st.Window[len(st.Window)-1].Score, ShouldEqual, 60)
			})

			Convey("Then drift is recomputed from the sorted window", func() {
				So(st.DriftFlag, ShouldBeTrue)
				So(st.Baseline, ShouldEqual, 30)
			})
		})
	})

	Convey("Given two entries on the same date", t, func() {
		d := baseline.NewDetector(baseline.DefaultConfig())
		_, _ = d.Admit(context.Background(), baseline.Admission{UserID: "u5", EntryID: "b", Date: start, Seq: 2, Score: 20, Passed: true})
		st, _ := d.Admit(context.Background(), baseline.Admission{UserID: "u5", EntryID: "a", Date: start, Seq: 1, Score: 10, Passed: true})

		Convey("Then submission order breaks the tie", func() {
			So(st.Window[0].EntryID, ShouldEqual, "a")
			So(st.Window[1].EntryID, ShouldEqual, "b")
		})
	})
}

func TestWindowBounds(t *testing.T) {
	Convey("Given more admissions than the window holds", t, func() {
		cfg := baseline.DefaultConfig()
		d := baseline.NewDetector(cfg)
		var st model.BaselineState
		for i := 0; i < 30; i++ {
			st = admit(d, "u6", i, 40)
		}

		Convey("Then only the trailing window is kept", func() {
			So(len(st.Window), ShouldEqual, cfg.WindowSize)
			So(st.Window[0].Date.String(), ShouldEqual, start.AddDays(30-cfg.WindowSize).String())
		})
	})
}

func TestSeed(t *testing.T) {
	Convey("Given points loaded out of order", t, func() {
		d := baseline.NewDetector(baseline.DefaultConfig())
		points := make([]model.Point, 0, len(narrow))
		for i := len(narrow) - 1; i >= 0; i-- {
			points = append(points, model.Point{EntryID: fmt.Sprint(i), Date: start.AddDays(i), Seq: int64(i), Score: narrow[i]})
		}
		st := d.Seed(context.Background(), "u7", points)

		Convey("Then the seeded state matches sequential admission", func() {
			So(d.Seeded("u7"), ShouldBeTrue)
			So(st.Window[0].EntryID, ShouldEqual, "0")
			So(st, ShouldResemble, baseline.Compute(baseline.DefaultConfig(), "u7", st.Window))
		})
	})
}

func TestConfigValidate(t *testing.T) {
	Convey("Given detector configurations", t, func() {
		So(baseline.DefaultConfig().Validate(), ShouldBeNil)

		cfg := baseline.DefaultConfig()
		cfg.MinRunLength = 5
		So(cfg.Validate(), ShouldNotBeNil)

		cfg = baseline.DefaultConfig()
		cfg.WindowSize = 4
		So(cfg.Validate(), ShouldNotBeNil)
	})
}

func TestConcurrentAdmission(t *testing.T) {
	Convey("Given concurrent admissions across users", t, func() {
		d := baseline.NewDetector(baseline.DefaultConfig())
		var wg sync.WaitGroup
		for u := 0; u < 8; u++ {
			for day := 0; day < 20; day++ {
				wg.Add(1)
				go func(u, day int) {
					defer wg.Done()
					_, _ = d.Admit(context.Background(), baseline.Admission{
						UserID: fmt.Sprintf("user-%d", u), EntryID: fmt.Sprintf("%d-%d", u, day),
						Date: start.AddDays(day), Seq: int64(day), Score: 50, Passed: true,
					})
				}(u, day)
			}
		}
		wg.Wait()

		Convey("Then every user ends with a full, date-ordered window", func() {
			for u := 0; u < 8; u++ {
				st := d.State(context.Background(), fmt.Sprintf("user-%d", u))
				So(len(st.Window), ShouldEqual, 14)
				So(st.Window[0].Date.String(), ShouldEqual, start.AddDays(6).String())
				So(st.Status, ShouldEqual, model.StatusStable)
			}
		})
	})
}
