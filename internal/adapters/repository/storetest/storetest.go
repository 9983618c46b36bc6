// Package storetest holds the behaviour every repository.Store must share.
// Store implementations call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// Factory returns an empty store. It is called once per leaf scenario.
type Factory func(t *testing.T) repository.Store

var (
	day0 = model.MustParseDate("2024-03-01")
	t0   = time.Date(2024, 3, 1, 9, 30, 0, 123456000, time.UTC)
)

// Record builds a scored daily check-in record for tests.
func Record(user string, seq int, day int, admitted bool) model.Record {
	d := 42.5
	return model.Record{
		Entry: model.Entry{
			ID:          fmt.Sprintf("%s-entry-%d", user, seq),
			UserID:      user,
			Type:        model.EntryDailyCheckin,
			Date:        day0.AddDays(day),
			SubmittedAt: t0.Add(time.Duration(seq) * time.Minute),
			Seq:         int64(seq),
			Answers: model.Answers{
				"daily_mood":        model.Number(6),
				"daily_sleep_hours": model.Number(7.5),
				"daily_note":        model.Text("ok day"),
			},
			DurationSeconds: &d,
		},
		Quality: model.QualityVerdict{Passed: admitted, Reasons: []model.Reason{}},
		Score: &model.RiskScore{
			Value:   float64(20 + seq),
			Level:   model.LevelLow,
			Signals: []model.Signal{{QuestionKey: "daily_mood", Label: "Mood", Contribution: -3.25}},
		},
		Admitted: admitted,
	}
}

// Event builds an unsealed crisis event for tests.
func Event(user string, n int) model.CrisisEvent {
	return model.CrisisEvent{
		ID:        fmt.Sprintf("%s-event-%d", user, n),
		EntryID:   fmt.Sprintf("%s-entry-%d", user, n),
		UserID:    user,
		EntryType: model.EntryJournal,
		EntryDate: day0.AddDays(n),
		Reasons: []model.TriggerReason{
			{Rule: model.RulePhrase, QuestionKey: "journal_text", Category: "self_harm", Detail: `matched "hurt myself"`},
		},
		Timestamp: t0.Add(time.Duration(n) * time.Second),
	}
}

// Run exercises the Store contract.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	Convey("Given an empty store", t, func() {
		s := factory(t)
		Reset(func() { _ = s.Close() })

		Convey("Then it answers pings and reports nothing stored", func() {
			So(s.Ping(ctx), ShouldBeNil)
			c, err := s.Counts(ctx)
			So(err, ShouldBeNil)
			So(c, ShouldResemble, repository.Counts{})
			users, err := s.ListUsers(ctx)
			So(err, ShouldBeNil)
			So(users, ShouldBeEmpty)
			_, err = s.LastCrisisEvent(ctx)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			_, err = s.GetBaseline(ctx, "nobody")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("When a record is saved", func() {
			rec := Record("u1", 1, 0, true)
			So(s.SaveEntry(ctx, rec), ShouldBeNil)

			Convey("Then it reads back unchanged", func() {
				got, err := s.GetEntry(ctx, rec.Entry.ID)
				So(err, ShouldBeNil)
				So(got, ShouldResemble, rec)
			})

			Convey("Then saving the same id again fails", func() {
				err := s.SaveEntry(ctx, rec)
				So(errors.Is(err, repository.ErrAlreadyExists), ShouldBeTrue)
			})

			Convey("Then an unknown id is not found", func() {
				_, err := s.GetEntry(ctx, "missing")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When an unscored record without duration is saved", func() {
			rec := Record("u1", 1, 0, false)
			rec.Entry.Type = model.EntryJournal
			rec.Entry.DurationSeconds = nil
			rec.Entry.Answers = model.Answers{"journal_text": model.Text("walked by the river")}
			rec.Quality = model.QualityVerdict{Passed: false, Reasons: []model.Reason{model.ReasonTooShort}}
			rec.Score = nil
			So(s.SaveEntry(ctx, rec), ShouldBeNil)

			Convey("Then the missing parts stay missing", func() {
				got, err := s.GetEntry(ctx, rec.Entry.ID)
				So(err, ShouldBeNil)
				So(got, ShouldResemble, rec)
			})
		})

		Convey("When several records are saved out of date order", func() {
			So(s.SaveEntry(ctx, Record("u1", 1, 2, true)), ShouldBeNil)
			So(s.SaveEntry(ctx, Record("u1", 2, 0, true)), ShouldBeNil)
			So(s.SaveEntry(ctx, Record("u1", 3, 1, false)), ShouldBeNil)
			So(s.SaveEntry(ctx, Record("u1", 4, 1, true)), ShouldBeNil)
			rapid := Record("u1", 5, 3, true)
			rapid.Entry.Type = model.EntryRapidEvaluation
			So(s.SaveEntry(ctx, rapid), ShouldBeNil)
			So(s.SaveEntry(ctx, Record("u2", 6, 0, true)), ShouldBeNil)

			Convey("Then listings are ordered by date then submission", func() {
				recs, err := s.ListEntries(ctx, "u1", repository.Filter{})
				So(err, ShouldBeNil)
				ids := make([]string, len(recs))
				for i, r := range recs {
					ids[i] = r.Entry.ID
				}
				So(ids, ShouldResemble, []string{"u1-entry-2", "u1-entry-3", "u1-entry-4", "u1-entry-1", "u1-entry-5"})
			})

			Convey("Then filters narrow the listing", func() {
				recs, err := s.ListEntries(ctx, "u1", repository.Filter{Type: model.EntryRapidEvaluation})
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 1)

				recs, err = s.ListEntries(ctx, "u1", repository.Filter{Since: day0.AddDays(2)})
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 2)

				recs, err = s.ListEntries(ctx, "u1", repository.Filter{Limit: 2})
				So(err, ShouldBeNil)
				So(recs[0].Entry.ID, ShouldEqual, "u1-entry-1")
				So(recs[1].Entry.ID, ShouldEqual, "u1-entry-5")

				recs, err = s.ListEntries(ctx, "u1", repository.Filter{SubmittedAfter: t0.Add(3 * time.Minute)})
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 2)

				recs, err = s.ListEntries(ctx, "nobody", repository.Filter{})
				So(err, ShouldBeNil)
				So(recs, ShouldBeEmpty)
			})

			Convey("Then the previous entry of a type follows submission order", func() {
				prev, err := s.PreviousEntry(ctx, "u1", model.EntryDailyCheckin, 4)
				So(err, ShouldBeNil)
				So(prev.ID, ShouldEqual, "u1-entry-3")

				_, err = s.PreviousEntry(ctx, "u1", model.EntryRapidEvaluation, 5)
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})

			Convey("Then history holds only admitted points in order", func() {
				pts, err := s.History(ctx, "u1")
				So(err, ShouldBeNil)
				So(len(pts), ShouldEqual, 4)
				So(pts[0], ShouldResemble, model.Point{EntryID: "u1-entry-2", Date: day0, Seq: 2, Score: 22})
				So(pts[1].EntryID, ShouldEqual, "u1-entry-4")
			})

			Convey("Then users and counts reflect the records", func() {
				users, err := s.ListUsers(ctx)
				So(err, ShouldBeNil)
				So(users, ShouldResemble, []string{"u1", "u2"})
				c, err := s.Counts(ctx)
				So(err, ShouldBeNil)
				So(c.Entries, ShouldEqual, 6)
				So(c.Users, ShouldEqual, 2)
			})
		})

		Convey("When a baseline is saved twice", func() {
			st := model.BaselineState{
				UserID:    "u1",
				Window:    []model.Point{{EntryID: "a", Date: day0, Seq: 1, Score: 30}},
				Status:    model.StatusInsufficientHistory,
				RunLength: 0,
			}
			So(s.SaveBaseline(ctx, st), ShouldBeNil)
			st.Window = append(st.Window, model.Point{EntryID: "b", Date: day0.AddDays(1), Seq: 2, Score: 31})
			st.DriftFlag = true
			st.Status = model.StatusDrift
			st.Baseline, st.Recent, st.Deviation, st.RunLength = 30, 61, 31, 3
			So(s.SaveBaseline(ctx, st), ShouldBeNil)

			Convey("Then the latest state is returned", func() {
				got, err := s.GetBaseline(ctx, "u1")
				So(err, ShouldBeNil)
				So(got, ShouldResemble, st)
			})
		})

		Convey("When crisis events are appended for several users", func() {
			var sealed []model.CrisisEvent
			for i, u := range []string{"u1", "u2", "u1"} {
				ev, err := s.AppendCrisisEvent(ctx, Event(u, i))
				So(err, ShouldBeNil)
				sealed = append(sealed, ev)
			}

			Convey("Then they form one verifiable chain", func() {
				So(sealed[0].PrevHash, ShouldEqual, model.GenesisHash)
				So(sealed[1].PrevHash, ShouldEqual, sealed[0].Hash)
				all, err := s.ListCrisisEvents(ctx, "")
				So(err, ShouldBeNil)
				So(all, ShouldResemble, sealed)
				So(model.VerifyChain(all), ShouldBeNil)

				head, err := s.LastCrisisEvent(ctx)
				So(err, ShouldBeNil)
				So(head.Hash, ShouldEqual, sealed[2].Hash)
			})

			Convey("Then a user's events can be listed alone", func() {
				mine, err := s.ListCrisisEvents(ctx, "u1")
				So(err, ShouldBeNil)
				So(len(mine), ShouldEqual, 2)
				So(mine[1].ID, ShouldEqual, sealed[2].ID)
			})

			Convey("Then a repeated event id is refused", func() {
				_, err := s.AppendCrisisEvent(ctx, Event("u1", 0))
				So(errors.Is(err, repository.ErrAlreadyExists), ShouldBeTrue)
			})
		})

		Convey("When events and sequence numbers are taken concurrently", func() {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				seqs = map[int64]bool{}
				errs []error
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.AppendCrisisEvent(ctx, Event(fmt.Sprintf("c%d", i), i))
					seq, serr := s.NextSeq(ctx)
					mu.Lock()
					defer mu.Unlock()
					errs = append(errs, err, serr)
					seqs[seq] = true
				}(i)
			}
			wg.Wait()

			Convey("Then the chain stays intact and sequence numbers are unique", func() {
				for _, err := range errs {
					So(err, ShouldBeNil)
				}
				So(len(seqs), ShouldEqual, 10)
				all, err := s.ListCrisisEvents(ctx, "")
				So(err, ShouldBeNil)
				So(len(all), ShouldEqual, 10)
				So(model.VerifyChain(all), ShouldBeNil)
			})
		})
	})
}
