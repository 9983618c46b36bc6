package model_test

import (
	"encoding/json"
	"testing"
	"time"

	model "github.com/okian/mindtriage/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestAnswerJSON(t *testing.T) {
	convey.Convey("Given answers decoded from JSON", t, func() {
		var answers model.Answers
		err := json.Unmarshal([]byte(`{"mood": 4, "hopeless": true, "note": "  Rough   DAY "}`), &answers)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("Then each value keeps its kind", func() {
			v, ok := answers["mood"].Float()
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, 4)

			b, ok := answers["hopeless"].BoolValue()
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(b, convey.ShouldBeTrue)

			s, ok := answers["note"].TextValue()
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(s, convey.ShouldEqual, "  Rough   DAY ")
		})

		convey.Convey("Then canonical forms normalize text and numbers", func() {
			convey.So(answers["note"].Canonical(), convey.ShouldEqual, "t:rough day")
			convey.So(model.Number(4.0).Canonical(), convey.ShouldEqual, answers["mood"].Canonical())
		})

		convey.Convey("Then re-encoding yields bare values", func() {
			out, err := json.Marshal(answers["mood"])
			convey.So(err, convey.ShouldBeNil)
			convey.So(string(out), convey.ShouldEqual, "4")
		})
	})

	convey.Convey("Given a null answer", t, func() {
		var a model.Answer
		err := json.Unmarshal([]byte(`null`), &a)

		convey.Convey("Then decoding fails", func() {
			convey.So(err, convey.ShouldNotBeNil)
		})
	})

	convey.Convey("Given blank text", t, func() {
		convey.So(model.Text("   ").IsBlank(), convey.ShouldBeTrue)
		convey.So(model.Bool(false).IsBlank(), convey.ShouldBeFalse)
	})
}

func TestDate(t *testing.T) {
	convey.Convey("Given entry dates", t, func() {
		d := model.MustParseDate("2024-03-10")

		convey.Convey("Then they round-trip through JSON", func() {
			out, err := json.Marshal(d)
			convey.So(err, convey.ShouldBeNil)
			convey.So(string(out), convey.ShouldEqual, `"2024-03-10"`)

			var back model.Date
			convey.So(json.Unmarshal(out, &back), convey.ShouldBeNil)
			convey.So(back.Compare(d), convey.ShouldEqual, 0)
		})

		convey.Convey("Then they order by calendar day", func() {
			convey.So(d.AddDays(-1).Before(d), convey.ShouldBeTrue)
			convey.So(d.AddDays(1).EpochDay()-d.EpochDay(), convey.ShouldEqual, 1)
		})

		convey.Convey("Then malformed strings are rejected", func() {
			_, err := model.ParseDate("10/03/2024")
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestPointOrdering(t *testing.T) {
	convey.Convey("Given two points on the same date", t, func() {
		a := model.Point{Date: model.MustParseDate("2024-01-01"), Seq: 1}
		b := model.Point{Date: model.MustParseDate("2024-01-01"), Seq: 2}
		c := model.Point{Date: model.MustParseDate("2023-12-31"), Seq: 9}

		convey.So(a.Less(b), convey.ShouldBeTrue)
		convey.So(b.Less(a), convey.ShouldBeFalse)
		convey.So(c.Less(a), convey.ShouldBeTrue)
	})
}

func TestCrisisChain(t *testing.T) {
	convey.Convey("Given a sealed chain of crisis events", t, func() {
		ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		first := model.CrisisEvent{
			ID: "ev-1", EntryID: "e-1", UserID: "u-1",
			EntryType: model.EntryJournal, EntryDate: model.MustParseDate("2024-05-01"),
			Reasons:   []model.TriggerReason{{Rule: model.RulePhrase, Category: "self_harm", Detail: "hurt myself"}},
			Timestamp: ts,
		}
		first.Seal("")
		second := model.CrisisEvent{
			ID: "ev-2", EntryID: "e-2", UserID: "u-2",
			EntryType: model.EntryRapidEvaluation, EntryDate: model.MustParseDate("2024-05-02"),
			Reasons:   []model.TriggerReason{{Rule: model.RuleMaxSeverity, QuestionKey: "rapid_self_harm_plan", Detail: "answered true"}},
			Timestamp: ts.Add(time.Hour),
		}
		second.Seal(first.Hash)

		convey.Convey("Then the chain verifies", func() {
			convey.So(first.PrevHash, convey.ShouldEqual, model.GenesisHash)
			convey.So(model.VerifyChain([]model.CrisisEvent{first, second}), convey.ShouldBeNil)
		})

		convey.Convey("When an event is altered after sealing", func() {
			second.Reasons[0].Detail = "edited"
			err := model.VerifyChain([]model.CrisisEvent{first, second})

			convey.Convey("Then verification reports a hash mismatch", func() {
				convey.So(err, convey.ShouldNotBeNil)
				chainErr, ok := err.(*model.ChainError)
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(chainErr.Type, convey.ShouldEqual, "hash_mismatch")
				convey.So(chainErr.Index, convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When an event is removed", func() {
			err := model.VerifyChain([]model.CrisisEvent{second})

			convey.Convey("Then verification reports a broken link", func() {
				chainErr, ok := err.(*model.ChainError)
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(chainErr.Type, convey.ShouldEqual, "chain_broken")
			})
		})
	})
}
