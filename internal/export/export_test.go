package export_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/internal/export"
	"github.com/okian/mindtriage/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithOutput(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

const secretText = "my sister Jane called about the overdue rent again"

func seed(ctx context.Context, store *repository.MemoryStore) {
	day := model.MustParseDate("2024-03-01")
	recs := []model.Record{
		{
			Entry: model.Entry{
				ID: "e1", UserID: "alice@example.com", Type: model.EntryDailyCheckin, Date: day, Seq: 1,
				Answers: model.Answers{
					catalog.KeyDailyMood:    model.Number(7),
					catalog.KeyDailyAnxiety: model.Number(3),
				},
			},
			Quality:  model.QualityVerdict{Passed: true},
			Score:    &model.RiskScore{Value: 21.5, Level: model.LevelLow},
			Admitted: true,
		},
		{
			Entry: model.Entry{
				ID: "e2", UserID: "alice@example.com", Type: model.EntryJournal, Date: day.AddDays(1), Seq: 2,
				Answers: model.Answers{catalog.KeyJournalText: model.Text(secretText)},
			},
			Quality: model.QualityVerdict{Passed: false, Reasons: []model.Reason{model.ReasonLowWordCount}},
		},
		{
			Entry: model.Entry{
				ID: "e3", UserID: "bob", Type: model.EntryDailyCheckin, Date: day.AddDays(-10), Seq: 3,
				Answers: model.Answers{catalog.KeyDailyMood: model.Number(4)},
			},
			Quality:  model.QualityVerdict{Passed: true},
			Score:    &model.RiskScore{Value: 55, Level: model.LevelElevated},
			Admitted: true,
		},
	}
	for _, rec := range recs {
		So(store.SaveEntry(ctx, rec), ShouldBeNil)
	}
	So(store.SaveBaseline(ctx, model.BaselineState{
		UserID: "alice@example.com", Status: model.StatusStable, Baseline: 20, Recent: 22, Deviation: 2,
		Window: []model.Point{{EntryID: "e1", Date: day, Seq: 1, Score: 21.5}},
	}), ShouldBeNil)
}

func TestPseudonym(t *testing.T) {
	Convey("Pseudonyms are short, stable and salted", t, func() {
		p := export.Pseudonym("alice", "salt")
		So(p, ShouldHaveLength, 16)
		So(export.Pseudonym("alice", "salt"), ShouldEqual, p)
		So(export.Pseudonym("alice", "pepper"), ShouldNotEqual, p)
		So(export.Pseudonym("bob", "salt"), ShouldNotEqual, p)
	})
}

func TestExport(t *testing.T) {
	Convey("Given a store with two users", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(ctx)
		defer store.Close()
		seed(ctx, store)
		now := func() time.Time { return time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC) }

		Convey("Options are validated", func() {
			_, err := export.Export(ctx, store, io.Discard, export.Options{Format: "xml", Salt: "s"})
			So(errors.Is(err, export.ErrUnknownFormat), ShouldBeTrue)
			_, err = export.Export(ctx, store, io.Discard, export.Options{Format: export.FormatCSV})
			So(errors.Is(err, export.ErrMissingSalt), ShouldBeTrue)
		})

		Convey("The JSON form carries records and baselines without identities", func() {
			var buf bytes.Buffer
			stats, err := export.Export(ctx, store, &buf, export.Options{Salt: "s", Now: now})
			So(err, ShouldBeNil)
			So(stats, ShouldResemble, export.Stats{Users: 2, Records: 3})

			out := buf.String()
			So(out, ShouldNotContainSubstring, "alice")
			So(out, ShouldNotContainSubstring, "bob")
			So(out, ShouldNotContainSubstring, "Jane")

			var doc export.Document
			So(json.Unmarshal(buf.Bytes(), &doc), ShouldBeNil)
			So(doc.Records, ShouldHaveLength, 3)
			So(doc.Baselines, ShouldHaveLength, 2)

			alice := export.Pseudonym("alice@example.com", "s")
			for _, b := range doc.Baselines {
				if b.User == alice {
					So(b.Status, ShouldEqual, model.StatusStable)
					So(b.Points, ShouldEqual, 1)
				} else {
					So(b.Status, ShouldEqual, model.StatusInsufficientHistory)
				}
			}
			for _, r := range doc.Records {
				if r.EntryType == model.EntryJournal {
					So(r.Answers, ShouldBeEmpty)
					So(r.WordCount, ShouldEqual, 9)
					So(r.ScoreValue, ShouldBeNil)
				}
			}
		})

		Convey("Since drops older entries", func() {
			var buf bytes.Buffer
			stats, err := export.Export(ctx, store, &buf, export.Options{
				Salt: "s", Since: model.MustParseDate("2024-02-25"), Now: now,
			})
			So(err, ShouldBeNil)
			So(stats.Records, ShouldEqual, 2)
		})

		Convey("The CSV form has one row per entry", func() {
			var buf bytes.Buffer
			_, err := export.Export(ctx, store, &buf, export.Options{Format: export.FormatCSV, Salt: "s"})
			So(err, ShouldBeNil)
			So(buf.String(), ShouldNotContainSubstring, "Jane")

			rows, err := csv.NewReader(&buf).ReadAll()
			So(err, ShouldBeNil)
			So(rows, ShouldHaveLength, 4)
			So(rows[0][0], ShouldEqual, "user")
			for _, row := range rows[1:] {
				So(row[0], ShouldHaveLength, 16)
			}
		})
	})
}
