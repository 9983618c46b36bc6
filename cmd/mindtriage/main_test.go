package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/mindtriage/internal/adapters/repository/sqlite"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/guardrail"
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

func run(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// sqliteConfig writes a config file pointing at a fresh SQLite database.
func sqliteConfig(t *testing.T) (cfgPath, dbPath string) {
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "triage.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	yml := "log_level: error\nstorage:\n  driver: sqlite\n  sqlite_path: " + dbPath + "\nexport:\n  salt: test-salt\n"
	So(os.WriteFile(cfgPath, []byte(yml), 0o600), ShouldBeNil)
	return cfgPath, dbPath
}

func TestQuestionsCommand(t *testing.T) {
	Convey("Given the questions command", t, func() {
		Convey("It prints the day's check-in", func() {
			out, _, err := run("questions", "--user", "u1", "--date", "2024-03-01")
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, "Daily check-in for u1 on 2024-03-01")
			So(out, ShouldContainSubstring, catalog.KeyDailyMood)
		})

		Convey("It needs a user", func() {
			_, _, err := run("questions")
			So(err, ShouldNotBeNil)
		})

		Convey("It rejects a malformed date", func() {
			_, _, err := run("questions", "--user", "u1", "--date", "March 1")
			So(err, ShouldNotBeNil)
		})
	})
}

func TestStoreCommands(t *testing.T) {
	Convey("Given a SQLite store with one user", t, func() {
		ctx := context.Background()
		cfgPath, dbPath := sqliteConfig(t)

		store, err := sqlite.Open(ctx, dbPath)
		So(err, ShouldBeNil)
		day := model.MustParseDate("2024-03-01")
		entry := model.Entry{
			ID: "e1", UserID: "alice", Type: model.EntryJournal, Date: day, Seq: 1,
			Answers: model.Answers{catalog.KeyJournalText: model.Text("I feel like I want to die")},
		}
		So(store.SaveEntry(ctx, model.Record{Entry: entry, Quality: model.QualityVerdict{Passed: true}}), ShouldBeNil)
		_, err = store.AppendCrisisEvent(ctx, guardrail.NewEvent(entry, []model.TriggerReason{
			{Rule: model.RulePhrase, Category: "suicidal_intent", Detail: "want to die"},
		}, day.Time()))
		So(err, ShouldBeNil)
		So(store.Close(), ShouldBeNil)

		Convey("verify-log accepts the chain", func() {
			out, _, err := run("--config", cfgPath, "verify-log")
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, "crisis log ok: 1 events")
		})

		Convey("export writes a pseudonymous CSV", func() {
			outPath := filepath.Join(t.TempDir(), "export.csv")
			_, stderr, err := run("--config", cfgPath, "export", "--format", "csv", "--out", outPath)
			So(err, ShouldBeNil)
			So(stderr, ShouldContainSubstring, "exported 1 entries of 1 users")

			data, err := os.ReadFile(outPath)
			So(err, ShouldBeNil)
			So(string(data), ShouldNotContainSubstring, "alice")
			So(string(data), ShouldNotContainSubstring, "want to die")

			rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
			So(err, ShouldBeNil)
			So(rows, ShouldHaveLength, 2)
			So(rows[1][0], ShouldEqual, export.Pseudonym("alice", "test-salt"))
		})

		Convey("export rejects unknown formats", func() {
			_, _, err := run("--config", cfgPath, "export", "--format", "xml")
			So(err, ShouldNotBeNil)
		})
	})
}

func TestConfigErrors(t *testing.T) {
	Convey("A missing config file fails the command", t, func() {
		_, _, err := run("--config", filepath.Join(t.TempDir(), "absent.yaml"), "verify-log")
		So(err, ShouldNotBeNil)
	})
}
