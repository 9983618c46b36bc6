package demo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/mindtriage/internal/adapters/http/api"
	"github.com/okian/mindtriage/internal/adapters/repository"
	service "github.com/okian/mindtriage/internal/app"
	"github.com/okian/mindtriage/internal/config"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithOutput(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newServer(ctx context.Context, devMode bool) (*httptest.Server, *service.Service) {
	cfg := config.New()
	cfg.DevMode = devMode
	cfg.Workers.Count = 1
	svc := service.New(cfg, service.WithStore(repository.NewMemoryStore(ctx)))
	So(svc.Start(ctx), ShouldBeNil)
	srv := httptest.NewServer(api.NewServer(svc, api.WithDevMode(devMode)).Handler(ctx))
	return srv, svc
}

func TestGenerator(t *testing.T) {
	Convey("Given a generator over the default catalog", t, func() {
		cat := catalog.New()
		g := newGenerator(7, 0, 10, 0.5)
		day := model.MustParseDate("2024-03-01")

		Convey("Answers validate against the served questions", func() {
			for i := 0; i < 10; i++ {
				date := day.AddDays(i)
				qs := cat.Daily("u1", date)
				e := model.Entry{
					UserID: "u1", Type: model.EntryDailyCheckin, Date: date,
					Answers: g.answers(qs, g.severity(i)),
				}
				So(cat.Validate(e), ShouldBeNil)
				for _, key := range cat.Required(model.EntryDailyCheckin) {
					So(e.Answers, ShouldContainKey, key)
				}
			}
		})

		Convey("The shifted phase is worse than the stable one", func() {
			So(g.severity(0), ShouldBeLessThan, g.severity(9))
			qs := cat.Questions(model.EntryDailyCheckin)
			calm := g.answers(qs, stableSeverity)
			heavy := g.answers(qs, shiftedSeverity)
			calmMood, _ := calm[catalog.KeyDailyMood].Float()
			heavyMood, _ := heavy[catalog.KeyDailyMood].Float()
			So(calmMood, ShouldBeGreaterThan, heavyMood)
		})

		Convey("Only the alarming user writes the crisis journal, on the last day", func() {
			So(g.journal(9, true), ShouldEqual, crisisJournal)
			So(g.journal(9, false), ShouldNotEqual, crisisJournal)
			So(g.journal(0, true), ShouldBeEmpty)
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given a dev-mode server", t, func() {
		ctx := context.Background()
		srv, svc := newServer(ctx, true)
		defer srv.Close()
		defer svc.Stop(ctx)

		Convey("A small run submits every history", func() {
			cfg := NewConfig()
			cfg.BaseURL = srv.URL
			cfg.Users = 3
			cfg.Days = 14
			cfg.Workers = 2
			cfg.CrisisEvery = 3

			var out bytes.Buffer
			s, err := Run(ctx, cfg, &out)
			So(err, ShouldBeNil)
			So(s.Users, ShouldEqual, 3)
			So(s.Submitted, ShouldEqual, 3*14+3*2)
			So(s.Failed, ShouldEqual, 0)
			So(s.Crises, ShouldBeGreaterThanOrEqualTo, 1)
			So(out.String(), ShouldContainSubstring, "Demo summary")

			n, err := svc.VerifyLog(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, s.Crises)
		})
	})

	Convey("Given a server without dev mode", t, func() {
		ctx := context.Background()
		srv, svc := newServer(ctx, false)
		defer srv.Close()
		defer svc.Stop(ctx)

		Convey("Backdated histories are refused", func() {
			cfg := NewConfig()
			cfg.BaseURL = srv.URL
			cfg.Users = 2
			cfg.Days = 5
			_, err := Run(ctx, cfg, io.Discard)
			So(errors.Is(err, ErrBackdateRejected), ShouldBeTrue)
		})
	})

	Convey("Invalid parameters are rejected before any request", t, func() {
		cfg := NewConfig()
		cfg.Users = 0
		_, err := Run(context.Background(), cfg, io.Discard)
		So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
	})
}
