package service_test

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

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

type capturePublisher struct {
	mu    sync.Mutex
	notes []model.Notification
}

func (p *capturePublisher) Publish(_ context.Context, n model.Notification) error { //nolint:gocritic // hugeParam
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) kinds() map[model.NotificationKind][]model.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[model.NotificationKind][]model.Notification{}
	for _, n := range p.notes {
		out[n.Kind] = append(out[n.Kind], n)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var today = model.MustParseDate("2024-03-01")

func checkin(user string, date model.Date, mood, anxiety, energy, stress, focus float64) service.Submission {
	return service.Submission{
		UserID: user,
		Type:   model.EntryDailyCheckin,
		Date:   date,
		Answers: model.Answers{
			catalog.KeyDailyMood:       model.Number(mood),
			catalog.KeyDailyAnxiety:    model.Number(anxiety),
			catalog.KeyDailySleepHours: model.Number(7),
			catalog.KeyDailyEnergy:     model.Number(energy),
			catalog.KeyDailyStress:     model.Number(stress),
			catalog.KeyDailyFocus:      model.Number(focus),
		},
	}
}

func rapid(user string) service.Submission {
	d := 60.0
	return service.Submission{
		UserID:          user,
		Type:            model.EntryRapidEvaluation,
		DurationSeconds: &d,
		Answers: model.Answers{
			catalog.KeyRapidMood:      model.Number(6),
			catalog.KeyRapidAnxiety:   model.Number(4),
			catalog.KeyRapidHopeless:  model.Bool(false),
			catalog.KeyRapidIsolation: model.Bool(false),
			catalog.KeyRapidSleep:     model.Text("good"),
			catalog.KeyRapidAppetite:  model.Text("okay"),
			catalog.KeyRapidSupport:   model.Bool(true),
			catalog.KeyRapidSelfHarm:  model.Bool(false),
			catalog.KeyRapidPlan:      model.Bool(false),
			catalog.KeyRapidSubstance: model.Bool(false),
			catalog.KeyRapidAttention: model.Text("sometimes"),
		},
	}
}

type fixture struct {
	svc   *service.Service
	store *repository.MemoryStore
	pub   *capturePublisher
	clock *clock
}

func newFixture(ctx context.Context) fixture {
	cfg := config.New()
	cfg.Workers.Count = 2
	f := fixture{
		store: repository.NewMemoryStore(ctx),
		pub:   &capturePublisher{},
		clock: &clock{now: today.Time().Add(12 * time.Hour)},
	}
	f.svc = service.New(cfg,
		service.WithStore(f.store),
		service.WithPublisher(f.pub),
		service.WithClock(f.clock.Now),
	)
	So(f.svc.Start(ctx), ShouldBeNil)
	return f
}

func TestServiceLifecycle(t *testing.T) {
	Convey("Given a service that was never started", t, func() {
		ctx := context.Background()
		svc := service.New(nil, service.WithStore(repository.NewMemoryStore(ctx)))

		Convey("Calls fail with ErrNotStarted", func() {
			_, err := svc.Submit(ctx, checkin("u1", today, 7, 3, 6, 3, 7), service.Overrides{})
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			So(errors.Is(svc.Health(ctx), service.ErrNotStarted), ShouldBeTrue)
			So(svc.GetStats(ctx)["started"], ShouldEqual, false)
		})

		Convey("Start and Stop are idempotent", func() {
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Health(ctx), ShouldBeNil)
			stats := svc.GetStats(ctx)
			So(stats["started"], ShouldEqual, true)
			So(stats["storage"], ShouldEqual, config.DriverMemory)
			svc.Stop(ctx)
			svc.Stop(ctx)
		})
	})
}

func TestSubmit(t *testing.T) {
	Convey("Given a running service", t, func() {
		ctx := context.Background()
		f := newFixture(ctx)
		defer f.svc.Stop(ctx)

		Convey("A check-in for today is scored, stored and admitted", func() {
			res, err := f.svc.Submit(ctx, checkin("u1", model.Date{}, 7, 3, 6, 3, 7), service.Overrides{})
			So(err, ShouldBeNil)
			So(res.Record.Entry.ID, ShouldNotBeEmpty)
			So(res.Record.Entry.Date, ShouldResemble, today)
			So(res.Record.Score, ShouldNotBeNil)
			So(res.Record.Admitted, ShouldBeTrue)
			So(res.Crisis, ShouldBeNil)
			So(res.SafetyResources, ShouldBeEmpty)
			So(res.Baseline.Status, ShouldEqual, model.StatusInsufficientHistory)
			So(len(res.Baseline.Window), ShouldEqual, 1)

			stored, err := f.svc.Entry(ctx, res.Record.Entry.ID)
			So(err, ShouldBeNil)
			So(stored.Admitted, ShouldBeTrue)

			st, err := f.store.GetBaseline(ctx, "u1")
			So(err, ShouldBeNil)
			So(len(st.Window), ShouldEqual, 1)
		})

		Convey("Backdating needs the override", func() {
			_, err := f.svc.Submit(ctx, checkin("u1", today.AddDays(-1), 7, 3, 6, 3, 7), service.Overrides{})
			So(errors.Is(err, service.ErrBackdateForbidden), ShouldBeTrue)

			res, err := f.svc.Submit(ctx, checkin("u1", today.AddDays(-1), 7, 3, 6, 3, 7), service.Overrides{AllowBackdate: true})
			So(err, ShouldBeNil)
			So(res.Record.Entry.Date, ShouldResemble, today.AddDays(-1))
		})

		Convey("A repeated submission id is refused", func() {
			sub := checkin("u1", today, 7, 3, 6, 3, 7)
			sub.SubmissionID = "client-1"
			_, err := f.svc.Submit(ctx, sub, service.Overrides{})
			So(err, ShouldBeNil)
			_, err = f.svc.Submit(ctx, sub, service.Overrides{})
			So(errors.Is(err, service.ErrDuplicateSubmission), ShouldBeTrue)
		})

		Convey("A rejected submission frees its id for a retry", func() {
			bad := checkin("u1", today, 7, 3, 6, 3, 7)
			bad.SubmissionID = "client-2"
			bad.Answers["nonsense"] = model.Number(1)
			_, err := f.svc.Submit(ctx, bad, service.Overrides{})
			So(errors.Is(err, model.ErrInvalidEntry), ShouldBeTrue)

			good := checkin("u1", today, 7, 3, 6, 3, 7)
			good.SubmissionID = "client-2"
			_, err = f.svc.Submit(ctx, good, service.Overrides{})
			So(err, ShouldBeNil)
		})

		Convey("An invalid entry with a crisis phrase still records the crisis", func() {
			sub := service.Submission{
				UserID: "u2",
				Type:   model.EntryJournal,
				Answers: model.Answers{
					catalog.KeyJournalText: model.Text("I want to end my life"),
					"unknown_field":        model.Number(3),
				},
			}
			res, err := f.svc.Submit(ctx, sub, service.Overrides{})
			So(errors.Is(err, model.ErrInvalidEntry), ShouldBeTrue)
			So(res.Crisis, ShouldNotBeNil)
			So(res.Crisis.Hash, ShouldNotBeEmpty)
			So(res.SafetyResources, ShouldNotBeEmpty)

			evs, err := f.svc.CrisisEvents(ctx, "u2")
			So(err, ShouldBeNil)
			So(evs, ShouldHaveLength, 1)

			_, err = f.svc.Entries(ctx, "u2", repository.Filter{})
			So(errors.Is(err, service.ErrUnknownUser), ShouldBeTrue)
			So(service.IsNotFound(err), ShouldBeTrue)

			n, err := f.svc.VerifyLog(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)

			f.svc.Stop(ctx)
			So(f.pub.kinds()[model.NotifyCrisisTriggered], ShouldHaveLength, 1)
		})

		Convey("Rapid evaluations are rate limited", func() {
			_, err := f.svc.Submit(ctx, rapid("u3"), service.Overrides{})
			So(err, ShouldBeNil)

			f.clock.Advance(time.Minute)
			_, err = f.svc.Submit(ctx, rapid("u3"), service.Overrides{})
			So(errors.Is(err, service.ErrCooldown), ShouldBeTrue)

			_, err = f.svc.Submit(ctx, rapid("u3"), service.Overrides{BypassCooldown: true})
			So(err, ShouldBeNil)

			f.clock.Advance(10 * time.Minute)
			_, err = f.svc.Submit(ctx, rapid("u3"), service.Overrides{})
			So(err, ShouldBeNil)

			f.clock.Advance(10 * time.Minute)
			_, err = f.svc.Submit(ctx, rapid("u3"), service.Overrides{})
			So(errors.Is(err, service.ErrCooldown), ShouldBeTrue)

			f.clock.Advance(24 * time.Hour)
			_, err = f.svc.Submit(ctx, rapid("u3"), service.Overrides{AllowBackdate: true})
			So(err, ShouldBeNil)
		})

		Convey("Queries cover questions and unknown users", func() {
			qs, err := f.svc.RapidQuestions(ctx)
			So(err, ShouldBeNil)
			So(len(qs), ShouldBeGreaterThan, 0)

			daily, err := f.svc.DailyQuestions(ctx, "u1", model.Date{})
			So(err, ShouldBeNil)
			again, err := f.svc.DailyQuestions(ctx, "u1", today)
			So(err, ShouldBeNil)
			So(daily, ShouldResemble, again)

			_, err = f.svc.Baseline(ctx, "nobody")
			So(errors.Is(err, service.ErrUnknownUser), ShouldBeTrue)
		})
	})
}

func crisisJournal(user string, date model.Date) service.Submission {
	return service.Submission{
		UserID:  user,
		Type:    model.EntryJournal,
		Date:    date,
		Answers: model.Answers{catalog.KeyJournalText: model.Text("I want to kill myself tonight")},
	}
}

func TestRefusedSubmissionsAreScreened(t *testing.T) {
	Convey("Given a running service", t, func() {
		ctx := context.Background()
		f := newFixture(ctx)
		defer f.svc.Stop(ctx)

		Convey("A forbidden backdate still records its crisis", func() {
			res, err := f.svc.Submit(ctx, crisisJournal("b1", today.AddDays(-1)), service.Overrides{})
			So(errors.Is(err, service.ErrBackdateForbidden), ShouldBeTrue)
			So(res.Crisis, ShouldNotBeNil)
			So(res.Crisis.EntryDate, ShouldResemble, today.AddDays(-1))
			So(res.SafetyResources, ShouldNotBeEmpty)
			So(res.Record.Entry.ID, ShouldBeEmpty)

			evs, err := f.svc.CrisisEvents(ctx, "b1")
			So(err, ShouldBeNil)
			So(evs, ShouldHaveLength, 1)

			_, err = f.svc.Entries(ctx, "b1", repository.Filter{})
			So(errors.Is(err, service.ErrUnknownUser), ShouldBeTrue)
		})

		Convey("A repeated submission id still records its crisis", func() {
			sub := crisisJournal("d1", today)
			sub.SubmissionID = "client-9"
			first, err := f.svc.Submit(ctx, sub, service.Overrides{})
			So(err, ShouldBeNil)
			So(first.Crisis, ShouldNotBeNil)

			second, err := f.svc.Submit(ctx, sub, service.Overrides{})
			So(errors.Is(err, service.ErrDuplicateSubmission), ShouldBeTrue)
			So(second.Crisis, ShouldNotBeNil)
			So(second.Crisis.ID, ShouldNotEqual, first.Crisis.ID)
			So(second.SafetyResources, ShouldNotBeEmpty)

			evs, err := f.svc.CrisisEvents(ctx, "d1")
			So(err, ShouldBeNil)
			So(evs, ShouldHaveLength, 2)
		})

		Convey("A rapid evaluation inside the cooldown still records its crisis", func() {
			_, err := f.svc.Submit(ctx, rapid("c1"), service.Overrides{})
			So(err, ShouldBeNil)

			f.clock.Advance(time.Minute)
			sub := rapid("c1")
			sub.Answers[catalog.KeyRapidPlan] = model.Bool(true)
			res, err := f.svc.Submit(ctx, sub, service.Overrides{})
			So(errors.Is(err, service.ErrCooldown), ShouldBeTrue)
			So(res.Crisis, ShouldNotBeNil)
			So(res.Crisis.Reasons[0].QuestionKey, ShouldEqual, catalog.KeyRapidPlan)
			So(res.SafetyResources, ShouldNotBeEmpty)

			evs, err := f.svc.CrisisEvents(ctx, "c1")
			So(err, ShouldBeNil)
			So(evs, ShouldHaveLength, 1)

			n, err := f.svc.VerifyLog(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})

		Convey("A refusal without crisis content carries no event", func() {
			res, err := f.svc.Submit(ctx, checkin("q1", today.AddDays(-1), 7, 3, 6, 3, 7), service.Overrides{})
			So(errors.Is(err, service.ErrBackdateForbidden), ShouldBeTrue)
			So(res.Crisis, ShouldBeNil)
			So(res.SafetyResources, ShouldBeEmpty)
		})

		Convey("A request refused before submission can be screened directly", func() {
			cause := errors.New("entry_date: not a date")
			res, err := f.svc.Screen(ctx, crisisJournal("s1", model.Date{}), cause)
			So(err, ShouldEqual, cause)
			So(res.Crisis, ShouldNotBeNil)
			So(res.Crisis.EntryDate, ShouldResemble, today)

			f.svc.Stop(ctx)
			So(f.pub.kinds()[model.NotifyCrisisTriggered], ShouldHaveLength, 1)
		})
	})
}

func TestSubmitDrift(t *testing.T) {
	Convey("Given ten calm days followed by three distressed ones", t, func() {
		ctx := context.Background()
		f := newFixture(ctx)
		dev := service.Overrides{AllowBackdate: true}

		calm := [][5]float64{
			{7, 3, 6, 3, 7}, {8, 3, 6, 4, 7}, {7, 4, 7, 3, 6}, {7, 3, 6, 3, 8}, {8, 2, 6, 3, 7},
			{7, 3, 7, 4, 7}, {7, 3, 6, 3, 6}, {8, 3, 6, 3, 7}, {7, 4, 6, 3, 7}, {7, 3, 7, 3, 7},
		}
		distressed := [][5]float64{{2, 9, 2, 9, 3}, {3, 9, 2, 8, 2}, {2, 8, 3, 9, 2}}
		start := today.AddDays(-len(calm) - len(distressed) + 1)

		var results []service.Result
		for i, a := range append(calm, distressed...) {
			res, err := f.svc.Submit(ctx, checkin("u1", start.AddDays(i), a[0], a[1], a[2], a[3], a[4]), dev)
			So(err, ShouldBeNil)
			results = append(results, res)
		}
		last := results[len(results)-1]
		f.svc.Stop(ctx)

		Convey("Drift is flagged on the third distressed day and announced once", func() {
			So(results[len(results)-2].Baseline.DriftFlag, ShouldBeFalse)
			So(last.Baseline.DriftFlag, ShouldBeTrue)

			drift := f.pub.kinds()[model.NotifyDriftChanged]
			So(drift, ShouldHaveLength, 1)
			So(drift[0].EntryID, ShouldEqual, last.Record.Entry.ID)
			So(drift[0].Baseline, ShouldNotBeNil)
			So(drift[0].Baseline.DriftFlag, ShouldBeTrue)
		})

		Convey("A restarted service reseeds the baseline from storage", func() {
			cfg := config.New()
			svc := service.New(cfg, service.WithStore(f.store), service.WithPublisher(&capturePublisher{}))
			So(svc.Start(ctx), ShouldBeNil)
			defer svc.Stop(ctx)

			st, err := svc.Baseline(ctx, "u1")
			So(err, ShouldBeNil)
			So(st.DriftFlag, ShouldBeTrue)
			So(st.Window, ShouldResemble, last.Baseline.Window)
		})
	})
}
