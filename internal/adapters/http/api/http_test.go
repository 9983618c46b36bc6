package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/mindtriage/internal/adapters/http/api"
	"github.com/okian/mindtriage/internal/adapters/repository"
	service "github.com/okian/mindtriage/internal/app"
	"github.com/okian/mindtriage/internal/config"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/guardrail"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithOutput(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeDeps struct {
	lastSub    service.Submission
	lastOv     service.Overrides
	lastFilter repository.Filter
	submitRes  service.Result
	submitErr  error
	screened   *service.Submission
	screenErr  error
	screenRes  service.Result
	entriesErr error
	healthErr  error
}

func (f *fakeDeps) Submit(_ context.Context, sub service.Submission, ov service.Overrides) (service.Result, error) {
	f.lastSub = sub
	f.lastOv = ov
	return f.submitRes, f.submitErr
}

func (f *fakeDeps) Screen(_ context.Context, sub service.Submission, cause error) (service.Result, error) {
	f.screened = &sub
	f.screenErr = cause
	return f.screenRes, cause
}

func (f *fakeDeps) RapidQuestions(context.Context) ([]catalog.Question, error) {
	return catalog.DefaultRapid(), nil
}

func (f *fakeDeps) DailyQuestions(_ context.Context, userID string, date model.Date) ([]catalog.Question, error) {
	return catalog.New().Daily(userID, date), nil
}

func (f *fakeDeps) Entries(_ context.Context, userID string, fl repository.Filter) ([]model.Record, error) {
	f.lastFilter = fl
	if f.entriesErr != nil {
		return nil, f.entriesErr
	}
	return []model.Record{{Entry: model.Entry{ID: "e1", UserID: userID}}}, nil
}

func (f *fakeDeps) Baseline(_ context.Context, userID string) (model.BaselineState, error) {
	if userID == "ghost" {
		return model.BaselineState{}, fmt.Errorf("%w: ghost", service.ErrUnknownUser)
	}
	return model.BaselineState{UserID: userID, Status: model.StatusStable}, nil
}

func (f *fakeDeps) CrisisEvents(context.Context, string) ([]model.CrisisEvent, error) {
	return nil, nil
}

func (f *fakeDeps) Health(context.Context) error { return f.healthErr }

func (f *fakeDeps) StorageDriver() string { return "memory" }

func (f *fakeDeps) GetStats(context.Context) map[string]interface{} {
	return map[string]interface{}{"entries": 0}
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func TestRoutes(t *testing.T) {
	Convey("Given a server over fake dependencies", t, func() {
		deps := &fakeDeps{}
		h := api.NewServer(deps).Handler(context.Background())

		Convey("Health reports the storage driver", func() {
			rec := do(h, http.MethodGet, "/healthz", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(decode(rec)["storage"], ShouldEqual, "memory")

			deps.healthErr = errors.New("down")
			rec = do(h, http.MethodGet, "/healthz", "")
			So(rec.Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("Unknown routes and methods get JSON errors", func() {
			rec := do(h, http.MethodGet, "/nope", "")
			So(rec.Code, ShouldEqual, http.StatusNotFound)
			So(decode(rec)["code"], ShouldEqual, api.CodeNotFound)

			rec = do(h, http.MethodDelete, "/v1/entries", "")
			So(rec.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})

		Convey("Metrics and the OpenAPI document are served", func() {
			So(do(h, http.MethodGet, "/metrics", "").Code, ShouldEqual, http.StatusOK)
			So(do(h, http.MethodGet, "/openapi.yaml", "").Code, ShouldEqual, http.StatusOK)
		})

		Convey("Daily questions need a user", func() {
			So(do(h, http.MethodGet, "/v1/questions/daily", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodGet, "/v1/questions/daily?user_id=u1&date=03/01", "").Code, ShouldEqual, http.StatusBadRequest)

			rec := do(h, http.MethodGet, "/v1/questions/daily?user_id=u1&date=2024-03-01", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			body := decode(rec)
			So(body["entry_date"], ShouldEqual, "2024-03-01")
			So(body["questions"], ShouldNotBeEmpty)
		})

		Convey("Rapid questions and safety resources are listed", func() {
			rec := do(h, http.MethodGet, "/v1/questions/rapid", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(decode(rec)["entry_type"], ShouldEqual, string(model.EntryRapidEvaluation))

			rec = do(h, http.MethodGet, "/v1/safety/resources", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(decode(rec)["resources"], ShouldHaveLength, len(guardrail.Resources()))
		})

		Convey("Entry listing validates its query", func() {
			So(do(h, http.MethodGet, "/v1/users/u1/entries?limit=0", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodGet, "/v1/users/u1/entries?limit=501", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodGet, "/v1/users/u1/entries?type=diary", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodGet, "/v1/users/u1/entries?since=yesterday", "").Code, ShouldEqual, http.StatusBadRequest)

			rec := do(h, http.MethodGet, "/v1/users/u1/entries?type=journal&limit=5&since=2024-02-01", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(deps.lastFilter.Type, ShouldEqual, model.EntryJournal)
			So(deps.lastFilter.Limit, ShouldEqual, 5)
			So(deps.lastFilter.Since.String(), ShouldEqual, "2024-02-01")
		})

		Convey("Unknown users map to 404", func() {
			rec := do(h, http.MethodGet, "/v1/users/ghost/baseline", "")
			So(rec.Code, ShouldEqual, http.StatusNotFound)

			deps.entriesErr = fmt.Errorf("%w: ghost", service.ErrUnknownUser)
			So(do(h, http.MethodGet, "/v1/users/ghost/entries", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Crisis events of a quiet user are an empty list", func() {
			rec := do(h, http.MethodGet, "/v1/users/u1/crisis-events", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldContainSubstring, `"events":[]`)
		})
	})
}

func TestPostEntry(t *testing.T) {
	Convey("Given a server over fake dependencies", t, func() {
		deps := &fakeDeps{}
		h := api.NewServer(deps, api.WithMaxBodyBytes(512)).Handler(context.Background())

		Convey("A valid body is passed through without overrides", func() {
			deps.submitRes = service.Result{Record: model.Record{Entry: model.Entry{ID: "e1"}, Admitted: true}}
			rec := do(h, http.MethodPost, "/v1/entries",
				`{"submission_id":" s1 ","user_id":"u1","entry_type":"journal","entry_date":"2024-03-01","answers":{"journal_text":"fine"}}`)
			So(rec.Code, ShouldEqual, http.StatusCreated)
			So(deps.lastSub.SubmissionID, ShouldEqual, "s1")
			So(deps.lastSub.Date.String(), ShouldEqual, "2024-03-01")
			So(deps.lastOv, ShouldResemble, service.Overrides{})
			So(decode(rec)["admitted"], ShouldBeTrue)
		})

		Convey("Malformed bodies are rejected", func() {
			So(do(h, http.MethodPost, "/v1/entries", `{`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodPost, "/v1/entries", `{"bogus":1}`).Code, ShouldEqual, http.StatusBadRequest)

			rec := do(h, http.MethodPost, "/v1/entries", `{"user_id":"u1","entry_type":"journal","entry_date":"tomorrow","answers":{}}`)
			So(rec.Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(decode(rec)["code"], ShouldEqual, api.CodeInvalidEntry)
		})

		Convey("Oversized bodies get 413", func() {
			big := `{"user_id":"u1","entry_type":"journal","answers":{"journal_text":"` + strings.Repeat("a", 1024) + `"}}`
			So(do(h, http.MethodPost, "/v1/entries", big).Code, ShouldEqual, http.StatusRequestEntityTooLarge)
		})

		Convey("Service errors map to their statuses", func() {
			cases := []struct {
				err    error
				status int
			}{
				{service.ErrBackdateForbidden, http.StatusForbidden},
				{fmt.Errorf("%w: s1", service.ErrDuplicateSubmission), http.StatusConflict},
				{fmt.Errorf("%w: retry", service.ErrCooldown), http.StatusTooManyRequests},
				{service.ErrNotStarted, http.StatusServiceUnavailable},
				{errors.New("disk on fire"), http.StatusInternalServerError},
			}
			for _, c := range cases {
				deps.submitErr = c.err
				rec := do(h, http.MethodPost, "/v1/entries", `{"user_id":"u1","entry_type":"journal","answers":{"journal_text":"x"}}`)
				So(rec.Code, ShouldEqual, c.status)
			}
			So(do(h, http.MethodPost, "/v1/entries", `{"user_id":"u1","entry_type":"journal","answers":{}}`).Body.String(),
				ShouldNotContainSubstring, "disk on fire")
		})

		Convey("A rejected entry still reports its crisis", func() {
			deps.submitErr = &catalog.ValidationError{Fields: []catalog.FieldError{{Field: "journal_text", Reason: "too short"}}}
			deps.submitRes = service.Result{
				Crisis:          &model.CrisisEvent{ID: "c1"},
				SafetyResources: guardrail.Resources(),
			}
			rec := do(h, http.MethodPost, "/v1/entries", `{"user_id":"u1","entry_type":"journal","answers":{"journal_text":"x"}}`)
			So(rec.Code, ShouldEqual, http.StatusUnprocessableEntity)
			body := decode(rec)
			So(body["details"], ShouldHaveLength, 1)
			So(body["crisis"].(map[string]any)["event_id"], ShouldEqual, "c1")
			So(body["safety_resources"], ShouldNotBeEmpty)
		})
	})

	Convey("Given a server whose service reports a crisis for screened requests", t, func() {
		deps := &fakeDeps{screenRes: service.Result{
			Crisis:          &model.CrisisEvent{ID: "c2"},
			SafetyResources: guardrail.Resources(),
		}}
		h := api.NewServer(deps).Handler(context.Background())

		Convey("A bad date is refused but its answers are screened", func() {
			rec := do(h, http.MethodPost, "/v1/entries",
				`{"user_id":" u1 ","entry_type":"journal","entry_date":"tomorrow","answers":{"journal_text":"I want to kill myself tonight"}}`)
			So(rec.Code, ShouldEqual, http.StatusUnprocessableEntity)
			body := decode(rec)
			So(body["crisis"].(map[string]any)["event_id"], ShouldEqual, "c2")
			So(body["safety_resources"], ShouldNotBeEmpty)

			So(deps.screened, ShouldNotBeNil)
			So(deps.screened.UserID, ShouldEqual, "u1")
			So(deps.screened.Date.IsZero(), ShouldBeTrue)
			So(deps.screened.Answers, ShouldContainKey, catalog.KeyJournalText)
			So(deps.lastSub.UserID, ShouldBeEmpty)
		})

		Convey("A null answer drops only that answer before screening", func() {
			rec := do(h, http.MethodPost, "/v1/entries",
				`{"user_id":"u1","entry_type":"daily_checkin","answers":{"daily_mood":null,"daily_note":"no way out"}}`)
			So(rec.Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(decode(rec)["crisis"], ShouldNotBeNil)
			So(errors.Is(deps.screenErr, model.ErrNullAnswer), ShouldBeTrue)
			So(deps.screened.Answers, ShouldHaveLength, 1)
			So(deps.screened.Answers, ShouldContainKey, catalog.KeyDailyNote)
		})

		Convey("An unknown field is a bad request that is still screened", func() {
			rec := do(h, http.MethodPost, "/v1/entries",
				`{"user_id":"u1","entry_type":"journal","mood":3,"answers":{"journal_text":"I want to die"}}`)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
			So(decode(rec)["crisis"], ShouldNotBeNil)
			So(errors.Is(deps.screenErr, api.ErrBadRequest), ShouldBeTrue)
		})

		Convey("A body without any usable answer is not screened", func() {
			So(do(h, http.MethodPost, "/v1/entries", `{"user_id":"u1","answers":{"a":[1]},"x":1}`).Code,
				ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodPost, "/v1/entries", `{"answers":`).Code, ShouldEqual, http.StatusBadRequest)
			So(deps.screened, ShouldBeNil)
		})
	})

	Convey("Given a server in dev mode", t, func() {
		deps := &fakeDeps{}
		h := api.NewServer(deps, api.WithDevMode(true)).Handler(context.Background())

		Convey("Submissions carry both overrides", func() {
			do(h, http.MethodPost, "/v1/entries", `{"user_id":"u1","entry_type":"journal","answers":{"journal_text":"x"}}`)
			So(deps.lastOv, ShouldResemble, service.Overrides{AllowBackdate: true, BypassCooldown: true})
		})
	})
}

func TestEndToEnd(t *testing.T) {
	Convey("Given the real service over a memory store", t, func() {
		ctx := context.Background()
		cfg := config.New()
		cfg.Workers.Count = 1
		svc := service.New(cfg, service.WithStore(repository.NewMemoryStore(ctx)))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		h := api.NewServer(svc).Handler(ctx)

		Convey("A journal entry is stored and listed", func() {
			body, err := json.Marshal(map[string]any{
				"user_id":    "alice",
				"entry_type": "journal",
				"answers":    map[string]any{"journal_text": "Went for a long walk and cooked dinner with friends tonight."},
			})
			So(err, ShouldBeNil)
			rec := do(h, http.MethodPost, "/v1/entries", string(body))
			So(rec.Code, ShouldEqual, http.StatusCreated)
			So(decode(rec)["crisis"], ShouldBeNil)

			rec = do(h, http.MethodGet, "/v1/users/alice/entries", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(decode(rec)["entries"], ShouldHaveLength, 1)

			So(do(h, http.MethodGet, "/v1/users/alice/baseline", "").Code, ShouldEqual, http.StatusOK)
			So(do(h, http.MethodGet, "/v1/users/bob/baseline", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("A crisis phrase produces an event and resources", func() {
			payload := []byte(`{"user_id":"carol","entry_type":"journal","answers":{"journal_text":"Some days I feel like I want to die and nothing helps."}}`)
			req := httptest.NewRequest(http.MethodPost, "/v1/entries", bytes.NewReader(payload))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			body := decode(rec)
			So(body["crisis"], ShouldNotBeNil)
			So(body["safety_resources"], ShouldNotBeEmpty)

			rec = do(h, http.MethodGet, "/v1/users/carol/crisis-events", "")
			So(decode(rec)["events"], ShouldHaveLength, 1)

			n, err := svc.VerifyLog(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})

		Convey("A forbidden backdate with a crisis phrase is refused and recorded", func() {
			yesterday := model.DateOf(time.Now().UTC()).AddDays(-1)
			rec := do(h, http.MethodPost, "/v1/entries",
				`{"user_id":"dave","entry_type":"journal","entry_date":"`+yesterday.String()+`","answers":{"journal_text":"I want to kill myself tonight"}}`)
			So(rec.Code, ShouldEqual, http.StatusForbidden)
			body := decode(rec)
			So(body["code"], ShouldEqual, api.CodeBackdate)
			So(body["crisis"], ShouldNotBeNil)
			So(body["safety_resources"], ShouldNotBeEmpty)

			rec = do(h, http.MethodGet, "/v1/users/dave/crisis-events", "")
			So(decode(rec)["events"], ShouldHaveLength, 1)
			So(do(h, http.MethodGet, "/v1/users/dave/entries", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("A request with an unknown field is refused and recorded", func() {
			rec := do(h, http.MethodPost, "/v1/entries",
				`{"user_id":"erin","entry_type":"journal","mood":3,"answers":{"journal_text":"I want to kill myself tonight"}}`)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
			So(decode(rec)["crisis"], ShouldNotBeNil)

			n, err := svc.VerifyLog(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})
	})
}
