package demo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
)

const checkinSeconds = 95

// tally accumulates per-submission results across workers.
type tally struct {
	mu sync.Mutex
	s  Summary
}

func (t *tally) add(res entryResult, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Submitted++
	switch {
	case err != nil:
		t.s.Failed++
	case res.Status == http.StatusCreated:
		t.s.Accepted++
		if !res.Quality.Passed {
			t.s.QualityFailures++
		}
		if res.Admitted {
			t.s.Admitted++
		}
	default:
		t.s.Rejected++
	}
	if res.Crisis != nil {
		t.s.Crises++
	}
}

func (t *tally) drifted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.DriftsFlagged++
}

// Run generates the configured users and submits their histories. Users are
// spread across workers; each user's entries go out in date order.
func Run(ctx context.Context, cfg Config, out io.Writer) (Summary, error) {
	if err := cfg.validate(); err != nil {
		return Summary{}, err
	}
	log := logger.Get().Named("demo")
	start := time.Now()

	c := newClient(cfg.BaseURL, cfg.Timeout)
	if err := c.health(ctx); err != nil {
		return Summary{}, fmt.Errorf("service health check failed: %w", err)
	}

	log.Info(ctx, "starting demo",
		logger.String("base_url", cfg.BaseURL),
		logger.Int("users", cfg.Users),
		logger.Int("days", cfg.Days),
		logger.Int("workers", cfg.Workers),
	)

	runID := uuid.NewString()[:8]
	today := model.DateOf(time.Now().UTC())
	t := &tally{}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	users := make(chan int, cfg.Workers)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range users {
				user := "demo-" + runID + "-" + strconv.Itoa(i+1)
				alarming := cfg.CrisisEvery > 0 && (i+1)%cfg.CrisisEvery == 0
				err := runUser(ctx, c, cfg, t, user, i, today, alarming)
				if errors.Is(err, ErrBackdateRejected) {
					cancel(err)
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Warn(ctx, "user history incomplete", logger.String("user_id", user), logger.Error(err))
				}
			}
		}()
	}

feed:
	for i := 0; i < cfg.Users; i++ {
		select {
		case users <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(users)
	wg.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return t.s, cause
	}

	s := t.s
	s.Users = cfg.Users
	s.Duration = time.Since(start)
	printSummary(out, s)
	log.Info(ctx, "demo completed",
		logger.Int("submitted", s.Submitted),
		logger.Int("crises", s.Crises),
		logger.Int("drifts", s.DriftsFlagged),
		logger.Duration("duration", s.Duration),
	)
	return s, nil
}

func runUser(ctx context.Context, c *client, cfg Config, t *tally, user string, index int, today model.Date, alarming bool) error {
	g := newGenerator(cfg.Seed, index, cfg.Days, cfg.ShiftAt)
	first := today.AddDays(-(cfg.Days - 1))
	var last model.BaselineState

	for day := 0; day < cfg.Days; day++ {
		date := first.AddDays(day)
		qs, err := c.dailyQuestions(ctx, user, date)
		if err != nil {
			return err
		}
		res, err := c.submit(ctx, &entryRequest{
			SubmissionID:    submissionID(cfg.Seed, user, model.EntryDailyCheckin, date),
			UserID:          user,
			EntryType:       model.EntryDailyCheckin,
			EntryDate:       date,
			Answers:         g.answers(qs, g.severity(day)),
			DurationSeconds: checkinSeconds,
		})
		t.add(res, err)
		if err != nil {
			return err
		}
		if res.Status == http.StatusCreated {
			last = res.Baseline
		}

		if text := g.journal(day, alarming); text != "" {
			res, err := c.submit(ctx, &entryRequest{
				SubmissionID:    submissionID(cfg.Seed, user, model.EntryJournal, date),
				UserID:          user,
				EntryType:       model.EntryJournal,
				EntryDate:       date,
				Answers:         model.Answers{catalog.KeyJournalText: model.Text(text)},
				DurationSeconds: checkinSeconds,
			})
			t.add(res, err)
			if err != nil {
				return err
			}
		}
	}

	if last.DriftFlag {
		t.drifted()
	}
	if cfg.Verbose {
		logger.Get().Named("demo").Info(ctx, "user done",
			logger.String("user_id", user),
			logger.String("status", string(last.Status)),
			logger.Float64("deviation", last.Deviation),
		)
	}
	return nil
}

func printSummary(w io.Writer, s Summary) {
	_, _ = fmt.Fprintf(w, `Demo summary
  users:            %d
  submitted:        %d
  accepted:         %d
  rejected:         %d
  failed:           %d
  quality failures: %d
  in baseline:      %d
  crises:           %d
  drifts flagged:   %d
  duration:         %s
`, s.Users, s.Submitted, s.Accepted, s.Rejected, s.Failed, s.QualityFailures,
		s.Admitted, s.Crises, s.DriftsFlagged, s.Duration.Round(time.Millisecond))
}
