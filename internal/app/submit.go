package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/domain/guardrail"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/internal/domain/triage"
	"github.com/okian/mindtriage/pkg/logger"
	"github.com/okian/mindtriage/pkg/metrics"
)

// Submission is an entry as received from a client. A zero Date means today.
type Submission struct {
	SubmissionID    string
	UserID          string
	Type            model.EntryType
	Date            model.Date
	Answers         model.Answers
	DurationSeconds *float64
}

// Result is what a submission produced. When the submission is refused or
// fails validation only Crisis and SafetyResources may be set.
type Result struct {
	Record          model.Record
	Baseline        model.BaselineState
	Crisis          *model.CrisisEvent
	SafetyResources []guardrail.Resource
}

// Submit triages one submission and persists the outcome. The crisis
// guardrail runs on every submission, including ones refused for
// backdating, duplication or the rapid cooldown and ones that fail
// validation. In those cases the returned error says why and the result
// still carries the recorded crisis event.
func (s *Service) Submit(ctx context.Context, sub Submission, ov Overrides) (Result, error) {
	store, engine, err := s.running()
	if err != nil {
		return Result{}, err
	}

	began := time.Now()
	defer func() {
		metrics.RecordProcessingLatency(float64(time.Since(began).Microseconds()) / 1000)
	}()

	start := s.now()

	today := model.DateOf(start.UTC())
	if sub.Date.IsZero() {
		sub.Date = today
	} else if sub.Date.Compare(today) != 0 && !ov.AllowBackdate {
		return s.screen(ctx, store, engine, sub, start, ErrBackdateForbidden)
	}

	if sub.SubmissionID != "" {
		if s.deduper.SeenAndRecord(ctx, sub.SubmissionID) {
			metrics.RecordDuplicateSubmission()
			return s.screen(ctx, store, engine, sub, start,
				fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.SubmissionID))
		}
	}

	res, err := s.submitLocked(ctx, store, engine, sub, ov, start)
	if err != nil && sub.SubmissionID != "" && res.Record.Entry.ID == "" {
		s.deduper.Unrecord(ctx, sub.SubmissionID)
	}
	return res, err
}

func (s *Service) submitLocked(ctx context.Context, store repository.Store, engine *triage.Engine, sub Submission, ov Overrides, now time.Time) (Result, error) {
	unlock := s.lockUser(sub.UserID)
	defer unlock()

	if sub.Type == model.EntryRapidEvaluation && !ov.BypassCooldown {
		if err := s.checkCooldown(ctx, store, sub.UserID, now); err != nil {
			return s.screen(ctx, store, engine, sub, now, err)
		}
	}

	if err := s.ensureSeeded(ctx, store, engine, sub.UserID); err != nil {
		return Result{}, err
	}

	seq, err := store.NextSeq(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("next sequence: %w", err)
	}
	entry := model.Entry{
		ID:              uuid.NewString(),
		UserID:          sub.UserID,
		Type:            sub.Type,
		Date:            sub.Date,
		Answers:         sub.Answers,
		SubmittedAt:     now.UTC().Truncate(time.Microsecond),
		Seq:             seq,
		DurationSeconds: sub.DurationSeconds,
	}

	var previous *model.Entry
	if entry.Type.Valid() {
		prev, err := store.PreviousEntry(ctx, entry.UserID, entry.Type, entry.Seq)
		switch {
		case err == nil:
			previous = &prev
		case errors.Is(err, repository.ErrNotFound):
		default:
			return Result{}, fmt.Errorf("previous entry: %w", err)
		}
	}

	out, procErr := engine.Process(ctx, entry, previous)

	var res Result
	if out.Triggered() {
		ev, err := s.recordCrisis(ctx, store, entry, out.Crisis, now)
		if err != nil {
			// The entry is not stored without its crisis record.
			if out.Admitted {
				s.reseed(ctx, store, engine, entry.UserID)
			}
			return Result{}, err
		}
		res.Crisis = &ev
		res.SafetyResources = guardrail.Resources()
	}

	if procErr != nil {
		metrics.RecordEntryRejected(string(entry.Type))
		if !errors.Is(procErr, model.ErrInvalidEntry) {
			metrics.RecordErrorByComponent("engine", "process_error")
		}
		return res, procErr
	}

	rec := model.Record{
		Entry:    entry,
		Quality:  out.Verdict,
		Score:    out.Score,
		Admitted: out.Admitted,
	}
	if err := store.SaveEntry(ctx, rec); err != nil {
		if out.Admitted {
			s.reseed(ctx, store, engine, entry.UserID)
		}
		return res, fmt.Errorf("save entry: %w", err)
	}
	if out.Admitted {
		if err := store.SaveBaseline(ctx, out.Baseline); err != nil {
			s.logger.Error(ctx, "baseline not saved",
				logger.String("user_id", entry.UserID),
				logger.Error(err),
			)
		}
		metrics.RecordBaselineAdmission()
	}

	res.Record = rec
	res.Baseline = out.Baseline
	s.recordOutcome(rec)

	if out.DriftChanged {
		direction := "cleared"
		if out.Baseline.DriftFlag {
			direction = "onset"
		}
		metrics.RecordDriftTransition(direction)
		st := out.Baseline
		s.notify(ctx, model.Notification{
			ID:        uuid.NewString(),
			Kind:      model.NotifyDriftChanged,
			UserID:    entry.UserID,
			EntryID:   entry.ID,
			CreatedAt: entry.SubmittedAt,
			Baseline:  &st,
		})
		s.logger.Info(ctx, "baseline drift changed",
			logger.String("user_id", entry.UserID),
			logger.String("direction", direction),
			logger.Float64("deviation", out.Baseline.Deviation),
		)
	}

	return res, nil
}

// Screen runs the crisis guardrail on a submission that is refused before
// it can be triaged, such as a request the transport could not fully
// decode. Any crisis is recorded and returned with cause.
func (s *Service) Screen(ctx context.Context, sub Submission, cause error) (Result, error) {
	store, engine, err := s.running()
	if err != nil {
		return Result{}, fmt.Errorf("%w (submission refused: %v)", err, cause)
	}
	return s.screen(ctx, store, engine, sub, s.now(), cause)
}

// screen checks a refused submission for a crisis. The entry is never
// stored; only its crisis event is.
func (s *Service) screen(ctx context.Context, store repository.Store, engine *triage.Engine, sub Submission, now time.Time, cause error) (Result, error) {
	entry := model.Entry{
		ID:              uuid.NewString(),
		UserID:          sub.UserID,
		Type:            sub.Type,
		Date:            sub.Date,
		Answers:         sub.Answers,
		SubmittedAt:     now.UTC().Truncate(time.Microsecond),
		DurationSeconds: sub.DurationSeconds,
	}
	if entry.Date.IsZero() {
		entry.Date = model.DateOf(now.UTC())
	}
	metrics.RecordEntryRejected(string(entry.Type))

	reasons := engine.Screen(entry)
	if len(reasons) == 0 {
		return Result{}, cause
	}
	ev, err := s.recordCrisis(ctx, store, entry, reasons, now)
	if err != nil {
		return Result{}, fmt.Errorf("%w (submission refused: %v)", err, cause)
	}
	s.logger.Warn(ctx, "crisis recorded for refused submission",
		logger.String("user_id", entry.UserID),
		logger.String("event_id", ev.ID),
		logger.Error(cause),
	)
	return Result{Crisis: &ev, SafetyResources: guardrail.Resources()}, cause
}

// recordCrisis appends the crisis event of entry to the log and notifies.
func (s *Service) recordCrisis(ctx context.Context, store repository.Store, entry model.Entry, reasons []model.TriggerReason, now time.Time) (model.CrisisEvent, error) { //nolint:gocritic // hugeParam
	ev, err := store.AppendCrisisEvent(ctx, guardrail.NewEvent(entry, reasons, now))
	if err != nil {
		s.logger.Error(ctx, "crisis event not recorded",
			logger.String("user_id", entry.UserID),
			logger.String("entry_id", entry.ID),
			logger.Error(err),
		)
		return model.CrisisEvent{}, fmt.Errorf("append crisis event: %w", err)
	}
	for _, r := range ev.Reasons {
		metrics.RecordCrisisTrigger(string(r.Rule))
	}
	s.notify(ctx, model.Notification{
		ID:        uuid.NewString(),
		Kind:      model.NotifyCrisisTriggered,
		UserID:    entry.UserID,
		EntryID:   entry.ID,
		CreatedAt: ev.Timestamp,
		Crisis:    &ev,
	})
	s.logger.Warn(ctx, "crisis guardrail triggered",
		logger.String("user_id", entry.UserID),
		logger.String("entry_id", entry.ID),
		logger.String("event_id", ev.ID),
		logger.Int("reasons", len(ev.Reasons)),
	)
	return ev, nil
}

func (s *Service) recordOutcome(rec model.Record) {
	t := string(rec.Entry.Type)
	metrics.RecordEntrySubmitted(t)
	for _, r := range rec.Quality.Reasons {
		metrics.RecordQualityFailure(string(r))
	}
	if rec.Score != nil {
		metrics.RecordRiskScore(t, string(rec.Score.Level), rec.Score.Value)
	}
}

// checkCooldown enforces the spacing and daily cap of rapid evaluations.
func (s *Service) checkCooldown(ctx context.Context, store repository.Store, userID string, now time.Time) error {
	rapid := s.cfg.Rapid
	if rapid.Cooldown <= 0 && rapid.DailyLimit <= 0 {
		return nil
	}
	recent, err := store.ListEntries(ctx, userID, repository.Filter{
		Type:           model.EntryRapidEvaluation,
		SubmittedAfter: now.Add(-24 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("list recent rapid evaluations: %w", err)
	}
	if rapid.DailyLimit > 0 && len(recent) >= rapid.DailyLimit {
		metrics.RecordCooldownRejection()
		return fmt.Errorf("%w: %d rapid evaluations in the last 24h", ErrCooldown, len(recent))
	}
	if rapid.Cooldown > 0 {
		for _, rec := range recent {
			if wait := rec.Entry.SubmittedAt.Add(rapid.Cooldown).Sub(now); wait > 0 {
				metrics.RecordCooldownRejection()
				return fmt.Errorf("%w: retry in %s", ErrCooldown, wait.Round(time.Second))
			}
		}
	}
	return nil
}

// ensureSeeded loads the user's admitted history into the detector once.
func (s *Service) ensureSeeded(ctx context.Context, store repository.Store, engine *triage.Engine, userID string) error {
	if engine.Detector().Seeded(userID) {
		return nil
	}
	points, err := store.History(ctx, userID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	engine.Detector().Seed(ctx, userID, points)
	return nil
}

// reseed rebuilds a user's detector state from storage after a failed write.
func (s *Service) reseed(ctx context.Context, store repository.Store, engine *triage.Engine, userID string) {
	points, err := store.History(ctx, userID)
	if err != nil {
		s.logger.Error(ctx, "reseeding baseline failed",
			logger.String("user_id", userID),
			logger.Error(err),
		)
		return
	}
	engine.Detector().Seed(ctx, userID, points)
}

// notify hands n to the workers. A full queue drops it.
func (s *Service) notify(ctx context.Context, n model.Notification) { //nolint:gocritic // hugeParam
	if s.queue.Enqueue(context.WithoutCancel(ctx), n) {
		return
	}
	metrics.RecordNotificationDropped(string(n.Kind))
	s.logger.Warn(ctx, "notification dropped",
		logger.String("kind", string(n.Kind)),
		logger.String("user_id", n.UserID),
		logger.String("entry_id", n.EntryID),
	)
}
