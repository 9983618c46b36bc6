package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
)

// RapidQuestions returns the rapid evaluation form.
func (s *Service) RapidQuestions(_ context.Context) ([]catalog.Question, error) {
	_, engine, err := s.running()
	if err != nil {
		return nil, err
	}
	return engine.Catalog().Questions(model.EntryRapidEvaluation), nil
}

// DailyQuestions returns the user's check-in for date: the core questions
// followed by that day's rotating ones. A zero date means today.
func (s *Service) DailyQuestions(_ context.Context, userID string, date model.Date) ([]catalog.Question, error) {
	_, engine, err := s.running()
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		date = model.DateOf(s.now().UTC())
	}
	return engine.Catalog().Daily(userID, date), nil
}

// Entries lists a user's stored entries with their cached results.
func (s *Service) Entries(ctx context.Context, userID string, f repository.Filter) ([]model.Record, error) {
	store, _, err := s.running()
	if err != nil {
		return nil, err
	}
	recs, err := store.ListEntries(ctx, userID, f)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	if len(recs) == 0 {
		if err := s.requireUser(ctx, store, userID); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Entry returns one stored entry.
func (s *Service) Entry(ctx context.Context, entryID string) (model.Record, error) {
	store, _, err := s.running()
	if err != nil {
		return model.Record{}, err
	}
	return store.GetEntry(ctx, entryID)
}

// Baseline returns the user's current baseline state.
func (s *Service) Baseline(ctx context.Context, userID string) (model.BaselineState, error) {
	store, engine, err := s.running()
	if err != nil {
		return model.BaselineState{}, err
	}
	if err := s.requireUser(ctx, store, userID); err != nil {
		return model.BaselineState{}, err
	}

	unlock := s.lockUser(userID)
	defer unlock()
	if err := s.ensureSeeded(ctx, store, engine, userID); err != nil {
		return model.BaselineState{}, err
	}
	return engine.Detector().State(ctx, userID), nil
}

// CrisisEvents returns the user's crisis events in chain order.
func (s *Service) CrisisEvents(ctx context.Context, userID string) ([]model.CrisisEvent, error) {
	store, _, err := s.running()
	if err != nil {
		return nil, err
	}
	evs, err := store.ListCrisisEvents(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list crisis events: %w", err)
	}
	return evs, nil
}

// VerifyLog checks the whole crisis event chain and returns its length.
func (s *Service) VerifyLog(ctx context.Context) (int, error) {
	store, _, err := s.running()
	if err != nil {
		return 0, err
	}
	return VerifyStore(ctx, store)
}

// VerifyStore checks the crisis event chain held by store.
func VerifyStore(ctx context.Context, store repository.Store) (int, error) {
	evs, err := store.ListCrisisEvents(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list crisis events: %w", err)
	}
	if err := model.VerifyChain(evs); err != nil {
		return len(evs), err
	}
	return len(evs), nil
}

// requireUser fails with ErrUnknownUser when the user has no stored entry.
func (s *Service) requireUser(ctx context.Context, store repository.Store, userID string) error {
	recs, err := store.ListEntries(ctx, userID, repository.Filter{Limit: 1})
	if err != nil {
		return fmt.Errorf("look up user: %w", err)
	}
	if len(recs) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return nil
}

// IsNotFound reports whether err means the requested resource is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownUser) || errors.Is(err, repository.ErrNotFound)
}
