package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/metrics"
)

// MemoryStore is an in-process Store. Each user's records are kept sorted by
// (entry date, seq) so listings and history are read without re-sorting.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]model.Record
	byUser    map[string][]string
	baselines map[string]model.BaselineState
	events    []model.CrisisEvent
	eventIDs  map[string]struct{}
	seq       int64
	closed    bool

	metricsUpdateInterval time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store and starts its metrics updater.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		records:               make(map[string]model.Record),
		byUser:                make(map[string][]string),
		baselines:             make(map[string]model.BaselineState),
		eventIDs:              make(map[string]struct{}),
		metricsUpdateInterval: 5 * time.Second,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startMetricsUpdater(ctx)
	return s
}

// SaveEntry implements Store.
func (s *MemoryStore) SaveEntry(ctx context.Context, rec model.Record) error {
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(msSince(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.records[rec.Entry.ID]; ok {
		return fmt.Errorf("entry %s: %w", rec.Entry.ID, ErrAlreadyExists)
	}
	rec = cloneRecord(rec)
	s.records[rec.Entry.ID] = rec

	ids := s.byUser[rec.Entry.UserID]
	key := pointOf(rec.Entry)
	i := sort.Search(len(ids), func(i int) bool {
		return key.Less(pointOf(s.records[ids[i]].Entry))
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = rec.Entry.ID
	s.byUser[rec.Entry.UserID] = ids
	return nil
}

// GetEntry implements Store.
func (s *MemoryStore) GetEntry(ctx context.Context, entryID string) (model.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryQueryLatency(msSince(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[entryID]
	if !ok {
		return model.Record{}, fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// PreviousEntry implements Store.
func (s *MemoryStore) PreviousEntry(ctx context.Context, userID string, t model.EntryType, beforeSeq int64) (model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  model.Entry
		found bool
	)
	for _, id := range s.byUser[userID] {
		e := s.records[id].Entry
		if e.Type != t || e.Seq >= beforeSeq {
			continue
		}
		if !found || e.Seq > best.Seq {
			best, found = e, true
		}
	}
	if !found {
		return model.Entry{}, fmt.Errorf("previous %s entry of %s: %w", t, userID, ErrNotFound)
	}
	return cloneRecord(model.Record{Entry: best}).Entry, nil
}

// ListEntries implements Store.
func (s *MemoryStore) ListEntries(ctx context.Context, userID string, f Filter) ([]model.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryQueryLatency(msSince(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Record, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		rec := s.records[id]
		if f.Match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	return Tail(out, f.Limit), nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, userID string) ([]model.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Point{}
	for _, id := range s.byUser[userID] {
		if p, ok := HistoryPoint(s.records[id]); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// SaveBaseline implements Store.
func (s *MemoryStore) SaveBaseline(ctx context.Context, st model.BaselineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	st.Window = slices.Clone(st.Window)
	s.baselines[st.UserID] = st
	return nil
}

// GetBaseline implements Store.
func (s *MemoryStore) GetBaseline(ctx context.Context, userID string) (model.BaselineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.baselines[userID]
	if !ok {
		return model.BaselineState{}, fmt.Errorf("baseline of %s: %w", userID, ErrNotFound)
	}
	st.Window = slices.Clone(st.Window)
	return st, nil
}

// AppendCrisisEvent implements Store.
func (s *MemoryStore) AppendCrisisEvent(ctx context.Context, ev model.CrisisEvent) (model.CrisisEvent, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(msSince(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.CrisisEvent{}, ErrClosed
	}
	if _, ok := s.eventIDs[ev.ID]; ok {
		return model.CrisisEvent{}, fmt.Errorf("crisis event %s: %w", ev.ID, ErrAlreadyExists)
	}
	prev := model.GenesisHash
	if n := len(s.events); n > 0 {
		prev = s.events[n-1].Hash
	}
	ev.Reasons = slices.Clone(ev.Reasons)
	ev.Seal(prev)
	s.events = append(s.events, ev)
	s.eventIDs[ev.ID] = struct{}{}
	return ev, nil
}

// ListCrisisEvents implements Store.
func (s *MemoryStore) ListCrisisEvents(ctx context.Context, userID string) ([]model.CrisisEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.CrisisEvent{}
	for _, ev := range s.events {
		if userID == "" || ev.UserID == userID {
			ev.Reasons = slices.Clone(ev.Reasons)
			out = append(out, ev)
		}
	}
	return out, nil
}

// LastCrisisEvent implements Store.
func (s *MemoryStore) LastCrisisEvent(ctx context.Context) (model.CrisisEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return model.CrisisEvent{}, fmt.Errorf("crisis log head: %w", ErrNotFound)
	}
	return s.events[len(s.events)-1], nil
}

// ListUsers implements Store.
func (s *MemoryStore) ListUsers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.byUser))
	for u := range s.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// NextSeq implements Store.
func (s *MemoryStore) NextSeq(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.seq++
	return s.seq, nil
}

// Counts implements Store.
func (s *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{Entries: len(s.records), Users: len(s.byUser), CrisisEvents: len(s.events)}, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the metrics updater. Reads keep working; writes fail with
// ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// startMetricsUpdater starts a background goroutine that updates repository metrics.
func (s *MemoryStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.updateMetrics()
			}
		}
	}()
}

func (s *MemoryStore) updateMetrics() {
	c, _ := s.Counts(context.Background())
	UpdateCountMetrics(c)
}

// UpdateCountMetrics publishes store sizes as gauges.
func UpdateCountMetrics(c Counts) {
	metrics.UpdateRepositoryRecords("entries", c.Entries)
	metrics.UpdateRepositoryRecords("users", c.Users)
	metrics.UpdateRepositoryRecords("crisis_events", c.CrisisEvents)
}

func pointOf(e model.Entry) model.Point {
	return model.Point{EntryID: e.ID, Date: e.Date, Seq: e.Seq}
}

func cloneRecord(rec model.Record) model.Record {
	if rec.Entry.Answers != nil {
		answers := make(model.Answers, len(rec.Entry.Answers))
		for k, v := range rec.Entry.Answers {
			answers[k] = v
		}
		rec.Entry.Answers = answers
	}
	if rec.Entry.DurationSeconds != nil {
		d := *rec.Entry.DurationSeconds
		rec.Entry.DurationSeconds = &d
	}
	rec.Quality.Reasons = slices.Clone(rec.Quality.Reasons)
	if rec.Score != nil {
		sc := *rec.Score
		sc.Signals = slices.Clone(sc.Signals)
		rec.Score = &sc
	}
	return rec
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
