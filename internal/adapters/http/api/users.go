package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
)

const maxEntriesLimit = 500

// UsersHandler serves per-user history.
type UsersHandler struct {
	deps   UserDependencies
	logger logger.Logger
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(deps UserDependencies) *UsersHandler {
	return &UsersHandler{deps: deps, logger: logger.Get().Named("users")}
}

type entriesResponse struct {
	UserID  string         `json:"user_id"`
	Entries []model.Record `json:"entries"`
}

type crisisEventsResponse struct {
	UserID string              `json:"user_id"`
	Events []model.CrisisEvent `json:"events"`
}

// HandleEntries handles GET /v1/users/{userID}/entries?type=&limit=&since=.
func (h *UsersHandler) HandleEntries(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()

	var f repository.Filter
	if t := q.Get("type"); t != "" {
		f.Type = model.EntryType(t)
		if !f.Type.Valid() {
			writeError(w, badRequest("unknown entry type "+strconv.Quote(t)))
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEntriesLimit {
			writeError(w, badRequest("limit must be between 1 and "+strconv.Itoa(maxEntriesLimit)))
			return
		}
		f.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			writeError(w, badRequest("invalid since; must be YYYY-MM-DD"))
			return
		}
		f.Since = d
	}

	recs, err := h.deps.Entries(r.Context(), userID, f)
	if err != nil {
		fail(w, r, h.logger, "api.user_entries", err)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, entriesResponse{UserID: userID, Entries: recs})
}

// HandleBaseline handles GET /v1/users/{userID}/baseline requests.
func (h *UsersHandler) HandleBaseline(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Baseline(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		fail(w, r, h.logger, "api.user_baseline", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleCrisisEvents handles GET /v1/users/{userID}/crisis-events requests.
func (h *UsersHandler) HandleCrisisEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	evs, err := h.deps.CrisisEvents(r.Context(), userID)
	if err != nil {
		fail(w, r, h.logger, "api.user_crisis_events", err)
		return
	}
	if evs == nil {
		evs = []model.CrisisEvent{}
	}
	writeJSON(w, http.StatusOK, crisisEventsResponse{UserID: userID, Events: evs})
}
