package api

import (
	"net/http"
	"strings"

	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/guardrail"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
)

// QuestionsHandler serves the question catalog.
type QuestionsHandler struct {
	deps   QuestionDependencies
	logger logger.Logger
}

// NewQuestionsHandler creates a new questions handler.
func NewQuestionsHandler(deps QuestionDependencies) *QuestionsHandler {
	return &QuestionsHandler{deps: deps, logger: logger.Get().Named("questions")}
}

type questionsResponse struct {
	EntryType model.EntryType    `json:"entry_type"`
	UserID    string             `json:"user_id,omitempty"`
	Date      *model.Date        `json:"entry_date,omitempty"`
	Questions []catalog.Question `json:"questions"`
}

// HandleRapid handles GET /v1/questions/rapid requests.
func (h *QuestionsHandler) HandleRapid(w http.ResponseWriter, r *http.Request) {
	qs, err := h.deps.RapidQuestions(r.Context())
	if err != nil {
		fail(w, r, h.logger, "api.rapid_questions", err)
		return
	}
	writeJSON(w, http.StatusOK, questionsResponse{EntryType: model.EntryRapidEvaluation, Questions: qs})
}

// HandleDaily handles GET /v1/questions/daily?user_id=&date= requests.
func (h *QuestionsHandler) HandleDaily(w http.ResponseWriter, r *http.Request) {
	const op = "api.daily_questions"

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, badRequest("missing user_id"))
		return
	}
	var date model.Date
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			writeError(w, badRequest("invalid date; must be YYYY-MM-DD"))
			return
		}
		date = d
	}

	qs, err := h.deps.DailyQuestions(r.Context(), userID, date)
	if err != nil {
		fail(w, r, h.logger, op, err)
		return
	}
	resp := questionsResponse{EntryType: model.EntryDailyCheckin, UserID: userID, Questions: qs}
	if !date.IsZero() {
		resp.Date = &date
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSafetyResources handles GET /v1/safety/resources requests.
func handleSafetyResources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]guardrail.Resource{"resources": guardrail.Resources()})
}
