package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	service "github.com/okian/mindtriage/internal/app"
	"github.com/okian/mindtriage/internal/domain/guardrail"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
)

// EntriesHandler accepts submissions.
type EntriesHandler struct {
	deps         EntryDependencies
	devMode      bool
	maxBodyBytes int64
	logger       logger.Logger
}

// NewEntriesHandler creates a new entries handler. In dev mode every request
// may backdate and skip the rapid cooldown.
func NewEntriesHandler(deps EntryDependencies, devMode bool, maxBodyBytes int64) *EntriesHandler {
	return &EntriesHandler{
		deps:         deps,
		devMode:      devMode,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.Get().Named("entries"),
	}
}

// entryRequest mirrors the OpenAPI schema for POST /v1/entries.
type entryRequest struct {
	SubmissionID    string          `json:"submission_id"`
	UserID          string          `json:"user_id"`
	EntryType       model.EntryType `json:"entry_type"`
	EntryDate       string          `json:"entry_date"`
	Answers         model.Answers   `json:"answers"`
	DurationSeconds *float64        `json:"duration_seconds"`
}

func (req entryRequest) submission() (service.Submission, error) {
	sub := service.Submission{
		SubmissionID:    strings.TrimSpace(req.SubmissionID),
		UserID:          strings.TrimSpace(req.UserID),
		Type:            req.EntryType,
		Answers:         req.Answers,
		DurationSeconds: req.DurationSeconds,
	}
	if req.EntryDate != "" {
		d, err := model.ParseDate(req.EntryDate)
		if err != nil {
			return sub, invalidField("entry_date", "must be a YYYY-MM-DD date")
		}
		sub.Date = d
	}
	return sub, nil
}

type entryResponse struct {
	Entry           model.Entry          `json:"entry"`
	Quality         model.QualityVerdict `json:"quality"`
	Score           *model.RiskScore     `json:"score"`
	Admitted        bool                 `json:"admitted"`
	Baseline        model.BaselineState  `json:"baseline"`
	Crisis          *model.CrisisEvent   `json:"crisis"`
	SafetyResources []guardrail.Resource `json:"safety_resources,omitempty"`
}

// HandlePostEntry handles POST /v1/entries requests.
func (h *EntriesHandler) HandlePostEntry(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_entry"

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, &Error{Status: http.StatusRequestEntityTooLarge, Code: CodePayloadTooLarge, Message: err.Error()})
			return
		}
		fail(w, r, h.logger, op, WrapKind(op, ErrBadRequest, err))
		return
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req entryRequest
	if err := dec.Decode(&req); err != nil {
		if !errors.Is(err, model.ErrNullAnswer) {
			err = WrapKind(op, ErrBadRequest, err)
		}
		h.refuse(w, r, data, err)
		return
	}

	sub, err := req.submission()
	if err != nil {
		h.refuse(w, r, data, err)
		return
	}

	ov := service.Overrides{AllowBackdate: h.devMode, BypassCooldown: h.devMode}
	res, err := h.deps.Submit(r.Context(), sub, ov)
	if err != nil {
		h.writeFailure(w, r, res, err)
		return
	}

	writeJSON(w, http.StatusCreated, entryResponse{
		Entry:           res.Record.Entry,
		Quality:         res.Record.Quality,
		Score:           res.Record.Score,
		Admitted:        res.Record.Admitted,
		Baseline:        res.Baseline,
		Crisis:          res.Crisis,
		SafetyResources: res.SafetyResources,
	})
}

// refuse answers a request that could not become a submission. Whatever
// answers the body does carry are still screened for a crisis.
func (h *EntriesHandler) refuse(w http.ResponseWriter, r *http.Request, data []byte, cause error) {
	sub, ok := salvage(data)
	if !ok {
		fail(w, r, h.logger, "api.post_entry", cause)
		return
	}
	res, err := h.deps.Screen(r.Context(), sub, cause)
	h.writeFailure(w, r, res, err)
}

func (h *EntriesHandler) writeFailure(w http.ResponseWriter, r *http.Request, res service.Result, err error) { //nolint:gocritic // hugeParam
	apiErr := errorFor(err)
	if apiErr.Status >= http.StatusInternalServerError {
		fail(w, r, h.logger, "api.post_entry", err)
		return
	}
	writeJSON(w, apiErr.Status, errorResponse{
		Error:           apiErr,
		Crisis:          res.Crisis,
		SafetyResources: res.SafetyResources,
	})
}

// salvageRequest is the loosest reading of an entry request.
type salvageRequest struct {
	UserID    string                     `json:"user_id"`
	EntryType model.EntryType            `json:"entry_type"`
	EntryDate string                     `json:"entry_date"`
	Answers   map[string]json.RawMessage `json:"answers"`
}

// salvage recovers the user, type, date and every decodable answer from a
// body the strict decoder refused. It reports false when no answer survives.
func salvage(data []byte) (service.Submission, bool) {
	var req salvageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return service.Submission{}, false
		}
	}
	answers := make(model.Answers, len(req.Answers))
	for key, raw := range req.Answers {
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		var a model.Answer
		if err := json.Unmarshal(raw, &a); err == nil {
			answers[key] = a
		}
	}
	if len(answers) == 0 {
		return service.Submission{}, false
	}
	sub := service.Submission{
		UserID:  strings.TrimSpace(req.UserID),
		Type:    req.EntryType,
		Answers: answers,
	}
	if d, err := model.ParseDate(req.EntryDate); err == nil {
		sub.Date = d
	}
	return sub, true
}
