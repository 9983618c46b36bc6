package api

import (
	"errors"
	"fmt"
	"net/http"

	service "github.com/okian/mindtriage/internal/app"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest = errors.New("bad request")
	ErrServe      = errors.New("serve failed")
)

// Error codes returned in error bodies.
const (
	CodeBadRequest       = "bad_request"
	CodeInvalidEntry     = "invalid_entry"
	CodeNotFound         = "not_found"
	CodeDuplicate        = "duplicate_submission"
	CodeCooldown         = "cooldown"
	CodeBackdate         = "backdate_forbidden"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal_error"
	CodePayloadTooLarge  = "payload_too_large"
	CodeMethodNotAllowed = "method_not_allowed"
)

// Error is the typed form of every non-2xx response.
type Error struct {
	Status  int                  `json:"-"`
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Details []catalog.FieldError `json:"details,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// WrapKind annotates err with the operation and a sentinel kind.
func WrapKind(op string, kind, err error) error {
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// badRequest builds a 400 error.
func badRequest(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

// invalidField builds a 422 error about one field.
func invalidField(field, reason string) *Error {
	return &Error{
		Status:  http.StatusUnprocessableEntity,
		Code:    CodeInvalidEntry,
		Message: model.ErrInvalidEntry.Error(),
		Details: []catalog.FieldError{{Field: field, Reason: reason}},
	}
}

// errorFor maps a service error to its API form. Unknown errors become a
// generic 500 so internals are not leaked.
func errorFor(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var vErr *catalog.ValidationError
	switch {
	case errors.As(err, &vErr):
		return &Error{
			Status:  http.StatusUnprocessableEntity,
			Code:    CodeInvalidEntry,
			Message: model.ErrInvalidEntry.Error(),
			Details: vErr.Fields,
		}
	case errors.Is(err, model.ErrInvalidEntry), errors.Is(err, model.ErrNullAnswer):
		return &Error{Status: http.StatusUnprocessableEntity, Code: CodeInvalidEntry, Message: err.Error()}
	case errors.Is(err, ErrBadRequest):
		return &Error{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: err.Error()}
	case service.IsNotFound(err):
		return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, service.ErrDuplicateSubmission):
		return &Error{Status: http.StatusConflict, Code: CodeDuplicate, Message: err.Error()}
	case errors.Is(err, service.ErrCooldown):
		return &Error{Status: http.StatusTooManyRequests, Code: CodeCooldown, Message: err.Error()}
	case errors.Is(err, service.ErrBackdateForbidden):
		return &Error{Status: http.StatusForbidden, Code: CodeBackdate, Message: err.Error()}
	case errors.Is(err, service.ErrNotStarted):
		return &Error{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: err.Error()}
	}
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error"}
}
