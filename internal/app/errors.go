package service

import "errors"

// Sentinel errors returned by the service. Validation failures match
// model.ErrInvalidEntry instead.
var (
	ErrNotStarted          = errors.New("service not started")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrCooldown            = errors.New("rapid evaluation cooldown active")
	ErrBackdateForbidden   = errors.New("entry date other than today requires dev mode")
	ErrUnknownUser         = errors.New("unknown user")
)
