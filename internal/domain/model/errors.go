package model

import "errors"

// ErrInvalidEntry marks an entry rejected before scoring.
var ErrInvalidEntry = errors.New("invalid entry")
