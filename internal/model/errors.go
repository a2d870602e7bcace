package model

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrEmptyAudience    = errors.New("empty audience")
	ErrMissingTemplate  = errors.New("missing template reference")
	ErrMissingTransport = errors.New("missing transport reference")
	ErrInvalidInput     = errors.New("invalid input")
)
