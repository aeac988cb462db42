package domain

import "errors"

var (
	ErrValidation   = errors.New("validation error")
	ErrThrottled    = errors.New("throttled")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrNotConnected = errors.New("target not connected")
)
