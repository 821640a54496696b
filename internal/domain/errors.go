package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidOrder    = errors.New("invalid order parameters")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrSendUnsupported = errors.New("transport is read-only")
	ErrUpstream        = errors.New("upstream unavailable")
	ErrLockHeld        = errors.New("lock already held")
)
