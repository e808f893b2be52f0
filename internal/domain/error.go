package domain

import "errors"

var (
	// Common domain errors
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// Chat errors surfaced to the UI layer
	ErrHistoryLoad = errors.New("history load failed")
	ErrAppend      = errors.New("message append failed")

	// Chat errors absorbed or rejected locally
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrProfileNotFound = errors.New("profile not found")
	ErrSessionClosed   = errors.New("chat session is closed")
	ErrUnknownLocalID  = errors.New("unknown local message id")
	ErrEntryNotFailed  = errors.New("optimistic entry is not in failed state")
	ErrRateLimited     = errors.New("send rate limit exceeded")
	ErrGroupBusy       = errors.New("group append lock is held elsewhere")
)
