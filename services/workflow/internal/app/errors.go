package app

import "errors"

var (
	// ErrInvalidRequest indicates a malformed workflow request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRunNotFound indicates an unknown instance id.
	ErrRunNotFound = errors.New("workflow instance not found")
	// ErrDeckNotFound indicates the deck to process does not exist.
	ErrDeckNotFound = errors.New("deck not found")
)
