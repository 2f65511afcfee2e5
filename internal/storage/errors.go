package storage

import "errors"

// Storage errors shared by all implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPending is returned by GetOutcome while a call is still being
	// monitored and has no terminal record yet.
	ErrPending = errors.New("outcome pending")

	// ErrDuplicateKey is returned when inserting into an append-only store
	// with a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key: append-only store does not allow updates")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
