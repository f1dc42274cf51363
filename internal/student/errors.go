package student

import "errors"

// Callers match these with errors.Is.
var (
	ErrNotFound      = errors.New("student not found")
	ErrAlreadyExists = errors.New("student already exists")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrStorage wraps any failure to read or write the backing snapshot.
	ErrStorage = errors.New("storage failure")

	// ErrNoSnapshot is returned by a Backend that has never been written.
	ErrNoSnapshot = errors.New("no snapshot")
)
