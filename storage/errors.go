package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a workflow record is not found.
	ErrNotFound = errors.New("workflow record not found")
	// ErrAlreadyExists is returned when Create is called for a workflow id
	// that already has a record.
	ErrAlreadyExists = errors.New("workflow record already exists")
)
