package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a unique constraint is violated.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned for input the store refuses, such as an
	// unknown group reference or a non-positive operation amount.
	ErrInvalidInput = errors.New("invalid input")
)
