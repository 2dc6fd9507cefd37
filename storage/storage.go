// Package storage defines the errors shared by the persistence backends.
// The backends themselves live in storage/memory, storage/bbolt and
// storage/postgres; each implements session.Store and account.Store.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
)
