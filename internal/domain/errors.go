// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request or entity failed validation.
var ErrValidation = errors.New("validation failed")

// ErrUnauthorized indicates a missing or mismatched credential.
var ErrUnauthorized = errors.New("unauthorized")
