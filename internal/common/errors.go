// Package common defines shared constants and sentinel errors used across
// the registry. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Backing store failures (database or blob backend).
	ErrorStore = errors.New("store error")

	// Auth errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrorForbidden  = errors.New("forbidden")

	// Malformed operation input.
	ErrorBadRequest = errors.New("bad request")

	// Credential codec failures (wrong format or wrong key).
	ErrorDecode = errors.New("decode error")
)
