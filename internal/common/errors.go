// Package common defines shared constants and sentinel errors used across
// the sync core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Local store errors.
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrStorageFull    = errors.New("storage full")
	ErrNotInitialized = errors.New("store not initialized")

	// Remote transport errors.
	ErrUnavailable  = errors.New("remote unavailable")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")

	// Validation / record-level errors.
	ErrValidation = errors.New("validation error")

	// Sync flow control.
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrRetriesExhausted = errors.New("retries exhausted")
)
