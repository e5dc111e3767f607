package domain

import "errors"

var (
	ErrInvalidOwner  = errors.New("invalid_owner")
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidJob    = errors.New("invalid_job")
	ErrNotFound      = errors.New("transaction_not_found")
	// ErrReferenceReused means a reference was replayed with a different amount.
	ErrReferenceReused = errors.New("reference_reused")
)
