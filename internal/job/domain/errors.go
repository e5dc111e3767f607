package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound            = errors.New("job_not_found")
	ErrInvalidOwner        = errors.New("invalid_owner")
	ErrInvalidCapability   = errors.New("invalid_capability")
	ErrUnknownCapability   = errors.New("unknown_capability")
	ErrInvalidParams       = errors.New("invalid_params")
	ErrSubmissionsPaused   = errors.New("submissions_paused")
	ErrTooManyActiveJobs   = errors.New("too_many_active_jobs")
	ErrProviderUnavailable = errors.New("provider_unavailable")
	// ErrDuplicateProviderRef means the provider reference already belongs to another job.
	ErrDuplicateProviderRef = errors.New("duplicate_provider_ref")
)

// SubmissionError reports that the provider never accepted the job. The job row exists and
// has been moved to failed.
type SubmissionError struct {
	JobID snowflake.ID
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job %s: %v", e.JobID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// InsufficientFundsError is returned before any job row is created.
type InsufficientFundsError struct {
	RequiredCents  int64
	AvailableCents int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.RequiredCents, e.AvailableCents)
}

// ProviderQueryError means the provider could not report status; the job is unchanged.
type ProviderQueryError struct {
	JobID       snowflake.ID
	ProviderRef string
	Err         error
}

func (e *ProviderQueryError) Error() string {
	return fmt.Sprintf("query provider for job %s (%s): %v", e.JobID, e.ProviderRef, e.Err)
}

func (e *ProviderQueryError) Unwrap() error { return e.Err }
