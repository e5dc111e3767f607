package materializer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotSucceeded    = errors.New("job_not_succeeded")
	ErrNotMaterialized = errors.New("job_not_materialized")
)

// SlotError is one output that could not be copied to durable storage.
type SlotError struct {
	Index int
	URL   string
	Err   error
}

// ArtifactError reports a partial materialization. The failed slots keep their provider URL.
type ArtifactError struct {
	JobID snowflake.ID
	Slots []SlotError
}

func (e *ArtifactError) Error() string {
	parts := make([]string, 0, len(e.Slots))
	for _, s := range e.Slots {
		parts = append(parts, fmt.Sprintf("#%d: %v", s.Index, s.Err))
	}
	return fmt.Sprintf("job %s: %d artifact(s) not stored (%s)", e.JobID, len(e.Slots), strings.Join(parts, "; "))
}

func (e *ArtifactError) Unwrap() []error {
	errs := make([]error, 0, len(e.Slots))
	for _, s := range e.Slots {
		errs = append(errs, s.Err)
	}
	return errs
}
