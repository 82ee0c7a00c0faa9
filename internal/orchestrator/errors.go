package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/ak3tsm7/training-job-queue/internal/launcher"
	"github.com/ak3tsm7/training-job-queue/internal/models"
)

var errJobRemoved = errors.New("no longer in queue")

// ExecutionError is a failure reported by the platform for a launched run.
type ExecutionError struct {
	Handle  launcher.Handle
	Message string
}

func (e *ExecutionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("execution failed: %s", e.Handle)
	}
	return fmt.Sprintf("execution failed: %s: %s", e.Handle, e.Message)
}

// PollTimeoutError means the run did not finish within the allowed wall-clock time.
type PollTimeoutError struct {
	Handle  launcher.Handle
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("poll timeout: %s still not finished after %s (limit %s)",
		e.Handle, e.Elapsed.Round(time.Second), e.Limit)
}

// VerificationError means the platform reported success but the completion
// marker never showed up.
type VerificationError struct {
	ResultPath string
	Marker     string
	Grace      time.Duration
	Found      int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %s not found within %s (%d artifacts under %s)",
		e.Marker, e.Grace, e.Found, e.ResultPath)
}

// reason maps a job failure to the metrics label of its category.
func reason(err error) string {
	var (
		le  *launcher.LaunchError
		pte *PollTimeoutError
		ve  *VerificationError
		ee  *ExecutionError
		cve *models.ConfigValidationError
	)
	switch {
	case errors.As(err, &le):
		return "launch"
	case errors.As(err, &pte):
		return "timeout"
	case errors.As(err, &ve):
		return "verification"
	case errors.As(err, &ee):
		return "execution"
	case errors.As(err, &cve):
		return "config"
	default:
		return "other"
	}
}
