// Package launcher starts training executions on a compute platform and
// reports their status. It never retries; the orchestrator owns that policy.
package launcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Handle identifies one launched execution on the platform.
type Handle string

type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseRunning
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal is false for PhaseUnknown: a transient API error is never an outcome.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

type Status struct {
	Phase   Phase
	Message string
}

type Request struct {
	JobID     string
	Attempt   int
	ConfigRef string
	Workers   int
}

type Launcher interface {
	// Launch starts the execution for req. Launching the same JobID and
	// Attempt twice returns the handle of the existing execution.
	Launch(ctx context.Context, req Request) (Handle, error)
	// Status returns PhaseUnknown together with the cause when the
	// platform could not be asked.
	Status(ctx context.Context, h Handle) (Status, error)
}

// Stopper is implemented by launchers that can terminate an execution.
type Stopper interface {
	Stop(ctx context.Context, h Handle) error
}

// LaunchError is a rejection by the platform: quota, permission or an
// invalid job manifest. The job cannot be launched without operator action.
type LaunchError struct {
	JobID  string
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch error: job %s: %s: %v", e.JobID, e.Reason, e.Err)
	}
	return fmt.Sprintf("launch error: job %s: %s", e.JobID, e.Reason)
}

func (e *LaunchError) Unwrap() error { return e.Err }

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// ExecutionName derives the platform name of an attempt. It is stable for
// a (job, attempt) pair and a valid DNS-1123 label. The readable part is
// lossy, so a hash of the raw job ID keeps distinct jobs apart.
func ExecutionName(jobID string, attempt int) string {
	sum := sha256.Sum256([]byte(jobID))
	suffix := fmt.Sprintf("-%s-%d", hex.EncodeToString(sum[:4]), attempt)
	const prefix = "train-"

	id := invalidNameChars.ReplaceAllString(strings.ToLower(jobID), "-")
	id = strings.Trim(id, "-")
	if limit := 63 - len(prefix) - len(suffix); len(id) > limit {
		id = strings.TrimRight(id[:limit], "-")
	}
	if id == "" {
		return prefix + suffix[1:]
	}
	return prefix + id + suffix
}
