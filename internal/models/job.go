package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo only allows forward moves: pending → running → completed|failed.
// A pending job may fail directly when it cannot be launched.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

type JobRecord struct {
	JobID        string     `json:"job_id"`
	Status       JobStatus  `json:"status"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Country      string     `json:"country"`
	Revision     string     `json:"revision"`
	Timestamp    string     `json:"timestamp"`
	ConfigRef    string     `json:"config_ref"`
	ExecutionRef string     `json:"execution_ref,omitempty"`
	ResultPath   string     `json:"result_path,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`

	// Fields written by a newer or older producer that this build does not
	// know about. They are written back untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

type jobRecordFields JobRecord

func (r JobRecord) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(jobRecordFields(r), r.Extra)
}

func (r *JobRecord) UnmarshalJSON(data []byte) error {
	var fields jobRecordFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, fields)
	if err != nil {
		return err
	}
	*r = JobRecord(fields)
	r.Extra = extra
	return nil
}

// Clone returns a deep copy, so callers can mutate it without touching the document.
func (r *JobRecord) Clone() *JobRecord {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

func (r *JobRecord) transition(next JobStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("job %s: %s -> %s: %w", r.JobID, r.Status, next, ErrInvalidTransition)
	}
	r.Status = next
	return nil
}

// MarkRunning records the launch and its execution handle in one step.
func (r *JobRecord) MarkRunning(executionRef, resultPath string, attempt int, now time.Time) error {
	if executionRef == "" {
		return fmt.Errorf("job %s: running requires an execution handle", r.JobID)
	}
	if err := r.transition(StatusRunning); err != nil {
		return err
	}
	started := now.UTC()
	r.StartedAt = &started
	r.ExecutionRef = executionRef
	r.ResultPath = resultPath
	r.AttemptCount = attempt
	r.LastError = ""
	return nil
}

func (r *JobRecord) MarkCompleted(now time.Time) error {
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	done := now.UTC()
	r.CompletedAt = &done
	return nil
}

func (r *JobRecord) MarkFailed(reason string, now time.Time) error {
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	done := now.UTC()
	r.CompletedAt = &done
	r.LastError = reason
	return nil
}
