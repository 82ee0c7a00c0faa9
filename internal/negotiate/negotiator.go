// Package negotiate reconciles the parallelism a training run asks for with
// what its execution environment actually grants.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ak3tsm7/training-job-queue/internal/metrics"
)

type State string

const (
	StateNotAttempted  State = "not_attempted"
	StateTryingFull    State = "trying_full"
	StateTryingReduced State = "trying_reduced"
	StateSucceeded     State = "succeeded"
	StateFailedFinal   State = "failed_final"
)

// ErrParallelismRejected matches every *ParallelismRejectedError.
var ErrParallelismRejected = errors.New("parallelism rejected")

// ParallelismRejectedError is returned by a workload whose backend refused
// to run with the given number of workers.
type ParallelismRejectedError struct {
	Workers int
	Err     error
}

func (e *ParallelismRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parallelism of %d workers rejected: %v", e.Workers, e.Err)
	}
	return fmt.Sprintf("parallelism of %d workers rejected", e.Workers)
}

func (e *ParallelismRejectedError) Unwrap() error { return e.Err }

func (e *ParallelismRejectedError) Is(target error) bool {
	return target == ErrParallelismRejected
}

// Workload runs the training with the given number of workers.
type Workload func(ctx context.Context, workers int) error

type Attempt struct {
	State   State
	Workers int
	Err     error
}

type Result struct {
	State     State
	Requested int
	Available int
	// Workers is the count of the last attempt.
	Workers  int
	Attempts []Attempt
}

type Negotiator struct {
	Signals []Signal
	Logger  *slog.Logger
}

func New(logger *slog.Logger, signals ...Signal) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{Signals: signals, Logger: logger}
}

// Available is the smallest of requested and every signal that reports a
// value, and never less than one. A requested count below one means "as
// many as granted".
func (n *Negotiator) Available(requested int) int {
	available := requested
	for _, s := range n.Signals {
		v, ok := s.Probe()
		if !ok || v < 1 {
			continue
		}
		n.Logger.Debug("parallelism signal", "signal", s.Name, "workers", v)
		if available < 1 || v < available {
			available = v
		}
	}
	if available < 1 {
		available = 1
	}
	return available
}

// Run tries the workload with the conservative worker count and, if that
// count is rejected and above one, once more with one worker less. Any
// other failure is returned unchanged.
func (n *Negotiator) Run(ctx context.Context, requested int, work Workload) (Result, error) {
	res := Result{State: StateNotAttempted, Requested: requested}
	res.Available = n.Available(requested)

	workers := res.Available
	state := StateTryingFull
	for {
		res.State = state
		res.Workers = workers
		err := work(ctx, workers)
		res.Attempts = append(res.Attempts, Attempt{State: state, Workers: workers, Err: err})

		outcome := "ok"
		if err != nil {
			outcome = "error"
			if errors.Is(err, ErrParallelismRejected) {
				outcome = "rejected"
			}
		}
		metrics.NegotiationAttemptsTotal.WithLabelValues(string(state), outcome).Inc()
		n.Logger.Info("workload attempt finished",
			"state", state, "requested", requested, "available", res.Available,
			"workers", workers, "outcome", outcome, "error", err)

		if err == nil {
			res.State = StateSucceeded
			return res, nil
		}
		if state == StateTryingFull && workers > 1 && errors.Is(err, ErrParallelismRejected) {
			state = StateTryingReduced
			workers--
			continue
		}
		res.State = StateFailedFinal
		return res, err
	}
}
