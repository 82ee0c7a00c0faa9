package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ak3tsm7/training-job-queue/internal/launcher"
	"github.com/ak3tsm7/training-job-queue/internal/metrics"
	"github.com/ak3tsm7/training-job-queue/internal/models"
)

// start launches a pending job. The record becomes running, with its
// execution handle, in a single document write that happens before any
// status is polled.
func (o *Orchestrator) start(ctx context.Context, rec *models.JobRecord) (bool, error) {
	log := o.logger.With("job_id", rec.JobID)

	cfg, err := o.repo.LoadConfig(ctx, rec.ConfigRef)
	if err == nil && cfg.JobID != rec.JobID {
		err = &models.ConfigValidationError{Field: "job_id", Reason: "does not match the queue record " + rec.JobID}
	}
	if err != nil {
		var cve *models.ConfigValidationError
		if errors.As(err, &cve) {
			return false, o.fail(ctx, rec, err)
		}
		return false, err
	}

	// The result path is derived here exactly once and travels to the runner
	// inside the config; nothing downstream recomputes it.
	if cfg.ResultPath == "" {
		cfg.ResultPath = models.ResultPath(rec.Revision, rec.Country, rec.Timestamp)
		if o.cfg.DryRun {
			log.Info("dry run: would write result path into job config", "result_path", cfg.ResultPath)
		} else if err := o.repo.SaveConfig(ctx, rec.ConfigRef, cfg); err != nil {
			return false, err
		}
	}

	attempt := rec.AttemptCount + 1
	req := launcher.Request{
		JobID:     rec.JobID,
		Attempt:   attempt,
		ConfigRef: rec.ConfigRef,
		Workers:   cfg.Workers,
	}
	if o.cfg.DryRun {
		log.Info("dry run: would launch job", "attempt", attempt, "workers", cfg.Workers, "config_ref", rec.ConfigRef)
		return false, nil
	}

	handle, err := o.launcher.Launch(ctx, req)
	if err != nil {
		var le *launcher.LaunchError
		if errors.As(err, &le) {
			return false, o.fail(ctx, rec, err)
		}
		// The record stays pending. Launch names are deterministic, so the
		// next pass adopts the execution if it was created after all.
		return false, fmt.Errorf("failed to launch job %s: %w", rec.JobID, err)
	}

	now := o.clock.Now()
	conflict := false
	running, err := o.update(ctx, rec.JobID, func(doc *models.QueueDocument, r *models.JobRecord) error {
		if r.Status == models.StatusRunning && r.ExecutionRef == string(handle) {
			return nil
		}
		if other := doc.Running(); other != nil && other.JobID != r.JobID {
			conflict = true
			return fmt.Errorf("job %s is already running in queue %s", other.JobID, doc.QueueName)
		}
		if err := r.MarkRunning(string(handle), cfg.ResultPath, attempt, now); err != nil {
			conflict = r.ExecutionRef != string(handle)
			return err
		}
		return nil
	})
	if err != nil {
		// A storage failure leaves the record pending and the next pass adopts
		// the execution. Anything else means it can never be recorded.
		if conflict || errors.Is(err, errJobRemoved) {
			log.Warn("launched execution cannot be recorded, stopping it", "handle", handle, "error", err)
			o.stop(ctx, handle)
		}
		return false, fmt.Errorf("failed to record launch of job %s as %s: %w", rec.JobID, handle, err)
	}
	metrics.JobsLaunchedTotal.WithLabelValues(o.repo.QueueName()).Inc()
	log.Info("job launched", "handle", handle, "attempt", attempt, "result_path", cfg.ResultPath)

	return o.watch(ctx, running)
}

// watch polls the execution of a running job until it is terminal, times
// out, or (without Wait) after a single check.
func (o *Orchestrator) watch(ctx context.Context, rec *models.JobRecord) (bool, error) {
	log := o.logger.With("job_id", rec.JobID)
	handle := launcher.Handle(rec.ExecutionRef)
	if handle == "" {
		return false, o.fail(ctx, rec, errors.New("job is running without an execution handle"))
	}

	for {
		st, err := o.launcher.Status(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			st = launcher.Status{Phase: launcher.PhaseUnknown}
			log.Warn("execution status unavailable", "handle", handle, "error", err)
		}
		metrics.StatusPollsTotal.WithLabelValues(o.repo.QueueName(), st.Phase.String()).Inc()

		switch st.Phase {
		case launcher.PhaseSucceeded:
			log.Info("execution succeeded, verifying artifacts", "handle", handle)
			return false, o.verify(ctx, rec)
		case launcher.PhaseFailed:
			return false, o.fail(ctx, rec, &ExecutionError{Handle: handle, Message: st.Message})
		}

		if elapsed := o.elapsed(rec); o.cfg.MaxRuntime > 0 && elapsed > o.cfg.MaxRuntime {
			o.stop(ctx, handle)
			return false, o.fail(ctx, rec, &PollTimeoutError{Handle: handle, Elapsed: elapsed, Limit: o.cfg.MaxRuntime})
		}

		if !o.cfg.Wait || o.cfg.DryRun {
			log.Info("job still running", "handle", handle, "phase", st.Phase)
			return true, nil
		}
		if err := o.renewLease(ctx); err != nil {
			return false, err
		}
		if err := o.clock.Sleep(ctx, o.cfg.PollInterval); err != nil {
			return false, err
		}
	}
}

// verify waits up to VerifyGrace for the completion marker, since listings
// of the store may lag behind the run's own writes.
func (o *Orchestrator) verify(ctx context.Context, rec *models.JobRecord) error {
	log := o.logger.With("job_id", rec.JobID)
	marker := models.MarkerPath(rec.ResultPath)
	deadline := o.clock.Now().Add(o.cfg.VerifyGrace)

	found := 0
	for {
		keys, err := o.repo.ListResults(ctx, rec.ResultPath)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("failed to list result artifacts", "result_path", rec.ResultPath, "error", err)
		case slices.Contains(keys, marker):
			return o.complete(ctx, rec, len(keys))
		default:
			found = len(keys)
		}

		if !o.clock.Now().Before(deadline) {
			return o.fail(ctx, rec, &VerificationError{
				ResultPath: rec.ResultPath,
				Marker:     models.CompletionMarker,
				Grace:      o.cfg.VerifyGrace,
				Found:      found,
			})
		}
		if err := o.clock.Sleep(ctx, o.cfg.VerifyInterval); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context, rec *models.JobRecord, artifacts int) error {
	log := o.logger.With("job_id", rec.JobID)
	if o.cfg.DryRun {
		log.Info("dry run: would mark job completed", "result_path", rec.ResultPath)
		return nil
	}
	now := o.clock.Now()
	_, err := o.update(ctx, rec.JobID, func(_ *models.QueueDocument, r *models.JobRecord) error {
		r.ResultPath = rec.ResultPath
		return r.MarkCompleted(now)
	})
	if err != nil {
		return err
	}
	metrics.JobsFinishedTotal.WithLabelValues(o.repo.QueueName(), string(models.StatusCompleted), "ok").Inc()
	o.observeDuration(rec, models.StatusCompleted)
	log.Info("job completed", "result_path", rec.ResultPath, "artifacts", artifacts)
	return nil
}

// fail records cause on the job. Only a failure to persist that is
// returned; the cause itself stays with the job.
func (o *Orchestrator) fail(ctx context.Context, rec *models.JobRecord, cause error) error {
	log := o.logger.With("job_id", rec.JobID)
	summary := summarize(cause)
	if o.cfg.DryRun {
		log.Info("dry run: would mark job failed", "last_error", summary)
		return nil
	}
	now := o.clock.Now()
	_, err := o.update(ctx, rec.JobID, func(_ *models.QueueDocument, r *models.JobRecord) error {
		return r.MarkFailed(summary, now)
	})
	if err != nil {
		return fmt.Errorf("failed to record failure of job %s (%s): %w", rec.JobID, summary, err)
	}
	metrics.JobsFinishedTotal.WithLabelValues(o.repo.QueueName(), string(models.StatusFailed), reason(cause)).Inc()
	o.observeDuration(rec, models.StatusFailed)
	log.Error("job failed", "last_error", summary)
	return nil
}

func (o *Orchestrator) stop(ctx context.Context, h launcher.Handle) {
	s, ok := o.launcher.(launcher.Stopper)
	if !ok {
		return
	}
	if err := s.Stop(ctx, h); err != nil {
		o.logger.Warn("failed to stop execution", "handle", h, "error", err)
	}
}

func (o *Orchestrator) elapsed(rec *models.JobRecord) time.Duration {
	if rec.StartedAt == nil {
		return 0
	}
	return o.clock.Now().Sub(*rec.StartedAt)
}

func (o *Orchestrator) observeDuration(rec *models.JobRecord, status models.JobStatus) {
	if rec.StartedAt == nil {
		return
	}
	metrics.JobDurationSeconds.WithLabelValues(o.repo.QueueName(), string(status)).Observe(o.elapsed(rec).Seconds())
}

// summarize keeps last_error to one readable line.
func summarize(err error) string {
	s := strings.Join(strings.Fields(err.Error()), " ")
	const maxLen = 500
	if len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
