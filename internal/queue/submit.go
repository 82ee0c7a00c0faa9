package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ak3tsm7/training-job-queue/internal/models"
)

var ErrDuplicateJob = errors.New("duplicate job")

// Submit is the producer side: it writes the config blob at its derived
// path and then appends a pending record pointing at it. The result path
// is left for the orchestrator to fill in at launch.
func (r *Repository) Submit(ctx context.Context, cfg *models.JobConfig, now time.Time) (*models.JobRecord, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ref := models.ConfigPath(cfg.Revision, cfg.Country, cfg.Timestamp)

	doc, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	if doc.Find(cfg.JobID) != nil {
		return nil, fmt.Errorf("%w: job %s is already in queue %s", ErrDuplicateJob, cfg.JobID, r.name)
	}
	exists, err := r.ConfigExists(ctx, ref)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: config %s already exists", ErrDuplicateJob, ref)
	}

	if err := r.SaveConfig(ctx, ref, cfg); err != nil {
		return nil, err
	}

	rec := &models.JobRecord{
		JobID:       cfg.JobID,
		Status:      models.StatusPending,
		SubmittedAt: now.UTC(),
		Country:     cfg.Country,
		Revision:    cfg.Revision,
		Timestamp:   cfg.Timestamp,
		ConfigRef:   ref,
	}
	// Reload so that a write that landed meanwhile is not lost.
	doc, err = r.Load(ctx)
	if err != nil {
		return nil, err
	}
	doc.Jobs = append(doc.Jobs, rec)
	if err := r.Save(ctx, doc); err != nil {
		return nil, err
	}
	r.logger.Info("job submitted", "queue", r.name, "job_id", rec.JobID, "config_ref", ref)
	return rec.Clone(), nil
}
