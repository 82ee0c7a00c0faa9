package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/ak3tsm7/training-job-queue/internal/metrics"
	"github.com/ak3tsm7/training-job-queue/internal/models"
)

// cleanup keeps the Retention most recently finished completed records, and
// separately the Retention most recent failed ones, and drops the rest.
// Their blobs are removed only with DeleteArtifacts.
func (o *Orchestrator) cleanup(ctx context.Context) error {
	doc, err := o.repo.Load(ctx)
	if err != nil {
		return err
	}
	pruned := prune(doc, o.cfg.Retention)
	if len(pruned) == 0 {
		o.logger.Debug("cleanup found nothing to prune", "retention", o.cfg.Retention)
		return nil
	}

	ids := make(map[string]struct{}, len(pruned))
	names := make([]string, 0, len(pruned))
	for _, r := range pruned {
		ids[r.JobID] = struct{}{}
		names = append(names, r.JobID)
	}
	if o.cfg.DryRun {
		o.logger.Info("dry run: would prune terminal records", "count", len(pruned), "job_ids", names)
		return nil
	}

	doc.Remove(ids)
	if err := o.repo.Save(ctx, doc); err != nil {
		return err
	}
	metrics.RecordsPrunedTotal.WithLabelValues(o.repo.QueueName()).Add(float64(len(pruned)))
	o.logger.Info("pruned terminal records", "count", len(pruned), "retention", o.cfg.Retention)

	if !o.cfg.DeleteArtifacts {
		return nil
	}
	for _, r := range pruned {
		if err := o.repo.DeleteArtifacts(ctx, r); err != nil {
			o.logger.Warn("failed to delete artifacts of pruned job", "job_id", r.JobID, "error", err)
		}
	}
	return nil
}

func prune(doc *models.QueueDocument, retention int) []*models.JobRecord {
	if retention < 0 {
		retention = 0
	}
	pruned := make([]*models.JobRecord, 0)
	for _, status := range []models.JobStatus{models.StatusCompleted, models.StatusFailed} {
		recs := make([]*models.JobRecord, 0)
		for _, j := range doc.Jobs {
			if j.Status == status {
				recs = append(recs, j)
			}
		}
		if len(recs) <= retention {
			continue
		}
		sort.SliceStable(recs, func(a, b int) bool {
			return finishedAt(recs[a]).After(finishedAt(recs[b]))
		})
		pruned = append(pruned, recs[retention:]...)
	}
	return pruned
}

func finishedAt(r *models.JobRecord) time.Time {
	if r.CompletedAt == nil {
		return time.Time{}
	}
	return *r.CompletedAt
}
