package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/training-job-queue/internal/models"
	"github.com/ak3tsm7/training-job-queue/internal/objstore"
)

func submitConfig(id, ts string) *models.JobConfig {
	return &models.JobConfig{
		JobID:     id,
		Country:   "DE",
		Revision:  "default",
		Timestamp: ts,
		Goal:      "revenue",
		Workers:   4,
	}
}

func TestSubmitWritesConfigThenRecord(t *testing.T) {
	store := objstore.NewMemory()
	repo := NewRepository(store, "mmm")
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	rec, err := repo.Submit(ctx, submitConfig("A", "20261017T090000Z"), now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "configs/default/DE/20261017T090000Z.json", rec.ConfigRef)
	assert.Empty(t, rec.ResultPath)

	cfg, err := repo.LoadConfig(ctx, rec.ConfigRef)
	require.NoError(t, err)
	assert.Equal(t, "A", cfg.JobID)
	assert.Empty(t, cfg.ResultPath)

	doc, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Jobs, 1)
	assert.Equal(t, now, doc.Jobs[0].SubmittedAt)
}

func TestSubmitRejectsDuplicates(t *testing.T) {
	repo := NewRepository(objstore.NewMemory(), "mmm")
	ctx := context.Background()
	now := time.Now()

	_, err := repo.Submit(ctx, submitConfig("A", "t1"), now)
	require.NoError(t, err)

	_, err = repo.Submit(ctx, submitConfig("A", "t2"), now)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	_, err = repo.Submit(ctx, submitConfig("B", "t1"), now)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	doc, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Jobs, 1)
}

func TestSubmitValidates(t *testing.T) {
	repo := NewRepository(objstore.NewMemory(), "mmm")
	cfg := submitConfig("A", "t1")
	cfg.Goal = ""

	var cve *models.ConfigValidationError
	_, err := repo.Submit(context.Background(), cfg, time.Now())
	require.ErrorAs(t, err, &cve)
	assert.Equal(t, "goal", cve.Field)
}
