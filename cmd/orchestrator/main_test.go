package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/training-job-queue/internal/config"
	"github.com/ak3tsm7/training-job-queue/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	root := newRootCmd(cfg)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitThenStatus(t *testing.T) {
	store := "file://" + t.TempDir()

	out, err := execute(t, "submit", "--store", store, "--queue", "mmm",
		"--job-id", "A", "--country", "DE", "--goal", "revenue", "--timestamp", "t1", "--param", "alpha=0.1")
	require.NoError(t, err)
	assert.Equal(t, "A", strings.TrimSpace(out))

	_, err = execute(t, "submit", "--store", store, "--queue", "mmm",
		"--job-id", "A", "--country", "FR", "--goal", "revenue")
	assert.ErrorContains(t, err, "duplicate job")

	out, err = execute(t, "status", "--store", store, "--queue", "mmm", "-o", "json")
	require.NoError(t, err)
	var doc models.QueueDocument
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Jobs, 1)
	assert.Equal(t, models.StatusPending, doc.Jobs[0].Status)
	assert.Equal(t, "configs/default/DE/t1.json", doc.Jobs[0].ConfigRef)

	out, err = execute(t, "status", "--store", store, "--queue", "mmm")
	require.NoError(t, err)
	assert.Contains(t, out, "pending=1")
	assert.Contains(t, out, "JOB ID")
}

func TestSubmitRequiresGoal(t *testing.T) {
	_, err := execute(t, "submit", "--store", "mem://", "--country", "DE")
	assert.ErrorContains(t, err, "goal")
}

func TestStatusRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "status", "--store", "mem://", "-o", "yaml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestRunRejectsLeaseShorterThanPollCycle(t *testing.T) {
	_, err := execute(t, "run", "--store", "mem://", "--queue", "mmm",
		"--poll-interval", "5m", "--verify-grace", "1m", "--lease-ttl", "2m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--lease-ttl")

	_, err = execute(t, "run", "--store", "mem://", "--queue", "mmm",
		"--poll-interval", "1m", "--verify-grace", "1m", "--lease-ttl", "2m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must exceed")
}
