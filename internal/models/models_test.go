package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDocumentRoundTripKeepsUnknownFields(t *testing.T) {
	raw := `{
		"queue_name": "mmm",
		"schema_version": 3,
		"jobs": [
			{
				"job_id": "a",
				"status": "pending",
				"submitted_at": "2026-10-17T08:00:00Z",
				"country": "DE",
				"revision": "default",
				"timestamp": "20261017T080000Z",
				"config_ref": "configs/default/DE/20261017T080000Z.json",
				"attempt_count": 0,
				"priority_hint": {"tier": "gold"},
				"submitted_by": "ui"
			}
		],
		"last_modified": "2026-10-17T08:00:01Z"
	}`

	var doc QueueDocument
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	require.Len(t, doc.Jobs, 1)
	assert.JSONEq(t, `3`, string(doc.Extra["schema_version"]))
	assert.JSONEq(t, `{"tier":"gold"}`, string(doc.Jobs[0].Extra["priority_hint"]))

	out, err := json.Marshal(doc)
	require.NoError(t, err)

	var again QueueDocument
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, doc, again)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(out, &generic))
	job := generic["jobs"].([]any)[0].(map[string]any)
	assert.Equal(t, "ui", job["submitted_by"])
	assert.EqualValues(t, 3, generic["schema_version"])
}

func TestQueueDocumentMarshalsEmptyJobs(t *testing.T) {
	out, err := json.Marshal(QueueDocument{QueueName: "q"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"jobs":[]`)
}

func TestQueueDocumentSkipsNullJobs(t *testing.T) {
	var doc QueueDocument
	require.NoError(t, json.Unmarshal([]byte(`{"queue_name":"mmm","jobs":[null,{"job_id":"a","status":"pending"},null]}`), &doc))
	require.Len(t, doc.Jobs, 1)
	assert.Equal(t, "a", doc.Jobs[0].JobID)

	assert.Nil(t, doc.Running())
	require.NotNil(t, doc.NextPending())
	assert.Equal(t, 1, doc.Counts()[StatusPending])
}

func TestNextPendingIsFIFO(t *testing.T) {
	base := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	doc := NewQueueDocument("q")
	doc.Jobs = []*JobRecord{
		{JobID: "late", Status: StatusPending, SubmittedAt: base.Add(2 * time.Minute)},
		{JobID: "done", Status: StatusCompleted, SubmittedAt: base.Add(-time.Hour)},
		{JobID: "first", Status: StatusPending, SubmittedAt: base},
		{JobID: "tie", Status: StatusPending, SubmittedAt: base},
	}

	assert.Equal(t, "first", doc.NextPending().JobID)

	var order []string
	for _, j := range doc.Pending() {
		order = append(order, j.JobID)
	}
	assert.Equal(t, []string{"first", "tie", "late"}, order)
}

func TestStatusTransitionsOnlyMoveForward(t *testing.T) {
	now := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	rec := &JobRecord{JobID: "a", Status: StatusPending}

	require.NoError(t, rec.MarkRunning("ns/train-a-1", "results/default/DE/t/", 1, now))
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)

	require.NoError(t, rec.MarkCompleted(now.Add(time.Minute)))
	require.NotNil(t, rec.CompletedAt)

	err := rec.MarkFailed("late failure", now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusCompleted, rec.Status)

	err = (&JobRecord{JobID: "b", Status: StatusRunning}).MarkRunning("x", "", 2, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestMarkRunningRequiresHandle(t *testing.T) {
	rec := &JobRecord{JobID: "a", Status: StatusPending}
	assert.Error(t, rec.MarkRunning("", "results/x/", 1, time.Now()))
	assert.Equal(t, StatusPending, rec.Status)
}

func TestJobConfigValidate(t *testing.T) {
	valid := JobConfig{JobID: "a", Country: "DE", Revision: "default", Timestamp: "20261017T080000Z", Goal: "revenue"}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Country = "../etc"
	var cve *ConfigValidationError
	require.ErrorAs(t, bad.Validate(), &cve)
	assert.Equal(t, "country", cve.Field)

	bad = valid
	bad.Goal = " "
	require.ErrorAs(t, bad.Validate(), &cve)
	assert.Equal(t, "goal", cve.Field)
}

func TestDerivedPaths(t *testing.T) {
	assert.Equal(t, "configs/default/DE/20261017T080000Z.json", ConfigPath("default", "DE", "20261017T080000Z"))
	assert.Equal(t, "results/default/DE/20261017T080000Z/", ResultPath("default", "DE", "20261017T080000Z"))
	assert.Equal(t, "results/default/DE/20261017T080000Z/_SUCCESS", MarkerPath("results/default/DE/20261017T080000Z/"))
}
