package models

import (
	"encoding/json"
	"path"
	"strings"
)

// CompletionMarker is the blob whose presence under a result prefix marks a
// finished training run.
const CompletionMarker = "_SUCCESS"

// JobConfig is written once per job and handed to the runner unchanged. The
// runner must use ResultPath as given and never derive its own.
type JobConfig struct {
	JobID      string         `json:"job_id"`
	Country    string         `json:"country"`
	Revision   string         `json:"revision"`
	Timestamp  string         `json:"timestamp"`
	Goal       string         `json:"goal"`
	Workers    int            `json:"workers"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ResultPath string         `json:"result_path,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type jobConfigFields JobConfig

func (c JobConfig) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(jobConfigFields(c), c.Extra)
}

func (c *JobConfig) UnmarshalJSON(data []byte) error {
	var fields jobConfigFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, fields)
	if err != nil {
		return err
	}
	*c = JobConfig(fields)
	c.Extra = extra
	return nil
}

func (c JobConfig) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"job_id", c.JobID},
		{"country", c.Country},
		{"revision", c.Revision},
		{"timestamp", c.Timestamp},
	} {
		if err := validateSegment(f.name, f.value); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Goal) == "" {
		return &ConfigValidationError{Field: "goal", Reason: "is required"}
	}
	if c.Workers < 0 {
		return &ConfigValidationError{Field: "workers", Reason: "must not be negative"}
	}
	return nil
}

func validateSegment(field, value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return &ConfigValidationError{Field: field, Reason: "is required"}
	case strings.ContainsAny(value, `/\`) || value == "." || value == "..":
		return &ConfigValidationError{Field: field, Reason: "must be a single path segment"}
	}
	return nil
}

// ConfigPath is where the producer writes the job's config blob.
func ConfigPath(revision, country, timestamp string) string {
	return path.Join("configs", revision, country, timestamp+".json")
}

// ResultPath is the artifact prefix of a run. It ends with a slash.
func ResultPath(revision, country, timestamp string) string {
	return path.Join("results", revision, country, timestamp) + "/"
}

func MarkerPath(resultPath string) string {
	return strings.TrimSuffix(resultPath, "/") + "/" + CompletionMarker
}
