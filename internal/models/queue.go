package models

import (
	"encoding/json"
	"sort"
	"time"
)

// QueueDocument is the single persisted state of one queue. It is always
// rewritten in full.
type QueueDocument struct {
	QueueName    string       `json:"queue_name"`
	Jobs         []*JobRecord `json:"jobs"`
	LastModified time.Time    `json:"last_modified"`

	Extra map[string]json.RawMessage `json:"-"`
}

type queueDocumentFields QueueDocument

func NewQueueDocument(name string) *QueueDocument {
	return &QueueDocument{
		QueueName: name,
		Jobs:      make([]*JobRecord, 0),
	}
}

func (d QueueDocument) MarshalJSON() ([]byte, error) {
	if d.Jobs == nil {
		d.Jobs = make([]*JobRecord, 0)
	}
	return marshalWithExtra(queueDocumentFields(d), d.Extra)
}

func (d *QueueDocument) UnmarshalJSON(data []byte) error {
	var fields queueDocumentFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, fields)
	if err != nil {
		return err
	}
	*d = QueueDocument(fields)
	d.Extra = extra
	// A null entry carries no job.
	jobs := make([]*JobRecord, 0, len(d.Jobs))
	for _, j := range d.Jobs {
		if j != nil {
			jobs = append(jobs, j)
		}
	}
	d.Jobs = jobs
	return nil
}

func (d *QueueDocument) Find(jobID string) *JobRecord {
	for _, j := range d.Jobs {
		if j.JobID == jobID {
			return j
		}
	}
	return nil
}

// Running returns the record currently executing, if any.
func (d *QueueDocument) Running() *JobRecord {
	for _, j := range d.Jobs {
		if j.Status == StatusRunning {
			return j
		}
	}
	return nil
}

// NextPending returns the earliest submitted pending record. Ties keep
// document order.
func (d *QueueDocument) NextPending() *JobRecord {
	var next *JobRecord
	for _, j := range d.Jobs {
		if j.Status != StatusPending {
			continue
		}
		if next == nil || j.SubmittedAt.Before(next.SubmittedAt) {
			next = j
		}
	}
	return next
}

// Pending lists pending records in launch order.
func (d *QueueDocument) Pending() []*JobRecord {
	out := make([]*JobRecord, 0)
	for _, j := range d.Jobs {
		if j.Status == StatusPending {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].SubmittedAt.Before(out[b].SubmittedAt)
	})
	return out
}

// HasActive reports whether anything is left to launch or watch.
func (d *QueueDocument) HasActive() bool {
	for _, j := range d.Jobs {
		if j.Status == StatusPending || j.Status == StatusRunning {
			return true
		}
	}
	return false
}

func (d *QueueDocument) Counts() map[JobStatus]int {
	out := map[JobStatus]int{
		StatusPending:   0,
		StatusRunning:   0,
		StatusCompleted: 0,
		StatusFailed:    0,
	}
	for _, j := range d.Jobs {
		out[j.Status]++
	}
	return out
}

// Remove drops the records with the given IDs and keeps the order of the rest.
func (d *QueueDocument) Remove(ids map[string]struct{}) {
	kept := d.Jobs[:0]
	for _, j := range d.Jobs {
		if _, drop := ids[j.JobID]; drop {
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(d.Jobs); i++ {
		d.Jobs[i] = nil
	}
	d.Jobs = kept
}
