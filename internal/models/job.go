package models

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further updates may be applied.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobRecord is the pollable state of one pipeline run.
type JobRecord struct {
	ProcessID   string          `json:"process_id"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"` // 0-100, never decreases
	CurrentStep string          `json:"current_step"`
	Message     string          `json:"message"`
	Filename    string          `json:"filename,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"` // Only set when completed
}

// Validate checks that all job record fields are valid.
func (r *JobRecord) Validate() error {
	if r.ProcessID == "" {
		return errors.New("process ID must not be empty")
	}
	switch r.Status {
	case StatusProcessing, StatusCompleted, StatusFailed:
	default:
		return errors.New("status must be processing, completed or failed")
	}
	if r.Progress < 0 || r.Progress > 100 {
		return errors.New("progress must be between 0 and 100")
	}
	if r.Status != StatusCompleted && len(r.Result) > 0 {
		return errors.New("only completed jobs carry a result")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("created at must be set")
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		return errors.New("updated at must be >= created at")
	}
	return nil
}

// Clone returns a deep copy so callers can never alias stored state.
func (r JobRecord) Clone() JobRecord {
	c := r
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
