package models

import (
	"time"
)

// JobStatus represents the current state of a job in the system
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// JobMode selects which transform a job runs
type JobMode string

const (
	ModeReduce  JobMode = "reduce"
	ModeExtract JobMode = "extract"
)

// Job represents one submitted PDF tracked from upload to a terminal state
type Job struct {
	ID           string           `json:"id"`
	Filename     string           `json:"filename"`
	Mode         JobMode          `json:"mode"`
	Options      ReductionOptions `json:"options"`
	Status       JobStatus        `json:"status"`
	Progress     int              `json:"progress"`
	Message      string           `json:"message"`
	OriginalSize int64            `json:"original_size"`
	ReducedSize  int64            `json:"reduced_size"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`

	// File locations are owned by the store and worker, never serialized.
	InputPath  string `json:"-"`
	OutputPath string `json:"-"`
}

// Terminal reports whether the job has reached a final state
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// CanTransition reports whether moving to next is a legal forward step.
// Jobs only ever move Pending -> Processing -> Completed/Failed; terminal
// states never change and Processing is never skipped.
func (j *Job) CanTransition(next JobStatus) bool {
	if j.Status == next {
		return true
	}
	switch j.Status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Clone returns a copy safe to hand to readers and observers
func (j *Job) Clone() *Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
