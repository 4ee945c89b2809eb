package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a validation job.
type JobStatus string

// Validation job states. Legal transitions: queued → running → (completed | failed);
// queued → cancelled.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// FindingRef points a validation job at the finding it reproduces.
// Either (ScanID, FindingID) or ExternalID is set.
type FindingRef struct {
	ScanID     string `json:"scan_id,omitempty"`
	FindingID  string `json:"finding_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// OperatorVerdict is an admin-appended judgement on a completed job.
// It never mutates the original verdict.
type OperatorVerdict struct {
	IsValid    bool      `json:"is_valid"`
	Confidence float64   `json:"confidence"`
	MarkedAt   time.Time `json:"marked_at"`
}

// ValidationJob reproduces a finding's PoC inside an ephemeral sandbox.
// IsValid and Confidence are present iff Status == completed.
type ValidationJob struct {
	JobID            string            `json:"job_id"`
	FindingRef       FindingRef        `json:"finding_ref"`
	Finding          *Finding          `json:"finding,omitempty"`
	Status           JobStatus         `json:"status"`
	SandboxType      SandboxType       `json:"sandbox_type"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	IsValid          *bool             `json:"is_valid,omitempty"`
	Confidence       *float64          `json:"confidence,omitempty"`
	ExecutionTrace   string            `json:"execution_trace,omitempty"`
	StateDiff        string            `json:"state_diff,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	OperatorVerdicts []OperatorVerdict `json:"operator_verdicts,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// NewValidationJob creates a queued job with defaults applied.
func NewValidationJob(ref FindingRef, finding *Finding, sandbox SandboxType, timeoutSeconds int) *ValidationJob {
	if sandbox == "" {
		sandbox = SandboxFoundry
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	if timeoutSeconds > 1800 {
		timeoutSeconds = 1800
	}
	return &ValidationJob{
		JobID:          uuid.NewString(),
		FindingRef:     ref,
		Finding:        finding,
		Status:         JobStatusQueued,
		SandboxType:    sandbox,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      time.Now().UTC(),
	}
}

// Terminal reports whether the job has reached a terminal state.
func (j *ValidationJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
