package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Progress checkpoints reported to pollers.
const (
	ProgressQueued    = 0
	ProgressClaimed   = 25
	ProgressExtracted = 75
	ProgressDone      = 100
)

// Job tracks one analysis request. The API returns job_id on POST /api/v1/analyze;
// the client polls GET /api/v1/analyze/{job_id} until status is completed or failed.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenant_id"`
	UserID         string          `json:"user_id"`
	Status         string          `json:"status"`
	Description    string          `json:"description,omitempty"`
	ImageReference string          `json:"image_reference,omitempty"`
	Progress       int             `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Age is the time elapsed since the job was created.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// JobMessage is the queue payload announcing a submitted job. Delivery is
// at-least-once.
type JobMessage struct {
	JobID          uuid.UUID `json:"job_id"`
	UserID         string    `json:"user_id"`
	Description    string    `json:"description,omitempty"`
	ImageReference string    `json:"image_reference,omitempty"`
}

// Message builds the queue payload for j.
func (j *Job) Message() JobMessage {
	return JobMessage{
		JobID:          j.ID,
		UserID:         j.UserID,
		Description:    j.Description,
		ImageReference: j.ImageReference,
	}
}
