package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a persisted unit of queued work.
type Job struct {
	ID          string          `json:"id" db:"id"`
	Type        string          `json:"type" db:"type"`
	Queue       string          `json:"queue" db:"queue"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Status      JobStatus       `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"max_attempts" db:"max_attempts"`
	LastError   string          `json:"last_error" db:"last_error"`
	AvailableAt time.Time       `json:"available_at" db:"available_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
