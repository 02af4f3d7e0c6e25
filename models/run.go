package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

type RunMode string

const (
	ModeFull         RunMode = "full"
	ModeURLsOnly     RunMode = "urls_only"
	ModeFetchDetails RunMode = "fetch_details"
)

func (m RunMode) Valid() bool {
	switch m {
	case ModeFull, ModeURLsOnly, ModeFetchDetails:
		return true
	}
	return false
}

// ImportRun is one execution of importing everything matching a saved search.
type ImportRun struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	SearchID           uuid.UUID  `json:"search_id" db:"search_id"`
	ScheduleID         *uuid.UUID `json:"schedule_id,omitempty" db:"schedule_id"`
	Status             RunStatus  `json:"status" db:"status"`
	Mode               RunMode    `json:"mode" db:"mode"`
	TotalJobs          int        `json:"total_jobs" db:"total_jobs"`
	CompletedJobs      int        `json:"completed_jobs" db:"completed_jobs"`
	FailedJobs         int        `json:"failed_jobs" db:"failed_jobs"`
	TotalProperties    int        `json:"total_properties" db:"total_properties"`
	ImportedProperties int        `json:"imported_properties" db:"imported_properties"`
	SkippedProperties  int        `json:"skipped_properties" db:"skipped_properties"`
	SplitCount         int        `json:"split_count" db:"split_count"`
	MaxDepth           int        `json:"max_depth" db:"max_depth"`
	Message            string     `json:"message" db:"message"`
	ErrorLog           string     `json:"error_log" db:"error_log"`
	StartedAt          *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Settled reports whether every planned job has reported back.
func (r *ImportRun) Settled() bool {
	return r.TotalJobs > 0 && r.CompletedJobs+r.FailedJobs >= r.TotalJobs
}

// Percentage is property based while fetching details and job based otherwise.
func (r *ImportRun) Percentage() float64 {
	var pct float64
	if r.Mode == ModeFetchDetails {
		if r.TotalProperties > 0 {
			pct = float64(r.ImportedProperties) / float64(r.TotalProperties) * 100
		}
	} else if r.TotalJobs > 0 {
		pct = float64(r.CompletedJobs+r.FailedJobs) / float64(r.TotalJobs) * 100
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Elapsed is measured from start until completion, or until now for live runs.
func (r *ImportRun) Elapsed(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := now
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt)
}

// EstimatedRemaining extrapolates linearly from elapsed time and percentage.
func (r *ImportRun) EstimatedRemaining(now time.Time) time.Duration {
	pct := r.Percentage()
	if r.Status.Terminal() || pct <= 0 || pct >= 100 {
		return 0
	}
	elapsed := r.Elapsed(now)
	return time.Duration(float64(elapsed) * (100 - pct) / pct)
}

type ScheduleStatus string

const (
	ScheduleStatusPending   ScheduleStatus = "pending"
	ScheduleStatusImporting ScheduleStatus = "importing"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusFailed    ScheduleStatus = "failed"
)

const (
	StageURLs    = "urls"
	StageDetails = "details"
	StageSold    = "sold"
	StageDone    = "done"
)

// ScheduleRun drives one ImportRun through the url, detail and sold stages.
type ScheduleRun struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	SearchID    uuid.UUID      `json:"search_id" db:"search_id"`
	ImportRunID *uuid.UUID     `json:"import_run_id,omitempty" db:"import_run_id"`
	Status      ScheduleStatus `json:"status" db:"status"`
	URLDone     bool           `json:"url_done" db:"url_done"`
	DetailDone  bool           `json:"detail_done" db:"detail_done"`
	SoldDone    bool           `json:"sold_done" db:"sold_done"`
	Message     string         `json:"message" db:"message"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

func (s *ScheduleRun) Stage() string {
	switch {
	case !s.URLDone:
		return StageURLs
	case !s.DetailDone:
		return StageDetails
	case !s.SoldDone:
		return StageSold
	}
	return StageDone
}

func (s *ScheduleRun) Done() bool {
	return s.Status == ScheduleStatusCompleted || s.Status == ScheduleStatusFailed
}
