// Package jobs tracks scan jobs through their lifecycle and drives the
// ingest, probe and aggregate pipeline for each of them.
//
// A job moves created -> running -> completed | failed. Transition is the
// only function that changes a job's status; terminal jobs never change
// again. The Manager runs each job on its own goroutine and persists every
// step through the Store port.
package jobs

import (
	"fmt"
	"time"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/ingest"
)

// Status is the lifecycle state of a scan job.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CauseCanceled is the error recorded on jobs ended by Cancel or shutdown.
const CauseCanceled = "canceled"

// CauseInterrupted is the error recorded by Recover on jobs a previous
// process left unfinished.
const CauseInterrupted = "interrupted"

// Parameters are the validated knobs of a scan job.
type Parameters struct {
	Port         int    `json:"port" validate:"required,min=1,max=65535"`
	BandwidthCap string `json:"bandwidth_cap" validate:"required,bandwidth"`
	MaxNetworks  int    `json:"max_networks" validate:"required,gt=0"`
	Simulate     bool   `json:"simulate"`
	Seed         uint64 `json:"seed"`
	SkipPrivate  bool   `json:"skip_private"`
}

// ScanJob is one bounded execution of ingest, probe and aggregate.
type ScanJob struct {
	ID             string         `json:"id" db:"id"`
	Status         Status         `json:"status" db:"status"`
	Parameters     Parameters     `json:"parameters"`
	Description    string         `json:"description,omitempty" db:"description"`
	InputReference string         `json:"input_reference,omitempty" db:"input_reference"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	Error          string         `json:"error,omitempty" db:"error"`
	Ingest         *ingest.Report `json:"ingest,omitempty"`
}

// Transition moves the job to status to at the given time. cause is
// required when failing and ignored otherwise.
//
// Allowed moves are created->running, created->failed, running->completed
// and running->failed. StartedAt is set on running and CompletedAt on either
// terminal status.
func (j *ScanJob) Transition(to Status, at time.Time, cause string) error {
	if j.Status.IsTerminal() {
		return errors.NewJobError(errors.CodeConflict, j.ID,
			fmt.Sprintf("job is %s and cannot move to %s", j.Status, to))
	}

	switch {
	case j.Status == StatusCreated && to == StatusRunning:
		j.StartedAt = &at
	case j.Status == StatusRunning && to == StatusCompleted:
		j.CompletedAt = &at
	case (j.Status == StatusCreated || j.Status == StatusRunning) && to == StatusFailed:
		if cause == "" {
			return errors.NewJobError(errors.CodeValidation, j.ID, "a failed job needs a cause")
		}
		j.Error = cause
		j.CompletedAt = &at
	default:
		return errors.NewJobError(errors.CodeConflict, j.ID,
			fmt.Sprintf("invalid transition %s -> %s", j.Status, to))
	}

	j.Status = to
	return nil
}

// Update returns the persistence update describing the job's current state.
func (j *ScanJob) Update() JobUpdate {
	return JobUpdate{
		Status:      j.Status,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Ingest:      j.Ingest,
	}
}

// JobUpdate carries a status change to the Store.
type JobUpdate struct {
	Status      Status
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Ingest      *ingest.Report
}

// JobRecord is a job together with its availability statistics.
type JobRecord struct {
	Job   ScanJob                      `json:"job"`
	Stats []aggregate.AvailabilityStat `json:"stats,omitempty"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status []Status
	Limit  int
}

// StatusView is the externally visible state of a job.
type StatusView struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	// Error is set for failed jobs.
	Error string `json:"error,omitempty"`
}

// SubmitRequest describes a new job. Exactly one of InputReference and
// Networks must be set; an empty, non-nil Networks is a valid submission
// that fails during ingestion.
type SubmitRequest struct {
	ID             string             `json:"id,omitempty" validate:"omitempty,max=64,jobid"`
	InputReference string             `json:"input_reference,omitempty" validate:"omitempty,max=1024"`
	Networks       []ingest.RawRecord `json:"networks,omitempty"`
	Parameters     Parameters         `json:"parameters"`
	Description    string             `json:"description,omitempty" validate:"max=1024"`
}

// Event is published to subscribers on every status change.
type Event struct {
	JobID  string    `json:"job_id"`
	Status Status    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}
