package models

import (
	"errors"
	"time"
)

// JobRun statuses persisted in Postgres.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	// ErrNotFound is returned when a job run or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownJob is returned when no job is registered under a name.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobBusy is returned when another invocation of the same job is still running.
	ErrJobBusy = errors.New("job busy")
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("duplicate connection")
)

// JobRun is one persisted outcome of executing a named job.
type JobRun struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retryCount"`
	RunAt      time.Time `json:"runAt"`
}

// Succeeded reports whether the run finished without error.
func (r JobRun) Succeeded() bool { return r.Status == StatusSuccess }
