// Package batch owns the durable queue of asynchronous translation jobs.
//
// Requests are queued in memory, submitted in bulk as one remote batch job,
// and persisted to a JSON store so that a later invocation can poll the job
// and pick up its results. A request is identified across restarts by its
// verbatim content, which also deduplicates identical groups.
package batch

import (
	"context"
	"fmt"
	"time"
)

// Status is the local lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request is one translation request inside a job.
type Request struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	System  string `json:"system,omitempty"`
	// Attempt is the reconcile attempt that produced this request.
	Attempt int     `json:"attempt"`
	Result  *string `json:"result,omitempty"`
	// Error is set when the job finished without a usable result for
	// this request.
	Error string `json:"error,omitempty"`
}

// Resolved reports whether the request has a final outcome.
func (r Request) Resolved() bool {
	return r.Result != nil || r.Error != ""
}

// Job is a remote batch job and the requests it carries.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Requests  []Request `json:"requests"`
	Finished  bool      `json:"finished"`
	CreatedAt time.Time `json:"created_at"`
}

// Line is one request as handed to the remote API.
type Line struct {
	CustomID string
	System   string
	Content  string
}

// RemoteStatus is the subset of remote job state the manager acts on.
type RemoteStatus struct {
	Status       string
	OutputFileID string
	ErrorFileID  string
}

// Remote is the batch API of a translation provider.
type Remote interface {
	CreateJob(ctx context.Context, lines []Line) (string, error)
	JobStatus(ctx context.Context, id string) (RemoteStatus, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// JobSubmissionError reports a failure to create a remote job.
type JobSubmissionError struct {
	Requests int
	Err      error
}

func (e *JobSubmissionError) Error() string {
	return fmt.Sprintf("submit batch of %d requests: %v", e.Requests, e.Err)
}

func (e *JobSubmissionError) Unwrap() error {
	return e.Err
}

// JobPollError reports a failure to query or download a remote job.
type JobPollError struct {
	JobID string
	Err   error
}

func (e *JobPollError) Error() string {
	return fmt.Sprintf("poll batch %s: %v", e.JobID, e.Err)
}

func (e *JobPollError) Unwrap() error {
	return e.Err
}

// mapStatus folds provider statuses into the local state machine.
func mapStatus(remote string) Status {
	switch remote {
	case "completed":
		return StatusCompleted
	case "failed", "expired", "cancelled":
		return StatusFailed
	default:
		return StatusPending
	}
}
