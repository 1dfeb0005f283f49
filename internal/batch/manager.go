package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager tracks queued requests and persisted jobs for one run.
// It is safe for concurrent use.
type Manager struct {
	remote Remote
	store  *fileStore
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []Job
	pending []Request
}

// Open loads the job store at path. A missing store starts empty.
func Open(path string, remote Remote, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := newFileStore(path)
	if err != nil {
		return nil, err
	}
	jobs, err := store.snapshot()
	if err != nil {
		return nil, err
	}

	logger = logger.Named("batch")
	logger.Debug("loaded job store", zap.String("path", path), zap.Int("jobs", len(jobs)))

	return &Manager{
		remote: remote,
		store:  store,
		logger: logger,
		jobs:   jobs,
	}, nil
}

// Ensure returns the request carrying content under the system instruction,
// queueing a new one with the given attempt number if none exists yet. The
// boolean reports whether the returned request is resolved.
//
// Requests are keyed by content and system together: the system instruction
// names the language pair, so equal content for another target is a
// different request.
func (m *Manager) Ensure(content, system string, attempt int) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req, ok := m.findLocked(content, system); ok {
		return req, req.Resolved()
	}

	req := Request{
		ID:      uuid.NewString(),
		Content: content,
		System:  system,
		Attempt: attempt,
	}
	m.pending = append(m.pending, req)
	return req, false
}

// Lookup returns the request for content and system without queueing
// anything.
func (m *Manager) Lookup(content, system string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(content, system)
}

func (r Request) matches(content, system string) bool {
	return r.Content == content && r.System == system
}

func (m *Manager) findLocked(content, system string) (Request, bool) {
	for _, req := range m.pending {
		if req.matches(content, system) {
			return req, true
		}
	}
	// prefer a resolved copy when the same content sits in several jobs
	var found *Request
	for i := range m.jobs {
		for j := range m.jobs[i].Requests {
			req := &m.jobs[i].Requests[j]
			if !req.matches(content, system) {
				continue
			}
			if req.Resolved() {
				return *req, true
			}
			if found == nil {
				found = req
			}
		}
	}
	if found != nil {
		return *found, true
	}
	return Request{}, false
}

// PendingRequests returns the number of queued, not yet submitted requests.
func (m *Manager) PendingRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Jobs returns a copy of every stored job.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJobs(m.jobs)
}

// PendingJobs returns the jobs still waiting on the remote side.
func (m *Manager) PendingJobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, job := range m.jobs {
		if !job.Finished {
			out = append(out, cloneJob(job))
		}
	}
	return out
}

// Submit sends every queued request as one remote job and persists it
// before clearing the queue. It returns the new job id, or "" when nothing
// was queued.
func (m *Manager) Submit(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return "", nil
	}

	lines := make([]Line, len(m.pending))
	for i, req := range m.pending {
		lines[i] = Line{CustomID: req.ID, System: req.System, Content: req.Content}
	}

	id, err := m.remote.CreateJob(ctx, lines)
	if err != nil {
		return "", &JobSubmissionError{Requests: len(lines), Err: err}
	}

	job := Job{
		ID:        id,
		Status:    StatusPending,
		Requests:  append([]Request(nil), m.pending...),
		CreatedAt: time.Now().UTC(),
	}
	jobs, err := m.store.readModifyWrite(func(jobs []Job) ([]Job, error) {
		return append(jobs, job), nil
	})
	if err != nil {
		return "", fmt.Errorf("persist batch %s: %w", id, err)
	}
	m.jobs = jobs
	m.pending = nil

	m.logger.Info("submitted batch", zap.String("job_id", id), zap.Int("requests", len(job.Requests)))
	return id, nil
}

// PollReport summarises one poll cycle.
type PollReport struct {
	Completed int
	Dropped   int
	Pending   int
}

// Poll queries every unfinished job once. Completed jobs get their results
// copied into their requests; failed jobs and jobs whose every request
// errored are dropped. Errors for individual jobs are collected and do not
// stop the cycle.
func (m *Manager) Poll(ctx context.Context) (PollReport, error) {
	var report PollReport
	var errs []error

	for _, job := range m.PendingJobs() {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		st, err := m.remote.JobStatus(ctx, job.ID)
		if err != nil {
			errs = append(errs, &JobPollError{JobID: job.ID, Err: err})
			continue
		}

		switch mapStatus(st.Status) {
		case StatusCompleted:
			if st.OutputFileID == "" {
				m.logErrorFile(ctx, job.ID, st.ErrorFileID)
				if err := m.drop(job.ID); err != nil {
					errs = append(errs, err)
					continue
				}
				report.Dropped++
				continue
			}

			data, err := m.remote.Download(ctx, st.OutputFileID)
			if err != nil {
				errs = append(errs, &JobPollError{JobID: job.ID, Err: fmt.Errorf("download results: %w", err)})
				continue
			}
			results, err := parseResults(data)
			if err != nil {
				errs = append(errs, &JobPollError{JobID: job.ID, Err: err})
				continue
			}
			if err := m.complete(job.ID, results); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Completed++

		case StatusFailed:
			m.logger.Warn("batch failed remotely", zap.String("job_id", job.ID), zap.String("status", st.Status))
			if err := m.drop(job.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Dropped++

		default:
			m.logger.Debug("batch still running", zap.String("job_id", job.ID), zap.String("status", st.Status))
			report.Pending++
		}
	}

	return report, errors.Join(errs...)
}

func (m *Manager) logErrorFile(ctx context.Context, jobID, fileID string) {
	if fileID == "" {
		m.logger.Warn("batch completed without output or error file", zap.String("job_id", jobID))
		return
	}
	data, err := m.remote.Download(ctx, fileID)
	if err != nil {
		m.logger.Warn("failed to download batch error file", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	m.logger.Warn("batch completed with errors only", zap.String("job_id", jobID), zap.ByteString("errors", data))
}

func (m *Manager) complete(jobID string, results []result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs, err := m.store.readModifyWrite(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID != jobID {
				continue
			}
			applyResults(&jobs[i], results)
			jobs[i].Status = StatusCompleted
			jobs[i].Finished = true
		}
		return jobs, nil
	})
	if err != nil {
		return fmt.Errorf("persist batch %s: %w", jobID, err)
	}
	m.jobs = jobs

	m.logger.Info("batch completed", zap.String("job_id", jobID), zap.Int("results", len(results)))
	return nil
}

func (m *Manager) drop(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs, err := m.store.readModifyWrite(func(jobs []Job) ([]Job, error) {
		out := jobs[:0]
		for _, job := range jobs {
			if job.ID != jobID {
				out = append(out, job)
			}
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("persist batch %s: %w", jobID, err)
	}
	m.jobs = jobs
	return nil
}

// Consume removes a resolved request whose result was accepted.
// Jobs left without requests are removed.
func (m *Manager) Consume(content, system string) error {
	return m.remove(content, system, "consumed")
}

// Discard removes a resolved request whose result was rejected, so that the
// next Ensure for the same content queues a fresh request.
func (m *Manager) Discard(content, system string) error {
	return m.remove(content, system, "discarded")
}

func (m *Manager) remove(content, system, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	jobs, err := m.store.readModifyWrite(func(jobs []Job) ([]Job, error) {
		out := jobs[:0]
		for _, job := range jobs {
			if job.Finished {
				kept := job.Requests[:0]
				for _, req := range job.Requests {
					if req.matches(content, system) && req.Resolved() {
						removed++
						continue
					}
					kept = append(kept, req)
				}
				job.Requests = kept
				if len(job.Requests) == 0 {
					continue
				}
			}
			out = append(out, job)
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("remove request: %w", err)
	}
	m.jobs = jobs

	if removed > 0 {
		m.logger.Debug("request "+reason, zap.Int("removed", removed))
	}
	return nil
}

func cloneJobs(jobs []Job) []Job {
	out := make([]Job, len(jobs))
	for i, job := range jobs {
		out[i] = cloneJob(job)
	}
	return out
}

func cloneJob(job Job) Job {
	job.Requests = append([]Request(nil), job.Requests...)
	return job
}
