package mcp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a batch job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) active() bool { return s == JobStatusPending || s == JobStatusRunning }

// Job represents a background batch download. Values handed out by
// JobManager are snapshots.
type Job struct {
	ID           string    `json:"id"`
	Input        string    `json:"input"`
	OutputDir    string    `json:"output_dir"`
	Resume       bool      `json:"resume"`
	Status       JobStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	Total        int       `json:"total"`
	Done         int       `json:"done"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	ErrorMessage string    `json:"error_message,omitempty"`

	seq    int
	ctx    context.Context
	cancel context.CancelFunc
	stop   func()
}

// Progress is a counter update for a running job.
type Progress struct {
	Total, Done, Succeeded, Failed, Skipped int
}

// JobManager tracks background batch jobs. At most one job runs per input file.
type JobManager struct {
	jobs    map[string]*Job
	mu      sync.RWMutex
	byInput map[string]string // input path -> jobID for active jobs
	created int
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[string]*Job),
		byInput: make(map[string]string),
	}
}

// CreateJob registers a job for input. If one is already active for the same
// input it is returned instead and created is false.
func (m *JobManager) CreateJob(input, outputDir string, resume bool) (job *Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, exists := m.byInput[input]; exists {
		if existing := m.jobs[existingID]; existing != nil && existing.Status.active() {
			return existing.snapshot(), false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.created++
	j := &Job{
		ID:        uuid.New().String(),
		Input:     input,
		OutputDir: outputDir,
		Resume:    resume,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
		seq:       m.created,
		ctx:       ctx,
		cancel:    cancel,
	}
	m.jobs[j.ID] = j
	m.byInput[input] = j.ID
	return j.snapshot(), true
}

func (j *Job) snapshot() *Job {
	cp := *j
	return &cp
}

// GetJob returns a snapshot of a job, or nil.
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, exists := m.jobs[jobID]; exists {
		return job.snapshot()
	}
	return nil
}

// GetJobByInput returns a snapshot of the active job for input, or nil.
func (m *JobManager) GetJobByInput(input string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if jobID, exists := m.byInput[input]; exists {
		return m.jobs[jobID].snapshot()
	}
	return nil
}

// IsRunning checks if a job is currently active for input
func (m *JobManager) IsRunning(input string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if jobID, exists := m.byInput[input]; exists {
		job := m.jobs[jobID]
		return job != nil && job.Status.active()
	}
	return false
}

// UpdateStatus moves a job to status. Terminal statuses free the input for a
// new job. A cancelled job keeps its status.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists || job.Status == JobStatusCancelled {
		return
	}
	job.Status = status
	if !status.active() {
		job.CompletedAt = time.Now()
		job.cancel()
		delete(m.byInput, job.Input)
	}
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
}

// UpdateProgress replaces the progress counters of a job
func (m *JobManager) UpdateProgress(jobID string, p Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, exists := m.jobs[jobID]; exists {
		job.Total, job.Done = p.Total, p.Done
		job.Succeeded, job.Failed, job.Skipped = p.Succeeded, p.Failed, p.Skipped
	}
}

// SetStopper registers a graceful stop for a job, called before its context
// is cancelled.
func (m *JobManager) SetStopper(jobID string, stop func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, exists := m.jobs[jobID]; exists {
		job.stop = stop
	}
}

// CancelJob cancels an active job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists || !job.Status.active() {
		return false
	}
	job.halt()
	delete(m.byInput, job.Input)
	return true
}

// CancelAll cancels all active jobs
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.Status.active() {
			job.halt()
		}
	}
	m.byInput = make(map[string]string)
}

func (j *Job) halt() {
	if j.stop != nil {
		j.stop()
	}
	j.cancel()
	j.Status = JobStatusCancelled
	j.CompletedAt = time.Now()
}

// ListJobs returns snapshots of all jobs, oldest first
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.snapshot())
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].seq < jobs[k].seq })
	return jobs
}

// GetContext returns the context a job runs under
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, exists := m.jobs[jobID]; exists {
		return job.ctx
	}
	return context.Background()
}
