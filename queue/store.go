package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jhopark/pdf-reducer/models"
)

var (
	// ErrNotFound is returned when a job id is not in the table.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when an operation is rejected because the job
	// is currently being processed.
	ErrConflict = errors.New("job is processing")
)

// Store is the single source of truth for job records. One table-wide mutex
// guards every operation; the lock is never held across a transform call.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	order []string // creation order, drives oldest-pending-first selection
}

// NewStore creates an empty job table
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*models.Job),
	}
}

// Create registers a new pending job and returns a snapshot of it. outputPath
// is where the worker will write the result; it becomes downloadable only
// once the job completes.
func (s *Store) Create(filename string, mode models.JobMode, opts models.ReductionOptions, inputPath, outputPath string, originalSize int64) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &models.Job{
		ID:           uuid.New().String(),
		Filename:     filename,
		Mode:         mode,
		Options:      opts,
		Status:       models.StatusPending,
		Message:      "Waiting...",
		OriginalSize: originalSize,
		CreatedAt:    time.Now(),
		InputPath:    inputPath,
		OutputPath:   outputPath,
	}

	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return job.Clone()
}

// Get returns a snapshot of the job with the given id
func (s *Store) Get(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// List returns snapshots of all jobs in creation order
func (s *Store) List() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Job, 0, len(s.order))
	for _, id := range s.order {
		if job, ok := s.jobs[id]; ok {
			out = append(out, job.Clone())
		}
	}
	return out
}

// PendingCount returns the number of jobs still waiting to be processed
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status == models.StatusPending {
			n++
		}
	}
	return n
}

// Update atomically applies mutate to the job with the given id. A mutation
// that would move the status backwards is rejected and leaves the record
// untouched. Returns a snapshot of the updated job.
func (s *Store) Update(id string, mutate func(*models.Job)) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := job.Clone()
	mutate(next)
	next.ID = job.ID
	next.CreatedAt = job.CreatedAt

	if !job.CanTransition(next.Status) {
		return nil, errors.New("invalid status transition: " + string(job.Status) + " -> " + string(next.Status))
	}

	s.jobs[id] = next
	return next.Clone(), nil
}

// ClaimNextPending atomically selects the oldest pending job and marks it
// processing. This is the only path from Pending to Processing, which keeps
// execution single-flight per job.
func (s *Store) ClaimNextPending() (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		job, ok := s.jobs[id]
		if !ok || job.Status != models.StatusPending {
			continue
		}
		job.Status = models.StatusProcessing
		job.Message = "Starting..."
		return job.Clone(), true
	}
	return nil, false
}

// Delete removes a job record and returns its last snapshot so the caller can
// release the associated files. Deleting a processing job is rejected with
// ErrConflict; the worker owns it until it reaches a terminal state.
func (s *Store) Delete(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status == models.StatusProcessing {
		return nil, ErrConflict
	}

	delete(s.jobs, id)
	s.removeFromOrder(id)
	return job, nil
}

// ClearTerminal removes every completed and failed job and returns their last
// snapshots. Pending and processing jobs are untouched; a concurrent Create
// is serialized by the table lock, so new jobs are never swept.
func (s *Store) ClearTerminal() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*models.Job
	for _, id := range s.order {
		job, ok := s.jobs[id]
		if !ok || !job.Terminal() {
			continue
		}
		removed = append(removed, job)
		delete(s.jobs, id)
	}
	for _, job := range removed {
		s.removeFromOrder(job.ID)
	}
	return removed
}

func (s *Store) removeFromOrder(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
