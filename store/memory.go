// Package store provides JobStore implementations: an in-memory store for
// tests and single-process deployments, and a Redis-backed store for
// shared deployments.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openagency/conductor/core"
)

// MemoryStore is a thread-safe in-memory core.JobStore.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*core.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*core.Job),
		now:  time.Now,
	}
}

// Create inserts a new job. Missing status defaults to pending.
func (s *MemoryStore) Create(ctx context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *job
	if clone.Status == "" {
		clone.Status = core.JobPending
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now().UTC()
	}
	clone.UpdatedAt = s.now().UTC()
	s.jobs[clone.ID] = &clone
	return nil
}

// GetPending returns pending jobs ordered by creation time.
func (s *MemoryStore) GetPending(ctx context.Context) ([]*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*core.Job
	for _, job := range s.jobs {
		if job.Status == core.JobPending {
			clone := *job
			pending = append(pending, &clone)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// Get returns a job by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

// UpdateStatus transitions a job and applies optional fields.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status core.JobStatus, update *core.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return core.ErrJobNotFound
	}

	job.Status = status
	job.UpdatedAt = s.now().UTC()
	if update != nil {
		if update.CompletedAt != nil {
			job.CompletedAt = update.CompletedAt
		}
		if update.CostUSD != nil {
			job.CostUSD = *update.CostUSD
		}
		if update.Error != "" {
			job.Error = update.Error
		}
	}
	return nil
}

// List returns up to limit jobs, newest first.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*core.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		clone := *job
		jobs = append(jobs, &clone)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
