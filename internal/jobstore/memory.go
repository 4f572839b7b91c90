// Package jobstore persists batch jobs: in process memory, in a NATS JetStream
// key-value bucket or in a MongoDB collection. Stores hand out copies, so
// callers never share a *BatchJob with the store.
package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/book-expert/narration-service/internal/core"
)

// Memory is a JobStore held in process memory.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*core.BatchJob
}

// Compile-time interface assertion.
var _ core.JobStore = (*Memory)(nil)

// NewMemory creates an empty in-memory job store.
func NewMemory() *Memory {
	return &Memory{mu: sync.RWMutex{}, jobs: make(map[string]*core.BatchJob)}
}

// Save inserts or replaces job.
func (m *Memory) Save(_ context.Context, job *core.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[job.ID] = job.Clone()

	return nil
}

// Get returns a copy of the job or ErrJobNotFound.
func (m *Memory) Get(_ context.Context, id string) (*core.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}

	return job.Clone(), nil
}

// List returns copies of every job in submission order.
func (m *Memory) List(_ context.Context) ([]*core.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*core.BatchJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.Clone())
	}

	sortBySubmission(jobs)

	return jobs, nil
}

func sortBySubmission(jobs []*core.BatchJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].SubmittedAt.Equal(jobs[j].SubmittedAt) {
			return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
		}

		return jobs[i].Sequence < jobs[j].Sequence
	})
}
