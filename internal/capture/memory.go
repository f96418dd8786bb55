package capture

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*Job)}
}

func (m *Memory) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return ErrConflict
	}
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) SetProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrConflict
	}
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Complete(_ context.Context, id string, imagery, analysis []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = StatusCompleted
	job.Progress = 100
	job.ImageryData = imagery
	job.AIAnalysis = analysis
	job.ErrorMessage = ""
	job.CompletedAt = now
	job.UpdatedAt = now
	return nil
}

func (m *Memory) Fail(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = StatusFailed
	job.ErrorMessage = msg
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) List(_ context.Context, status Status, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []*Job
	for _, job := range m.jobs {
		if status != "" && job.Status != status {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
