package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Ledger. It backs the memory storage driver and
// most tests.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*DeliveryJob
	attempts map[string][]*Attempt
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*DeliveryJob),
		attempts: make(map[string][]*Attempt),
	}
}

func (m *Memory) Create(ctx context.Context, job *DeliveryJob) error {
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
	m.jobs[cp.ID] = &cp
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) Claim(ctx context.Context, id string, now time.Time) (*DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != StatusPending || job.NextAttemptAt.After(now) {
		return nil, ErrConflict
	}
	job.Status = StatusInFlight
	job.UpdatedAt = now
	cp := *job
	return &cp, nil
}

func (m *Memory) RecordOutcome(ctx context.Context, id string, attempt Attempt, tr Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusInFlight {
		return ErrConflict
	}

	attempt.DeliveryID = id
	a := attempt
	m.attempts[id] = append(m.attempts[id], &a)

	job.AttemptCount = attempt.AttemptNumber
	job.Status = tr.Status
	job.NextAttemptAt = tr.NextAttemptAt
	job.LastError = tr.LastError
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Cancel(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusPending {
		return ErrConflict
	}
	job.Status = StatusAbandoned
	job.LastError = "cancelled: " + reason
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Due(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*DeliveryJob
	for _, job := range m.jobs {
		if job.Status == StatusPending && !job.NextAttemptAt.After(now) {
			cp := *job
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reset := 0
	for _, job := range m.jobs {
		if job.Status == StatusInFlight && job.UpdatedAt.Before(cutoff) {
			job.Status = StatusPending
			job.UpdatedAt = time.Now().UTC()
			reset++
		}
	}
	return reset, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]*DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*DeliveryJob
	for _, job := range m.jobs {
		if f.JobID != "" && job.JobID != f.JobID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
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
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Attempts(ctx context.Context, id string) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := m.attempts[id]
	out := make([]*Attempt, 0, len(attempts))
	for _, a := range attempts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}
