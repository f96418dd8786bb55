// Package ledger persists webhook delivery jobs and their attempt history.
// It is the single source of truth for delivery state: the dispatcher only
// acts on jobs it has claimed here, so no delivery is ever attempted by two
// workers at once.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a delivery job.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusSucceeded       Status = "succeeded"
	StatusFailedPermanent Status = "failed_permanent"
	StatusAbandoned       Status = "abandoned"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailedPermanent, StatusAbandoned:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusSucceeded, StatusFailedPermanent, StatusAbandoned:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when no delivery exists with the given ID.
	ErrNotFound = errors.New("delivery not found")

	// ErrConflict is returned when an operation loses to a concurrent
	// claim or the delivery is not in the state the operation requires.
	ErrConflict = errors.New("delivery state conflict")
)

// DeliveryJob is one webhook delivery: a payload bound to a callback URL
// plus its retry state. Payload bytes are frozen at creation and sent
// unchanged on every attempt.
type DeliveryJob struct {
	ID            string
	JobID         string
	EventType     string
	CallbackURL   string
	Payload       []byte
	AttemptCount  int
	Status        Status
	NextAttemptAt time.Time
	LastError     string
	ReplayOf      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Attempt records the outcome of a single delivery attempt.
type Attempt struct {
	DeliveryID    string
	AttemptNumber int
	StartedAt     time.Time
	DurationMS    int64
	Outcome       string
	HTTPStatus    int
	RetryAfterSec int
	Error         string
}

// Transition is the state change applied together with an attempt record.
type Transition struct {
	Status        Status
	NextAttemptAt time.Time
	LastError     string
}

// Filter narrows List results.
type Filter struct {
	JobID  string
	Status Status
	Limit  int
}

// Ledger is the durable store for delivery jobs. Claim and RecordOutcome
// are the only paths in and out of in_flight.
type Ledger interface {
	// Create inserts a new delivery. A duplicate ID returns ErrConflict
	// and leaves the existing row untouched.
	Create(ctx context.Context, job *DeliveryJob) error

	Get(ctx context.Context, id string) (*DeliveryJob, error)

	// Claim transitions a due pending job to in_flight and returns it.
	// ErrConflict when the job is not pending or not yet due.
	Claim(ctx context.Context, id string, now time.Time) (*DeliveryJob, error)

	// RecordOutcome appends the attempt and applies the transition in one
	// step. The job must be in_flight; ErrConflict otherwise.
	RecordOutcome(ctx context.Context, id string, attempt Attempt, tr Transition) error

	// Cancel abandons a pending job. ErrConflict when the job has already
	// started or finished.
	Cancel(ctx context.Context, id, reason string) error

	// Due returns pending jobs whose NextAttemptAt is not after now,
	// soonest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error)

	// ReapStale returns in_flight jobs last touched before cutoff to
	// pending, preserving their attempt history. It reports how many
	// jobs were reset.
	ReapStale(ctx context.Context, cutoff time.Time) (int, error)

	List(ctx context.Context, f Filter) ([]*DeliveryJob, error)

	// Attempts returns the attempt history for a delivery, oldest first.
	Attempts(ctx context.Context, id string) ([]*Attempt, error)

	Ping(ctx context.Context) error
}

const defaultListLimit = 50

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
