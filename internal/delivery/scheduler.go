package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/geofy/imagery-hooks/internal/ledger"
	"github.com/geofy/imagery-hooks/internal/logging"
	"github.com/geofy/imagery-hooks/internal/metrics"
)

// ErrInvalidCallbackURL rejects a callback target before anything is
// persisted. Only https endpoints receive webhooks.
var ErrInvalidCallbackURL = errors.New("callback URL must use https")

// ValidateCallbackURL enforces the https-only callback policy.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCallbackURL, err)
	}
	if !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return ErrInvalidCallbackURL
	}
	return nil
}

// Scheduler owns the delivery lifecycle: it turns job events into ledger
// rows, executes single attempts, and decides retry versus terminal state.
// All state changes go through the ledger, so any number of scheduler
// instances can share one database.
type Scheduler struct {
	ledger    ledger.Ledger
	transport Transport
	policy    *Policy
	timeout   time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

func NewScheduler(ld ledger.Ledger, tr Transport, policy *Policy, timeout time.Duration, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		ledger:    ld,
		transport: tr,
		policy:    policy,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateDelivery records a pending delivery for a job event. The payload
// bytes are frozen here; every attempt sends and signs the same body. When
// the event already carries a DeliveryID that exists in the ledger, the
// existing job is returned unchanged.
func (s *Scheduler) CreateDelivery(ctx context.Context, evt JobEvent) (*ledger.DeliveryJob, error) {
	if err := ValidateCallbackURL(evt.CallbackURL); err != nil {
		return nil, err
	}

	id := evt.DeliveryID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	job := &ledger.DeliveryJob{
		ID:            id,
		JobID:         evt.JobID,
		EventType:     evt.EventType,
		CallbackURL:   evt.CallbackURL,
		Payload:       []byte(evt.Payload),
		Status:        ledger.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := s.ledger.Create(ctx, job); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return s.ledger.Get(ctx, id)
		}
		return nil, err
	}

	s.logger.WithContext(ctx).
		WithDelivery(job.ID).
		WithJob(job.JobID).
		WithEventType(job.EventType).
		WithTarget(job.CallbackURL).
		Info("delivery scheduled")
	return job, nil
}

// Replay clones a delivery into a fresh pending job under a new ID, reusing
// the frozen payload bytes. ReplayOf links the clone to its source.
func (s *Scheduler) Replay(ctx context.Context, id, reason string) (*ledger.DeliveryJob, error) {
	src, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &ledger.DeliveryJob{
		ID:            uuid.NewString(),
		JobID:         src.JobID,
		EventType:     src.EventType,
		CallbackURL:   src.CallbackURL,
		Payload:       src.Payload,
		Status:        ledger.StatusPending,
		NextAttemptAt: now,
		ReplayOf:      src.ID,
		CreatedAt:     now,
	}
	if err := s.ledger.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).
		WithDelivery(job.ID).
		WithJob(job.JobID).
		WithFields(map[string]any{"replay_of": src.ID, "reason": reason}).
		Info("delivery replayed")
	return job, nil
}

// Cancel abandons a pending delivery. In-flight and terminal deliveries
// cannot be cancelled; the ledger answers ErrConflict for those.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) error {
	if err := s.ledger.Cancel(ctx, id, reason); err != nil {
		return err
	}
	s.logger.WithContext(ctx).WithDelivery(id).WithField("reason", reason).Info("delivery cancelled")
	return nil
}

// AttemptResult reports what a single executed attempt did.
type AttemptResult struct {
	Job     *ledger.DeliveryJob
	Outcome string
	Status  int
	Delay   time.Duration // wait before the next attempt, zero when terminal
}

// Attempt claims the delivery and executes exactly one webhook attempt,
// recording both the attempt and the follow-up state. Callers racing for the
// same delivery lose with ledger.ErrConflict and must not treat that as a
// failure.
func (s *Scheduler) Attempt(ctx context.Context, id string) (*AttemptResult, error) {
	now := s.now().UTC()
	job, err := s.ledger.Claim(ctx, id, now)
	if err != nil {
		return nil, err
	}

	// AttemptCount counts executed attempts, so this attempt is number n+1.
	attemptNumber := job.AttemptCount + 1
	log := s.logger.WithContext(ctx).
		WithDelivery(job.ID).
		WithJob(job.JobID).
		WithEventType(job.EventType).
		WithTarget(job.CallbackURL).
		WithAttempt(attemptNumber)

	attemptCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := s.now()
	res := s.transport.Deliver(attemptCtx, &Request{
		DeliveryID: job.ID,
		EventType:  job.EventType,
		URL:        job.CallbackURL,
		Payload:    job.Payload,
		Timestamp:  start.Unix(),
	})
	elapsed := s.now().Sub(start)

	outcome := Classify(res.Err, res.Status)
	attempt := ledger.Attempt{
		AttemptNumber: attemptNumber,
		StartedAt:     start.UTC(),
		DurationMS:    elapsed.Milliseconds(),
		Outcome:       outcome,
		HTTPStatus:    res.Status,
		RetryAfterSec: int(res.RetryAfter / time.Second),
		Error:         errString(res.Err),
	}

	var tr ledger.Transition
	var delay time.Duration
	switch {
	case outcome == OutcomeSuccess:
		tr = ledger.Transition{Status: ledger.StatusSucceeded, NextAttemptAt: now}
	case Retryable(outcome) && s.policy.ShouldRetry(attemptNumber):
		delay = s.policy.NextDelay(job.AttemptCount, res.RetryAfter)
		tr = ledger.Transition{
			Status:        ledger.StatusPending,
			NextAttemptAt: now.Add(delay),
			LastError:     attemptError(res),
		}
	case Retryable(outcome):
		tr = ledger.Transition{
			Status:        ledger.StatusAbandoned,
			NextAttemptAt: now,
			LastError:     "max retries exceeded: " + attemptError(res),
		}
	default:
		tr = ledger.Transition{
			Status:        ledger.StatusFailedPermanent,
			NextAttemptAt: now,
			LastError:     attemptError(res),
		}
	}

	if err := s.ledger.RecordOutcome(ctx, job.ID, attempt, tr); err != nil {
		return nil, err
	}

	job.AttemptCount = attemptNumber
	job.Status = tr.Status
	job.NextAttemptAt = tr.NextAttemptAt
	job.LastError = tr.LastError

	metrics.RecordAttempt(outcome, elapsed)
	switch tr.Status {
	case ledger.StatusPending:
		metrics.RecordRetry(RetryReason(res.Err, res.Status))
		log.WithFields(map[string]any{"outcome": outcome, "delay": delay.String()}).
			Info("attempt failed, retry scheduled")
	case ledger.StatusSucceeded:
		metrics.RecordDelivery(string(tr.Status), job.EventType, s.now().Sub(job.CreatedAt))
		log.WithField("outcome", outcome).Info("delivery succeeded")
	default:
		metrics.RecordDelivery(string(tr.Status), job.EventType, s.now().Sub(job.CreatedAt))
		log.WithFields(map[string]any{"outcome": outcome, "status": string(tr.Status)}).
			WithError(res.Err).
			Error("delivery failed terminally")
	}

	return &AttemptResult{Job: job, Outcome: outcome, Status: res.Status, Delay: delay}, nil
}

func attemptError(res *Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return fmt.Sprintf("http %d", res.Status)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
