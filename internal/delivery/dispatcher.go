package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/geofy/imagery-hooks/internal/ledger"
	"github.com/geofy/imagery-hooks/internal/logging"
	"github.com/geofy/imagery-hooks/internal/metrics"
	"github.com/geofy/imagery-hooks/internal/tracing"
)

// Producer publishes messages to NSQ. Satisfied by *nsq.Producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

// Dispatcher scans the ledger for due deliveries and fans them out to a
// bounded worker pool. The ledger claim is the cross-process mutual
// exclusion; the in-flight set only stops one process from queueing the
// same delivery twice between scans.
type Dispatcher struct {
	ledger    ledger.Ledger
	scheduler *Scheduler
	logger    *logging.Logger

	concurrency  int
	scanInterval time.Duration
	batchSize    int
	staleAfter   time.Duration

	producer   Producer
	dlqTopic   string
	publishDLQ bool

	mu       sync.Mutex
	inFlight map[string]struct{}
	jobs     chan string
	wg       sync.WaitGroup
}

type DispatcherOptions struct {
	Concurrency  int
	ScanInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
	Producer     Producer
	DLQTopic     string
	PublishDLQ   bool
}

func NewDispatcher(ld ledger.Ledger, sched *Scheduler, logger *logging.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Minute
	}
	return &Dispatcher{
		ledger:       ld,
		scheduler:    sched,
		logger:       logger,
		concurrency:  opts.Concurrency,
		scanInterval: opts.ScanInterval,
		batchSize:    opts.BatchSize,
		staleAfter:   opts.StaleAfter,
		producer:     opts.Producer,
		dlqTopic:     opts.DLQTopic,
		publishDLQ:   opts.PublishDLQ,
		inFlight:     make(map[string]struct{}),
		jobs:         make(chan string, opts.Concurrency*2),
	}
}

// Run blocks until ctx is cancelled, scanning for due deliveries and
// periodically reaping claims abandoned by crashed workers.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.logger.Plain().WithFields(map[string]any{
		"concurrency":   d.concurrency,
		"scan_interval": d.scanInterval.String(),
		"batch_size":    d.batchSize,
	}).Info("dispatcher started")

	scan := time.NewTicker(d.scanInterval)
	defer scan.Stop()
	reap := time.NewTicker(d.staleAfter)
	defer reap.Stop()

	d.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			close(d.jobs)
			d.wg.Wait()
			d.logger.Plain().Info("dispatcher stopped")
			return
		case <-scan.C:
			d.scan(ctx)
		case <-reap.C:
			d.reap(ctx)
		}
	}
}

func (d *Dispatcher) scan(ctx context.Context) {
	due, err := d.ledger.Due(ctx, time.Now().UTC(), d.batchSize)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("due scan failed")
		return
	}
	metrics.UpdateDispatchBacklog(len(due))

	for _, job := range due {
		if !d.track(job.ID) {
			continue
		}
		select {
		case d.jobs <- job.ID:
		default:
			// Pool saturated. The next scan picks this job up again.
			d.untrack(job.ID)
			return
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for id := range d.jobs {
		d.dispatch(ctx, id)
		d.untrack(id)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithContext(ctx).WithDelivery(id).
				WithField("panic", fmt.Sprint(r)).
				Error("delivery attempt panicked")
		}
	}()

	res, err := d.scheduler.Attempt(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrNotFound):
		// Another worker won the claim, or the job was cancelled mid-scan.
		return
	default:
		d.logger.WithContext(ctx).WithDelivery(id).WithError(err).Error("delivery attempt errored")
		return
	}

	if res.Job.Status == ledger.StatusAbandoned || res.Job.Status == ledger.StatusFailedPermanent {
		d.deadLetter(ctx, res)
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, res *AttemptResult) {
	metrics.RecordDeadLetter(res.Outcome)
	if !d.publishDLQ || d.producer == nil {
		return
	}

	reason := "max retries exceeded"
	if res.Job.Status == ledger.StatusFailedPermanent {
		reason = "permanent failure"
	}
	env := NewDeadLetter(res.Job, res.Status, res.Job.LastError, reason)
	b, err := json.Marshal(env)
	if err != nil {
		d.logger.WithContext(ctx).WithDelivery(res.Job.ID).WithError(err).Error("dead letter marshal failed")
		return
	}
	if err := d.producer.Publish(d.dlqTopic, b); err != nil {
		d.logger.WithContext(ctx).WithDelivery(res.Job.ID).WithError(err).Error("dead letter publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", d.dlqTopic))
	d.logger.WithContext(ctx).WithDelivery(res.Job.ID).WithField("topic", d.dlqTopic).Info("dead letter published")
}

func (d *Dispatcher) reap(ctx context.Context) {
	n, err := d.ledger.ReapStale(ctx, time.Now().UTC().Add(-d.staleAfter))
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("stale reap failed")
		return
	}
	if n > 0 {
		d.logger.WithContext(ctx).WithField("count", n).Warn("requeued stale in-flight deliveries")
	}
}

func (d *Dispatcher) track(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[id]; ok {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
}

// HandleJobEvent consumes one job event from NSQ and records a pending
// delivery. Attempts happen on the scan loop, never inline with the consume.
func (d *Dispatcher) HandleJobEvent(m *nsq.Message) error {
	var evt JobEvent
	if err := json.Unmarshal(m.Body, &evt); err != nil {
		d.logger.Plain().WithError(err).Error("bad job event payload")
		return nil // terminal: don't retry bad payloads
	}

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), evt.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "dispatcher.job_event",
		attribute.String("delivery_id", evt.DeliveryID),
		attribute.String("job_id", evt.JobID),
		attribute.String("event_type", evt.EventType),
	)
	defer span.End()

	_, err := d.scheduler.CreateDelivery(ctx, evt)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCallbackURL):
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithJob(evt.JobID).WithError(err).Error("job event rejected")
		return nil // terminal: the URL will not become valid on retry
	default:
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithJob(evt.JobID).WithError(err).Error("job event store failed")
		return err // NSQ redelivers; DeliveryID keeps the redelivery idempotent
	}
	return nil
}
