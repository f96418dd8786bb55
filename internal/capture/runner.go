package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/geofy/imagery-hooks/internal/delivery"
	"github.com/geofy/imagery-hooks/internal/imagery"
	"github.com/geofy/imagery-hooks/internal/logging"
	"github.com/geofy/imagery-hooks/internal/metrics"
	"github.com/geofy/imagery-hooks/internal/tracing"
)

// Captures outside this window are ignored.
const (
	availabilityFirstYear = 2018
	availabilityLastYear  = 2025
)

// Runner executes capture tasks consumed from NSQ: it acquires the imagery,
// runs the change analysis, stores the results and emits a job event for the
// dispatcher when the job has a callback URL.
type Runner struct {
	store    Store
	client   imagery.Client
	producer delivery.Producer
	topic    string
	logger   *logging.Logger
	now      func() time.Time
}

func NewRunner(store Store, client imagery.Client, producer delivery.Producer, eventsTopic string, logger *logging.Logger) *Runner {
	return &Runner{
		store:    store,
		client:   client,
		producer: producer,
		topic:    eventsTopic,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleTask is the NSQ handler for the capture task topic. Responses are
// manual: pipeline failures finish the message and fail the job; only
// infrastructure errors requeue, and SetProcessing tolerating the processing
// state keeps the requeue safe.
func (r *Runner) HandleTask(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			m.Finish()
		}
	}()

	var task Task
	if err := json.Unmarshal(m.Body, &task); err != nil {
		r.logger.Plain().WithError(err).Error("bad capture task payload")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), task.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "runner.capture_task",
		attribute.String("job_id", task.JobID),
		attribute.String("location", task.LocationName),
		attribute.Int("zoom", task.ZoomLevel),
	)
	defer span.End()

	log := r.logger.WithContext(ctx).WithJob(task.JobID)

	if err := r.store.SetProcessing(ctx, task.JobID); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			log.Warn("capture task references unknown job")
			m.Finish()
		case errors.Is(err, ErrConflict):
			log.Info("job already finished, dropping task")
			m.Finish()
		default:
			tracing.SetSpanError(ctx, err)
			log.WithError(err).Error("store unavailable, requeueing task")
			m.Requeue(-1) // default requeue delay
		}
		return nil
	}
	r.progress(ctx, log, task.JobID, 10)

	// Scratch files survive a failed pipeline; reap them regardless.
	defer func() {
		if err := r.client.Cleanup(task.JobID); err != nil {
			log.WithError(err).Warn("temp cleanup failed")
		}
	}()

	log.WithField("location", task.LocationName).Info("capture started")

	r.progress(ctx, log, task.JobID, 20)
	tracing.AddSpanEvent(ctx, "imagery.availability")
	available, err := r.client.Availability(ctx, task.Lat, task.Lon)
	if err != nil {
		r.failJob(ctx, log, task, err.Error())
		m.Finish()
		return nil
	}

	dates := filterTargetYears(available)
	span.SetAttributes(attribute.Int("capture.dates", len(dates)))
	if len(dates) == 0 {
		r.failJob(ctx, log, task,
			fmt.Sprintf("No imagery available for %d-%d", availabilityFirstYear, availabilityLastYear))
		m.Finish()
		return nil
	}

	images := make([]imagery.Image, 0, len(dates))
	for i, date := range dates {
		tracing.AddSpanEvent(ctx, "imagery.capture", attribute.String("date", date))
		img, err := r.client.Capture(ctx, task.JobID, task.Lat, task.Lon, date, task.ZoomLevel)
		if err != nil {
			r.failJob(ctx, log, task, err.Error())
			m.Finish()
			return nil
		}
		images = append(images, *img)
		r.progress(ctx, log, task.JobID, 20+((i+1)*60)/len(dates))
	}

	r.progress(ctx, log, task.JobID, 85)
	tracing.AddSpanEvent(ctx, "imagery.analyze")
	analysis, err := r.client.Analyze(ctx, task.JobID, dates)
	if err != nil {
		// Analysis is best effort. The captures are already published, so
		// the job still completes with a placeholder document.
		log.WithError(err).Warn("analysis failed, completing without it")
		analysis = analysisFallback(err)
	}

	imageryDoc, err := imageryJSON(images)
	if err != nil {
		r.failJob(ctx, log, task, err.Error())
		m.Finish()
		return nil
	}
	if err := r.store.Complete(ctx, task.JobID, imageryDoc, analysis); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("store unavailable, requeueing task")
		m.Requeue(-1)
		return nil
	}
	metrics.RecordCaptureJob(string(StatusCompleted))
	log.WithField("images", len(images)).Info("capture completed")

	if task.CallbackURL != "" {
		payload, err := CompletedPayload(task.JobID, images, analysis, r.now())
		if err != nil {
			log.WithError(err).Error("completed payload build failed")
			return nil
		}
		r.publishEvent(ctx, log, task, delivery.EventJobCompleted, payload)
	}
	m.Finish()
	return nil
}

// failJob marks the job failed and emits the failure event. Store errors are
// logged but do not requeue: the pipeline already decided the job is dead.
func (r *Runner) failJob(ctx context.Context, log *logging.Entry, task Task, msg string) {
	tracing.AddSpanEvent(ctx, "capture.failed", attribute.String("reason", msg))
	if err := r.store.Fail(ctx, task.JobID, msg); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("failed to mark job failed")
	}
	metrics.RecordCaptureJob(string(StatusFailed))
	log.WithField("reason", msg).Warn("capture failed")

	if task.CallbackURL == "" {
		return
	}
	payload, err := FailedPayload(task.JobID, msg, r.now())
	if err != nil {
		log.WithError(err).Error("failed payload build failed")
		return
	}
	r.publishEvent(ctx, log, task, delivery.EventJobFailed, payload)
}

// publishEvent hands the webhook off to the dispatcher via the job events
// topic. Publish failures are logged, not retried: the job outcome is already
// durable and an operator can replay from the API.
func (r *Runner) publishEvent(ctx context.Context, log *logging.Entry, task Task, eventType string, payload []byte) {
	evt := delivery.JobEvent{
		DeliveryID:   uuid.NewString(),
		JobID:        task.JobID,
		EventType:    eventType,
		CallbackURL:  task.CallbackURL,
		Payload:      payload,
		PublishedAt:  r.now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	}
	b, err := json.Marshal(evt)
	if err != nil {
		log.WithError(err).Error("job event marshal failed")
		return
	}
	if err := r.producer.Publish(r.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).WithEventType(eventType).Error("job event publish failed")
		return
	}
	metrics.RecordEventPublished(eventType)
	tracing.AddSpanEvent(ctx, "nsq.published_event",
		attribute.String("topic", r.topic),
		attribute.String("event_type", eventType))
	log.WithEventType(eventType).WithDelivery(evt.DeliveryID).Info("job event published")
}

func (r *Runner) progress(ctx context.Context, log *logging.Entry, jobID string, pct int) {
	if err := r.store.UpdateProgress(ctx, jobID, pct); err != nil {
		log.WithError(err).WithField("progress", pct).Warn("progress update failed")
	}
}

func filterTargetYears(dates []string) []string {
	var out []string
	for _, d := range dates {
		if len(d) < 4 {
			continue
		}
		y, err := strconv.Atoi(d[:4])
		if err != nil {
			continue
		}
		if y >= availabilityFirstYear && y <= availabilityLastYear {
			out = append(out, d)
		}
	}
	return out
}

func imageryJSON(images []imagery.Image) ([]byte, error) {
	return json.Marshal(struct {
		Images []imagery.Image `json:"images"`
	}{Images: images})
}

func analysisFallback(err error) json.RawMessage {
	b, _ := json.Marshal(struct {
		Error           string `json:"error"`
		ChangesDetected []any  `json:"changes_detected"`
		Timeline        []any  `json:"timeline"`
		Summary         string `json:"summary"`
	}{
		Error:           "AI analysis failed: " + err.Error(),
		ChangesDetected: []any{},
		Timeline:        []any{},
		Summary:         "Analysis unavailable",
	})
	return b
}
