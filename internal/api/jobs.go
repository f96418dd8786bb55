package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/geofy/imagery-hooks/internal/capture"
	"github.com/geofy/imagery-hooks/internal/delivery"
	"github.com/geofy/imagery-hooks/internal/imagery"
	"github.com/geofy/imagery-hooks/internal/metrics"
	"github.com/geofy/imagery-hooks/internal/tracing"
)

type CaptureRequest struct {
	Coordinates  string `json:"coordinates"`
	LocationName string `json:"locationName"`
	ZoomLevel    *int   `json:"zoomLevel,omitempty"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

type CaptureResponse struct {
	Success       bool   `json:"success"`
	JobID         string `json:"jobId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	EstimatedTime string `json:"estimatedTime"`
}

type JobStatusResponse struct {
	Success     bool       `json:"success"`
	JobID       string     `json:"jobId"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	StartTime   time.Time  `json:"startTime"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type ImageryResponse struct {
	Success        bool            `json:"success"`
	JobID          string          `json:"jobId"`
	Location       string          `json:"location"`
	Coordinates    string          `json:"coordinates"`
	Images         []imagery.Image `json:"images"`
	AIAnalysis     json.RawMessage `json:"aiAnalysis,omitempty"`
	ProcessingTime string          `json:"processingTime,omitempty"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	lat, lon, err := parseCoordinates(req.Coordinates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.LocationName) == "" {
		writeError(w, http.StatusBadRequest, "locationName is required")
		return
	}
	zoom := capture.DefaultZoom
	if req.ZoomLevel != nil {
		zoom = *req.ZoomLevel
		if zoom < 0 || zoom > 23 {
			writeError(w, http.StatusBadRequest, "zoomLevel must be between 0 and 23")
			return
		}
	}
	if req.CallbackURL != "" {
		if err := delivery.ValidateCallbackURL(req.CallbackURL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx, span := tracing.StartSpan(r.Context(), "api.capture",
		attribute.String("location", req.LocationName),
		attribute.Int("zoom", zoom))
	defer span.End()

	job := &capture.Job{
		ID:           uuid.NewString(),
		Lat:          lat,
		Lon:          lon,
		LocationName: req.LocationName,
		ZoomLevel:    zoom,
		CallbackURL:  req.CallbackURL,
		Status:       capture.StatusQueued,
	}
	if err := s.store.Create(ctx, job); err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithError(err).Error("capture job create failed")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	task := capture.Task{
		JobID:        job.ID,
		Lat:          lat,
		Lon:          lon,
		LocationName: job.LocationName,
		ZoomLevel:    job.ZoomLevel,
		CallbackURL:  job.CallbackURL,
		EnqueuedAt:   s.now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	}
	b, err := json.Marshal(task)
	if err == nil {
		err = s.producer.Publish(s.tasksTopic, b)
	}
	if err != nil {
		// The job row exists but no runner will ever see it. Mark it failed
		// so it does not sit queued forever.
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithJob(job.ID).WithError(err).Error("capture task publish failed")
		if failErr := s.store.Fail(ctx, job.ID, "failed to enqueue capture task"); failErr != nil {
			s.logger.WithContext(ctx).WithJob(job.ID).WithError(failErr).Error("mark job failed failed")
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue capture task")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_task", attribute.String("topic", s.tasksTopic))
	metrics.RecordCaptureJob(string(capture.StatusQueued))
	s.logger.WithContext(ctx).WithJob(job.ID).WithField("location", job.LocationName).Info("capture job queued")

	writeJSON(w, http.StatusOK, CaptureResponse{
		Success:       true,
		JobID:         job.ID,
		Status:        string(capture.StatusQueued),
		Message:       "Imagery capture job started",
		EstimatedTime: "5-15 minutes",
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusView(job))
}

func (s *Server) handleImagery(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	if job.Status != capture.StatusCompleted {
		writeError(w, http.StatusBadRequest, "Job not completed")
		return
	}

	var doc struct {
		Images []imagery.Image `json:"images"`
	}
	if len(job.ImageryData) > 0 {
		if err := json.Unmarshal(job.ImageryData, &doc); err != nil {
			s.logger.WithContext(r.Context()).WithJob(job.ID).WithError(err).Error("stored imagery document is corrupt")
			writeError(w, http.StatusInternalServerError, "imagery data unavailable")
			return
		}
	}
	if doc.Images == nil {
		doc.Images = []imagery.Image{}
	}

	writeJSON(w, http.StatusOK, ImageryResponse{
		Success:        true,
		JobID:          job.ID,
		Location:       job.LocationName,
		Coordinates:    job.Coordinates(),
		Images:         doc.Images,
		AIAnalysis:     json.RawMessage(job.AIAnalysis),
		ProcessingTime: processingTime(job.CreatedAt, job.CompletedAt),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !capture.Status(status).Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status: %s", status))
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit: %s", raw))
			return
		}
		limit = n
	}

	jobs, err := s.store.List(r.Context(), capture.Status(status), limit)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("job list failed")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]JobStatusResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobStatusView(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, capture.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	s.logger.WithContext(r.Context()).WithError(err).Error("job lookup failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func jobStatusView(job *capture.Job) JobStatusResponse {
	resp := JobStatusResponse{
		Success:   true,
		JobID:     job.ID,
		Status:    string(job.Status),
		Progress:  job.Progress,
		StartTime: job.CreatedAt,
		Error:     job.ErrorMessage,
	}
	if !job.CompletedAt.IsZero() {
		t := job.CompletedAt
		resp.CompletedAt = &t
	}
	return resp
}

func parseCoordinates(v string) (lat, lon float64, err error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, errors.New(`coordinates must be "latitude,longitude"`)
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude: %s", strings.TrimSpace(parts[0]))
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude: %s", strings.TrimSpace(parts[1]))
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, errors.New("coordinates out of range")
	}
	return lat, lon, nil
}

func processingTime(created, completed time.Time) string {
	if completed.IsZero() {
		return ""
	}
	secs := int(completed.Sub(created).Seconds())
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
