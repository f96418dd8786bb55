package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/geofy/imagery-hooks/internal/ledger"
)

type DeliveryResponse struct {
	ID            string    `json:"id"`
	JobID         string    `json:"jobId"`
	EventType     string    `json:"eventType"`
	CallbackURL   string    `json:"callbackUrl"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attemptCount"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	LastError     string    `json:"lastError,omitempty"`
	ReplayOf      string    `json:"replayOf,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type AttemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	StartedAt     time.Time `json:"startedAt"`
	DurationMS    int64     `json:"durationMs"`
	Outcome       string    `json:"outcome"`
	HTTPStatus    int       `json:"httpStatus,omitempty"`
	RetryAfterSec int       `json:"retryAfterSec,omitempty"`
	Error         string    `json:"error,omitempty"`
}

type DeliveryDetailResponse struct {
	DeliveryResponse
	Attempts []AttemptResponse `json:"attempts"`
}

// reasonRequest is the optional body of cancel and replay.
type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !ledger.Status(status).Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status: %s", status))
		return
	}
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit: %s", raw))
			return
		}
		limit = n
	}

	jobs, err := s.ledger.List(r.Context(), ledger.Filter{
		JobID:  r.URL.Query().Get("jobId"),
		Status: ledger.Status(status),
		Limit:  limit,
	})
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("delivery list failed")
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	out := make([]DeliveryResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, deliveryView(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		s.writeDeliveryError(w, r, err)
		return
	}
	attempts, err := s.ledger.Attempts(r.Context(), id)
	if err != nil {
		s.logger.WithContext(r.Context()).WithDelivery(id).WithError(err).Error("attempt history lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	detail := DeliveryDetailResponse{
		DeliveryResponse: deliveryView(job),
		Attempts:         make([]AttemptResponse, 0, len(attempts)),
	}
	for _, a := range attempts {
		detail.Attempts = append(detail.Attempts, AttemptResponse{
			AttemptNumber: a.AttemptNumber,
			StartedAt:     a.StartedAt,
			DurationMS:    a.DurationMS,
			Outcome:       a.Outcome,
			HTTPStatus:    a.HTTPStatus,
			RetryAfterSec: a.RetryAfterSec,
			Error:         a.Error,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason, ok := decodeReason(w, r, "operator request")
	if !ok {
		return
	}

	if err := s.scheduler.Cancel(r.Context(), id, reason); err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			writeError(w, http.StatusNotFound, "Delivery not found")
		case errors.Is(err, ledger.ErrConflict):
			writeError(w, http.StatusConflict, "delivery is not pending")
		default:
			s.logger.WithContext(r.Context()).WithDelivery(id).WithError(err).Error("delivery cancel failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	job, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		s.writeDeliveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveryView(job))
}

func (s *Server) handleReplayDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason, ok := decodeReason(w, r, "manual replay")
	if !ok {
		return
	}

	replay, err := s.scheduler.Replay(r.Context(), id, reason)
	if err != nil {
		s.writeDeliveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveryView(replay))
}

func (s *Server) writeDeliveryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Delivery not found")
		return
	}
	s.logger.WithContext(r.Context()).WithError(err).Error("delivery lookup failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeReason reads the optional {"reason": ...} body. An empty body keeps
// the fallback; malformed JSON is a client error.
func decodeReason(w http.ResponseWriter, r *http.Request, fallback string) (string, bool) {
	var req reasonRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	if req.Reason == "" {
		req.Reason = fallback
	}
	return req.Reason, true
}

func deliveryView(job *ledger.DeliveryJob) DeliveryResponse {
	return DeliveryResponse{
		ID:            job.ID,
		JobID:         job.JobID,
		EventType:     job.EventType,
		CallbackURL:   job.CallbackURL,
		Status:        string(job.Status),
		AttemptCount:  job.AttemptCount,
		NextAttemptAt: job.NextAttemptAt,
		LastError:     job.LastError,
		ReplayOf:      job.ReplayOf,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}
