package capture

import (
	"encoding/json"
	"time"

	"github.com/geofy/imagery-hooks/internal/imagery"
)

// Webhook payloads use camelCase field names matching the public API.

type completedPayload struct {
	JobID       string          `json:"jobId"`
	Status      string          `json:"status"`
	Images      []imagery.Image `json:"images"`
	AIAnalysis  json.RawMessage `json:"aiAnalysis"`
	DeliveredAt string          `json:"deliveredAt"`
}

type failedPayload struct {
	JobID       string `json:"jobId"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	DeliveredAt string `json:"deliveredAt"`
}

// CompletedPayload builds the webhook body for a finished capture job.
// deliveredAt is frozen at build time; retried attempts resend the same bytes.
func CompletedPayload(jobID string, images []imagery.Image, analysis json.RawMessage, deliveredAt time.Time) ([]byte, error) {
	if images == nil {
		images = []imagery.Image{}
	}
	if len(analysis) == 0 {
		analysis = json.RawMessage("null")
	}
	return json.Marshal(completedPayload{
		JobID:       jobID,
		Status:      string(StatusCompleted),
		Images:      images,
		AIAnalysis:  analysis,
		DeliveredAt: deliveredAt.UTC().Format(time.RFC3339),
	})
}

// FailedPayload builds the webhook body for a capture job that could not finish.
func FailedPayload(jobID, errMsg string, deliveredAt time.Time) ([]byte, error) {
	return json.Marshal(failedPayload{
		JobID:       jobID,
		Status:      string(StatusFailed),
		Error:       errMsg,
		DeliveredAt: deliveredAt.UTC().Format(time.RFC3339),
	})
}
