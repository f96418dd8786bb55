package delivery

import (
	"encoding/json"
	"time"

	"github.com/geofy/imagery-hooks/internal/ledger"
)

const DLQType = "delivery.dlq"

type DeadLetter struct {
	Type        string          `json:"type"`    // "delivery.dlq"
	Version     string          `json:"version"` // schema version
	At          string          `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason      string          `json:"reason"`  // human/debug text
	DeliveryID  string          `json:"delivery_id"`
	JobID       string          `json:"job_id"`
	EventType   string          `json:"event_type"`
	CallbackURL string          `json:"callback_url"`
	Attempt     int             `json:"attempt"` // attempt count when DLQ'd
	HTTPStatus  int             `json:"http_status,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Payload     json.RawMessage `json:"payload"` // frozen webhook body
}

func NewDeadLetter(job *ledger.DeliveryJob, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:        DLQType,
		Version:     "v1",
		At:          time.Now().Format(time.RFC3339Nano),
		Reason:      reason,
		DeliveryID:  job.ID,
		JobID:       job.JobID,
		EventType:   job.EventType,
		CallbackURL: job.CallbackURL,
		Attempt:     job.AttemptCount,
		HTTPStatus:  httpStatus,
		LastError:   lastErr,
		Payload:     json.RawMessage(job.Payload),
	}
}
