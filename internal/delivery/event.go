package delivery

import "encoding/json"

// Event types emitted when a capture job reaches a terminal state.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent is the message published to the job events topic. The publisher
// assigns DeliveryID up front, so a redelivered message maps onto the same
// ledger row instead of creating a second delivery.
type JobEvent struct {
	DeliveryID   string            `json:"delivery_id"`
	JobID        string            `json:"job_id"`
	EventType    string            `json:"event_type"`
	CallbackURL  string            `json:"callback_url"`
	Payload      json.RawMessage   `json:"payload"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}
