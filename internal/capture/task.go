package capture

// Task is the NSQ message that asks a runner to execute a capture job.
// The job row already exists when the task is published; the task carries
// enough to run the pipeline without a store read on the hot path.
type Task struct {
	JobID        string            `json:"job_id"`
	Lat          float64           `json:"lat"`
	Lon          float64           `json:"lon"`
	LocationName string            `json:"location_name"`
	ZoomLevel    int               `json:"zoom_level"`
	CallbackURL  string            `json:"callback_url,omitempty"`
	EnqueuedAt   string            `json:"enqueued_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}
