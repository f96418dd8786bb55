// Package capture tracks historical imagery jobs from the moment a request
// is accepted until the captures are published and the webhook event is
// emitted. A job is queued by the API, processed by a runner, and read back
// through the status endpoints.
package capture

import (
	"context"
	"errors"
	"strconv"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known job states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a job in this state is finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultZoom is the map zoom used when a request does not name one. Zoom 18
// resolves individual buildings.
const DefaultZoom = 18

var (
	ErrNotFound = errors.New("job not found")
	ErrConflict = errors.New("job state conflict")
)

// Job is one imagery capture request.
type Job struct {
	ID           string
	Lat          float64
	Lon          float64
	LocationName string
	ZoomLevel    int
	CallbackURL  string
	Status       Status
	Progress     int
	ImageryData  []byte // JSON: {"images":[...]}
	AIAnalysis   []byte // JSON analysis document
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time // zero until completed
}

// Coordinates renders the job position as "lat,lon".
func (j *Job) Coordinates() string {
	return strconv.FormatFloat(j.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(j.Lon, 'f', -1, 64)
}

// Store persists capture jobs.
//
// SetProcessing succeeds for queued jobs and for jobs already processing, so
// a redelivered task can resume after a runner crash; it answers ErrConflict
// once the job is terminal. Complete and Fail are the only terminal writes.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	SetProcessing(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id string, imagery, analysis []byte) error
	Fail(ctx context.Context, id, msg string) error
	List(ctx context.Context, status Status, limit int) ([]*Job, error)
	Ping(ctx context.Context) error
}

const defaultListLimit = 50

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
