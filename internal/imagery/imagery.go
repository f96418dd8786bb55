// Package imagery wraps the external GEHistoricalImagery tool that acquires
// and publishes historical satellite captures. The tool is invoked through a
// wrapper script that downloads the tile, converts it, uploads it to the CDN
// and prints the published URLs as JSON on stdout.
package imagery

import (
	"context"
	"encoding/json"
)

// Image is one published capture for a single year.
type Image struct {
	Year         int    `json:"year"`
	CaptureDate  string `json:"captureDate"`
	ImageURL     string `json:"imageUrl"`
	OptimizedURL string `json:"optimizedUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

// Client acquires historical imagery for a coordinate.
type Client interface {
	// Availability lists capture dates (YYYY-MM-DD) with imagery for the
	// coordinate.
	Availability(ctx context.Context, lat, lon float64) ([]string, error)

	// Capture downloads and publishes the imagery for one date and returns
	// the published URLs.
	Capture(ctx context.Context, jobID string, lat, lon float64, date string, zoom int) (*Image, error)

	// Analyze runs change detection over the captures of a job and returns
	// the raw analysis document.
	Analyze(ctx context.Context, jobID string, dates []string) (json.RawMessage, error)

	// Cleanup removes scratch files left behind by a job.
	Cleanup(jobID string) error
}
