package imagery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ExecClient shells out to the GEHistoricalImagery wrapper.
type ExecClient struct {
	path     string
	provider string
	tempDir  string

	availabilityTimeout time.Duration
	captureTimeout      time.Duration
}

func NewExecClient(path, provider, tempDir string, availabilityTimeout, captureTimeout time.Duration) *ExecClient {
	if availabilityTimeout <= 0 {
		availabilityTimeout = 60 * time.Second
	}
	if captureTimeout <= 0 {
		captureTimeout = 300 * time.Second
	}
	return &ExecClient{
		path:                path,
		provider:            provider,
		tempDir:             tempDir,
		availabilityTimeout: availabilityTimeout,
		captureTimeout:      captureTimeout,
	}
}

func (c *ExecClient) Availability(ctx context.Context, lat, lon float64) ([]string, error) {
	out, err := c.run(ctx, c.availabilityTimeout,
		"availability",
		"--lat", formatCoord(lat),
		"--lon", formatCoord(lon),
		"--provider", c.provider,
	)
	if err != nil {
		return nil, fmt.Errorf("availability check failed: %w", err)
	}
	dates := parseAvailabilityOutput(out)
	if len(dates) == 0 {
		return nil, errors.New("availability check returned no dates")
	}
	return dates, nil
}

func (c *ExecClient) Capture(ctx context.Context, jobID string, lat, lon float64, date string, zoom int) (*Image, error) {
	if err := os.MkdirAll(c.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	output := filepath.Join(c.tempDir, jobID+"_"+date+".tif")

	out, err := c.run(ctx, c.captureTimeout,
		"download",
		"--lat", formatCoord(lat),
		"--lon", formatCoord(lon),
		"--date", date,
		"--zoom", strconv.Itoa(zoom),
		"--output", output,
		"--provider", c.provider,
	)
	if err != nil {
		return nil, fmt.Errorf("download failed for %s: %w", date, err)
	}

	img, err := parseCaptureOutput(out, date)
	if err != nil {
		return nil, fmt.Errorf("download output for %s: %w", date, err)
	}
	return img, nil
}

func (c *ExecClient) Analyze(ctx context.Context, jobID string, dates []string) (json.RawMessage, error) {
	paths := make([]string, len(dates))
	for i, d := range dates {
		paths[i] = filepath.Join(c.tempDir, jobID+"_"+d+".png")
	}

	out, err := c.run(ctx, c.captureTimeout,
		"analyze",
		"--images", strings.Join(paths, ","),
	)
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	doc := bytes.TrimSpace(out)
	if !json.Valid(doc) {
		return nil, errors.New("analysis output is not valid JSON")
	}
	return json.RawMessage(doc), nil
}

func (c *ExecClient) Cleanup(jobID string) error {
	matches, err := filepath.Glob(filepath.Join(c.tempDir, jobID+"_*"))
	if err != nil {
		return err
	}
	var firstErr error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// run executes one tool invocation under its own deadline and returns stdout.
// Stderr rides along in the error.
func (c *ExecClient) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%s timed out after %s", args[0], timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	return stdout.Bytes(), nil
}

var dateLine = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// parseAvailabilityOutput extracts capture dates from the tool's output, one
// date per line. Banner lines and blanks are skipped.
func parseAvailabilityOutput(out []byte) []string {
	var dates []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if dateLine.MatchString(line) {
			dates = append(dates, line)
		}
	}
	return dates
}

// parseCaptureOutput reads the JSON object the wrapper prints after a
// download. Year and captureDate fall back to the requested date when the
// wrapper omits them.
func parseCaptureOutput(out []byte, date string) (*Image, error) {
	var img Image
	if err := json.Unmarshal(bytes.TrimSpace(out), &img); err != nil {
		return nil, fmt.Errorf("parse capture output: %w", err)
	}
	if img.CaptureDate == "" {
		img.CaptureDate = date
	}
	if img.Year == 0 {
		if len(date) >= 4 {
			img.Year, _ = strconv.Atoi(date[:4])
		}
	}
	if img.ImageURL == "" {
		return nil, errors.New("capture output missing imageUrl")
	}
	return &img, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
