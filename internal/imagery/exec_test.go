package imagery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gehinix.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

func TestParseAvailabilityOutput(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want []string
	}{
		{
			name: "clean dates",
			out:  "2018-01-01\n2019-06-15\n2020-12-31\n",
			want: []string{"2018-01-01", "2019-06-15", "2020-12-31"},
		},
		{
			name: "banner and blank lines skipped",
			out:  "GEHistoricalImagery v1.2\n\nAvailable dates:\n2018-01-01\n\n2021-03-10\ndone\n",
			want: []string{"2018-01-01", "2021-03-10"},
		},
		{
			name: "windows line endings",
			out:  "2018-01-01\r\n2019-01-01\r\n",
			want: []string{"2018-01-01", "2019-01-01"},
		},
		{
			name: "indented dates",
			out:  "  2022-07-04  \n",
			want: []string{"2022-07-04"},
		},
		{
			name: "no dates",
			out:  "nothing to see\n",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAvailabilityOutput([]byte(tt.out))
			if len(got) != len(tt.want) {
				t.Fatalf("parseAvailabilityOutput() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseAvailabilityOutput()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseCaptureOutput(t *testing.T) {
	t.Run("complete output", func(t *testing.T) {
		out := `{"year":2018,"captureDate":"2018-01-01","imageUrl":"https://cdn.example/orig.png","optimizedUrl":"https://cdn.example/opt.png","thumbnailUrl":"https://cdn.example/thumb.png"}`
		img, err := parseCaptureOutput([]byte(out), "2018-01-01")
		if err != nil {
			t.Fatalf("parseCaptureOutput() error: %v", err)
		}
		if img.Year != 2018 {
			t.Errorf("Year = %d, want 2018", img.Year)
		}
		if img.ImageURL != "https://cdn.example/orig.png" {
			t.Errorf("ImageURL = %q", img.ImageURL)
		}
		if img.ThumbnailURL != "https://cdn.example/thumb.png" {
			t.Errorf("ThumbnailURL = %q", img.ThumbnailURL)
		}
	})

	t.Run("year and date fall back to request", func(t *testing.T) {
		out := `{"imageUrl":"https://cdn.example/orig.png"}`
		img, err := parseCaptureOutput([]byte(out), "2021-03-10")
		if err != nil {
			t.Fatalf("parseCaptureOutput() error: %v", err)
		}
		if img.Year != 2021 {
			t.Errorf("Year = %d, want 2021", img.Year)
		}
		if img.CaptureDate != "2021-03-10" {
			t.Errorf("CaptureDate = %q, want %q", img.CaptureDate, "2021-03-10")
		}
	})

	t.Run("missing image url", func(t *testing.T) {
		if _, err := parseCaptureOutput([]byte(`{"year":2018}`), "2018-01-01"); err == nil {
			t.Error("parseCaptureOutput() error = nil, want missing imageUrl error")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		if _, err := parseCaptureOutput([]byte("not json"), "2018-01-01"); err == nil {
			t.Error("parseCaptureOutput() error = nil, want parse error")
		}
	})
}

func TestExecClientAvailability(t *testing.T) {
	tool := writeFakeTool(t, `echo "2018-01-01"
echo "2020-06-15"
`)
	c := NewExecClient(tool, "google", t.TempDir(), 5*time.Second, 5*time.Second)

	dates, err := c.Availability(context.Background(), 40.7128, -74.006)
	if err != nil {
		t.Fatalf("Availability() error: %v", err)
	}
	if len(dates) != 2 || dates[0] != "2018-01-01" || dates[1] != "2020-06-15" {
		t.Errorf("Availability() = %v, want [2018-01-01 2020-06-15]", dates)
	}
}

func TestExecClientAvailabilityFailure(t *testing.T) {
	tool := writeFakeTool(t, `echo "provider unreachable" >&2
exit 1
`)
	c := NewExecClient(tool, "google", t.TempDir(), 5*time.Second, 5*time.Second)

	_, err := c.Availability(context.Background(), 40.7128, -74.006)
	if err == nil {
		t.Fatal("Availability() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "availability check failed") {
		t.Errorf("error = %v, want availability check failed prefix", err)
	}
	if !strings.Contains(err.Error(), "provider unreachable") {
		t.Errorf("error = %v, want it to carry stderr", err)
	}
}

func TestExecClientAvailabilityNoDates(t *testing.T) {
	tool := writeFakeTool(t, `echo "no imagery for this location"`)
	c := NewExecClient(tool, "google", t.TempDir(), 5*time.Second, 5*time.Second)

	if _, err := c.Availability(context.Background(), 0, 0); err == nil {
		t.Error("Availability() error = nil, want no dates error")
	}
}

func TestExecClientCapture(t *testing.T) {
	temp := t.TempDir()
	argsFile := filepath.Join(temp, "args.txt")
	tool := writeFakeTool(t, fmt.Sprintf(`printf '%%s\n' "$@" > %q
echo '{"year":2018,"captureDate":"2018-01-01","imageUrl":"https://cdn.example/orig.png","optimizedUrl":"https://cdn.example/opt.png","thumbnailUrl":"https://cdn.example/thumb.png"}'
`, argsFile))
	c := NewExecClient(tool, "google", temp, 5*time.Second, 5*time.Second)

	img, err := c.Capture(context.Background(), "job-1", 40.7128, -74.006, "2018-01-01", 18)
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	if img.Year != 2018 || img.ImageURL != "https://cdn.example/orig.png" {
		t.Errorf("Capture() = %+v, want parsed image", img)
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	argv := strings.Join(strings.Fields(string(raw)), " ")
	want := "download --lat 40.7128 --lon -74.006 --date 2018-01-01 --zoom 18 --output " +
		filepath.Join(temp, "job-1_2018-01-01.tif") + " --provider google"
	if argv != want {
		t.Errorf("tool argv = %q, want %q", argv, want)
	}
}

func TestExecClientAnalyze(t *testing.T) {
	temp := t.TempDir()
	argsFile := filepath.Join(temp, "args.txt")
	tool := writeFakeTool(t, fmt.Sprintf(`printf '%%s\n' "$@" > %q
echo '{"changes_detected":["new building"],"timeline":["2018: cleared lot"],"summary":"steady development"}'
`, argsFile))
	c := NewExecClient(tool, "google", temp, 5*time.Second, 5*time.Second)

	doc, err := c.Analyze(context.Background(), "job-1", []string{"2018-01-01", "2020-06-15"})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		t.Fatalf("Analyze() returned invalid JSON: %v", err)
	}
	if parsed.Summary != "steady development" {
		t.Errorf("summary = %q, want %q", parsed.Summary, "steady development")
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	args := string(raw)
	for _, frag := range []string{"analyze", "job-1_2018-01-01.png", "job-1_2020-06-15.png"} {
		if !strings.Contains(args, frag) {
			t.Errorf("tool argv missing %q in %q", frag, args)
		}
	}
}

func TestExecClientAnalyzeInvalidOutput(t *testing.T) {
	tool := writeFakeTool(t, `echo "sorry, model overloaded"`)
	c := NewExecClient(tool, "google", t.TempDir(), 5*time.Second, 5*time.Second)

	if _, err := c.Analyze(context.Background(), "job-1", []string{"2018-01-01"}); err == nil {
		t.Error("Analyze() error = nil, want invalid JSON error")
	}
}

func TestExecClientTimeout(t *testing.T) {
	tool := writeFakeTool(t, `sleep 2`)
	c := NewExecClient(tool, "google", t.TempDir(), 100*time.Millisecond, 100*time.Millisecond)

	_, err := c.Availability(context.Background(), 0, 0)
	if err == nil {
		t.Fatal("Availability() error = nil, want timeout")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want timeout message", err)
	}
}

func TestExecClientCleanup(t *testing.T) {
	temp := t.TempDir()
	c := NewExecClient("/bin/true", "google", temp, time.Second, time.Second)

	for _, name := range []string{"job-1_2018-01-01.tif", "job-1_2018-01-01.png", "job-2_2019-01-01.tif"} {
		if err := os.WriteFile(filepath.Join(temp, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	}

	if err := c.Cleanup("job-1"); err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}

	left, err := filepath.Glob(filepath.Join(temp, "*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(left) != 1 || !strings.HasSuffix(left[0], "job-2_2019-01-01.tif") {
		t.Errorf("Cleanup() left %v, want only the other job's file", left)
	}
}

func TestNewExecClientDefaults(t *testing.T) {
	c := NewExecClient("/app/gehinix.sh", "google", "/tmp/imagery", 0, 0)
	if c.availabilityTimeout != 60*time.Second {
		t.Errorf("availabilityTimeout = %v, want 60s", c.availabilityTimeout)
	}
	if c.captureTimeout != 300*time.Second {
		t.Errorf("captureTimeout = %v, want 300s", c.captureTimeout)
	}
}
