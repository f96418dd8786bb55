package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/geofy/imagery-hooks/internal/capture"
	"github.com/geofy/imagery-hooks/internal/delivery"
	"github.com/geofy/imagery-hooks/internal/ledger"
	"github.com/geofy/imagery-hooks/internal/logging"
)

const testTasksTopic = "capture_tasks"

var testNow = time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)

type fakeProducer struct {
	mu   sync.Mutex
	err  error
	pubs map[string][][]byte
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.pubs == nil {
		p.pubs = make(map[string][][]byte)
	}
	p.pubs[topic] = append(p.pubs[topic], body)
	return nil
}

func (p *fakeProducer) published(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pubs[topic]
}

type testServer struct {
	*Server
	store    *capture.Memory
	ledger   *ledger.Memory
	producer *fakeProducer
	http     http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := capture.NewMemory()
	ld := ledger.NewMemory()
	logger := logging.NewWithWriter(io.Discard, "test")
	policy := delivery.NewPolicy(2*time.Second, 5, rand.NewSource(1))
	sched := delivery.NewScheduler(ld, nil, policy, 0, logger)
	producer := &fakeProducer{}

	s := New(store, ld, sched, producer, testTasksTopic, logger)
	s.now = func() time.Time { return testNow }
	return &testServer{Server: s, store: store, ledger: ld, producer: producer, http: s.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.http.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
	return v
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[HealthResponse](t, rec)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", resp.Version)
	}
	if !resp.Timestamp.Equal(testNow) {
		t.Errorf("timestamp = %v, want %v", resp.Timestamp, testNow)
	}
}

func TestHandleCapture(t *testing.T) {
	ts := newTestServer(t)
	body := `{"coordinates":"40.7128,-74.0060","locationName":"New York, NY","callbackUrl":"https://example.com/webhook"}`

	rec := ts.do(t, http.MethodPost, "/api/capture", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[CaptureResponse](t, rec)
	if !resp.Success || resp.JobID == "" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Status != "queued" {
		t.Errorf("status = %q, want queued", resp.Status)
	}
	if resp.Message != "Imagery capture job started" {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.EstimatedTime != "5-15 minutes" {
		t.Errorf("estimatedTime = %q", resp.EstimatedTime)
	}

	job, err := ts.store.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if job.Lat != 40.7128 || job.Lon != -74.006 {
		t.Errorf("coords = %v,%v", job.Lat, job.Lon)
	}
	if job.ZoomLevel != capture.DefaultZoom {
		t.Errorf("ZoomLevel = %d, want default %d", job.ZoomLevel, capture.DefaultZoom)
	}
	if job.Status != capture.StatusQueued {
		t.Errorf("Status = %q, want queued", job.Status)
	}

	msgs := ts.producer.published(testTasksTopic)
	if len(msgs) != 1 {
		t.Fatalf("published %d tasks, want 1", len(msgs))
	}
	var task capture.Task
	if err := json.Unmarshal(msgs[0], &task); err != nil {
		t.Fatalf("task unmarshal error: %v", err)
	}
	if task.JobID != resp.JobID {
		t.Errorf("task.JobID = %q, want %q", task.JobID, resp.JobID)
	}
	if task.Lat != 40.7128 || task.Lon != -74.006 || task.ZoomLevel != capture.DefaultZoom {
		t.Errorf("task = %+v", task)
	}
	if task.CallbackURL != "https://example.com/webhook" {
		t.Errorf("task.CallbackURL = %q", task.CallbackURL)
	}
	if task.EnqueuedAt != "2025-05-01T12:30:00Z" {
		t.Errorf("task.EnqueuedAt = %q", task.EnqueuedAt)
	}
}

func TestHandleCaptureZoomExplicit(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/capture",
		`{"coordinates":"10,10","locationName":"Somewhere","zoomLevel":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[CaptureResponse](t, rec)
	job, err := ts.store.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	// Zoom 0 is a valid explicit choice, distinct from the field being absent.
	if job.ZoomLevel != 0 {
		t.Errorf("ZoomLevel = %d, want 0", job.ZoomLevel)
	}
}

func TestHandleCaptureValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "malformed JSON",
			body:    `{not json`,
			wantErr: "invalid JSON body",
		},
		{
			name:    "missing comma",
			body:    `{"coordinates":"40.7128","locationName":"NY"}`,
			wantErr: `coordinates must be "latitude,longitude"`,
		},
		{
			name:    "latitude not a number",
			body:    `{"coordinates":"abc,10","locationName":"NY"}`,
			wantErr: "invalid latitude: abc",
		},
		{
			name:    "longitude not a number",
			body:    `{"coordinates":"10,xyz","locationName":"NY"}`,
			wantErr: "invalid longitude: xyz",
		},
		{
			name:    "latitude out of range",
			body:    `{"coordinates":"91,0","locationName":"NY"}`,
			wantErr: "coordinates out of range",
		},
		{
			name:    "longitude out of range",
			body:    `{"coordinates":"0,181","locationName":"NY"}`,
			wantErr: "coordinates out of range",
		},
		{
			name:    "missing location name",
			body:    `{"coordinates":"10,10"}`,
			wantErr: "locationName is required",
		},
		{
			name:    "zoom too large",
			body:    `{"coordinates":"10,10","locationName":"NY","zoomLevel":24}`,
			wantErr: "zoomLevel must be between 0 and 23",
		},
		{
			name:    "zoom negative",
			body:    `{"coordinates":"10,10","locationName":"NY","zoomLevel":-1}`,
			wantErr: "zoomLevel must be between 0 and 23",
		},
		{
			name:    "insecure callback",
			body:    `{"coordinates":"10,10","locationName":"NY","callbackUrl":"http://example.com/hook"}`,
			wantErr: "callback URL must use https",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, http.MethodPost, "/api/capture", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body: %s)", rec.Code, rec.Body.String())
			}
			resp := decodeBody[ErrorResponse](t, rec)
			if resp.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantErr)
			}

			// Nothing may be persisted or enqueued on rejection.
			jobs, err := ts.store.List(context.Background(), "", 0)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(jobs) != 0 {
				t.Errorf("store has %d jobs, want 0", len(jobs))
			}
			if n := len(ts.producer.published(testTasksTopic)); n != 0 {
				t.Errorf("published %d tasks, want 0", n)
			}
		})
	}
}

func TestHandleCapturePublishFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.producer.err = errors.New("nsqd unreachable")

	rec := ts.do(t, http.MethodPost, "/api/capture",
		`{"coordinates":"10,10","locationName":"Somewhere"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	jobs, err := ts.store.List(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("store has %d jobs, want 1", len(jobs))
	}
	if jobs[0].Status != capture.StatusFailed {
		t.Errorf("Status = %q, want failed", jobs[0].Status)
	}
	if jobs[0].ErrorMessage != "failed to enqueue capture task" {
		t.Errorf("ErrorMessage = %q", jobs[0].ErrorMessage)
	}
}

func TestHandleJobStatus(t *testing.T) {
	ts := newTestServer(t)
	seedStoreJob(t, ts.store, &capture.Job{
		ID: "job-1", Lat: 10, Lon: 20, LocationName: "Testville",
		ZoomLevel: 18, Status: capture.StatusProcessing, Progress: 40,
		CreatedAt: testNow.Add(-2 * time.Minute),
	})
	if err := ts.store.Complete(context.Background(), "job-1", []byte(`{"images":[]}`), nil); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/status/job-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[JobStatusResponse](t, rec)
	if !resp.Success || resp.JobID != "job-1" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Status != "completed" || resp.Progress != 100 {
		t.Errorf("status/progress = %q/%d", resp.Status, resp.Progress)
	}
	if resp.CompletedAt == nil {
		t.Error("completedAt missing")
	}

	rec = ts.do(t, http.MethodGet, "/api/status/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	errResp := decodeBody[ErrorResponse](t, rec)
	if errResp.Error != "Job not found" {
		t.Errorf("error = %q, want %q", errResp.Error, "Job not found")
	}
}

func TestHandleImagery(t *testing.T) {
	ts := newTestServer(t)
	seedStoreJob(t, ts.store, &capture.Job{
		ID: "job-2", Lat: 40.7128, Lon: -74.006, LocationName: "New York, NY",
		ZoomLevel: 18, Status: capture.StatusQueued,
		CreatedAt: testNow.Add(-125 * time.Second),
	})

	rec := ts.do(t, http.MethodGet, "/api/imagery/job-2", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 while incomplete", rec.Code)
	}
	errResp := decodeBody[ErrorResponse](t, rec)
	if errResp.Error != "Job not completed" {
		t.Errorf("error = %q, want %q", errResp.Error, "Job not completed")
	}

	imageryDoc := `{"images":[{"year":2020,"captureDate":"2020-06-15","imageUrl":"https://cdn.example/full.png","optimizedUrl":"https://cdn.example/opt.png","thumbnailUrl":"https://cdn.example/thumb.png"}]}`
	if err := ts.store.Complete(context.Background(), "job-2", []byte(imageryDoc), []byte(`{"summary":"ok"}`)); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	rec = ts.do(t, http.MethodGet, "/api/imagery/job-2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[ImageryResponse](t, rec)
	if !resp.Success || resp.JobID != "job-2" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Location != "New York, NY" {
		t.Errorf("location = %q", resp.Location)
	}
	if resp.Coordinates != "40.7128,-74.006" {
		t.Errorf("coordinates = %q", resp.Coordinates)
	}
	if len(resp.Images) != 1 || resp.Images[0].Year != 2020 {
		t.Errorf("images = %+v", resp.Images)
	}
	if string(resp.AIAnalysis) != `{"summary":"ok"}` {
		t.Errorf("aiAnalysis = %s", resp.AIAnalysis)
	}
	if resp.ProcessingTime == "" {
		t.Error("processingTime missing")
	}

	rec = ts.do(t, http.MethodGet, "/api/imagery/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListJobs(t *testing.T) {
	ts := newTestServer(t)
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		seedStoreJob(t, ts.store, &capture.Job{
			ID: id, Lat: 1, Lon: 1, LocationName: "L", ZoomLevel: 18,
			Status:    capture.StatusQueued,
			CreatedAt: testNow.Add(time.Duration(i) * time.Second),
		})
	}
	if err := ts.store.Complete(context.Background(), "job-b", []byte(`{"images":[]}`), nil); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	all := decodeBody[[]JobStatusResponse](t, rec)
	if len(all) != 3 {
		t.Fatalf("got %d jobs, want 3", len(all))
	}
	if all[0].JobID != "job-c" {
		t.Errorf("first = %q, want job-c (newest first)", all[0].JobID)
	}

	rec = ts.do(t, http.MethodGet, "/api/jobs?status=completed", "")
	byStatus := decodeBody[[]JobStatusResponse](t, rec)
	if len(byStatus) != 1 || byStatus[0].JobID != "job-b" {
		t.Errorf("completed = %+v, want [job-b]", byStatus)
	}

	rec = ts.do(t, http.MethodGet, "/api/jobs?limit=2", "")
	limited := decodeBody[[]JobStatusResponse](t, rec)
	if len(limited) != 2 {
		t.Errorf("limited = %d jobs, want 2", len(limited))
	}

	rec = ts.do(t, http.MethodGet, "/api/jobs?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	errResp := decodeBody[ErrorResponse](t, rec)
	if errResp.Error != "Invalid status: bogus" {
		t.Errorf("error = %q", errResp.Error)
	}

	rec = ts.do(t, http.MethodGet, "/api/jobs?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func seedStoreJob(t *testing.T, store capture.Store, job *capture.Job) {
	t.Helper()
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create(%s) error: %v", job.ID, err)
	}
}

func TestParseCoordinates(t *testing.T) {
	tests := []struct {
		in      string
		lat     float64
		lon     float64
		wantErr bool
	}{
		{"40.7128,-74.0060", 40.7128, -74.006, false},
		{" 40.7128 , -74.0060 ", 40.7128, -74.006, false},
		{"-90,180", -90, 180, false},
		{"90,-180", 90, -180, false},
		{"0,0", 0, 0, false},
		{"91,0", 0, 0, true},
		{"-91,0", 0, 0, true},
		{"0,181", 0, 0, true},
		{"0,-181", 0, 0, true},
		{"40.7128", 0, 0, true},
		{"a,b", 0, 0, true},
		{"", 0, 0, true},
		{"1,2,3", 0, 0, true},
	}
	for _, tt := range tests {
		lat, lon, err := parseCoordinates(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCoordinates(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && (lat != tt.lat || lon != tt.lon) {
			t.Errorf("parseCoordinates(%q) = %v,%v, want %v,%v", tt.in, lat, lon, tt.lat, tt.lon)
		}
	}
}

func TestProcessingTime(t *testing.T) {
	created := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		completed time.Time
		want      string
	}{
		{"not completed", time.Time{}, ""},
		{"seconds only", created.Add(59 * time.Second), "0m 59s"},
		{"minutes and seconds", created.Add(125 * time.Second), "2m 5s"},
		{"over an hour", created.Add(time.Hour + 61*time.Second), "61m 1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := processingTime(created, tt.completed); got != tt.want {
				t.Errorf("processingTime() = %q, want %q", got, tt.want)
			}
		})
	}
}
