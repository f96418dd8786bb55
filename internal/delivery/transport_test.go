package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransportHeaders(t *testing.T) {
	var got http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := []byte(`{"jobId":"job-1","status":"completed"}`)
	tr := NewHTTPTransport(5*time.Second, NewSigner("whsec_test"), "Geofy-Imagery-API/1.0")
	res := tr.Deliver(context.Background(), &Request{
		DeliveryID: "delivery-123",
		EventType:  EventJobCompleted,
		URL:        srv.URL,
		Payload:    payload,
		Timestamp:  1750000000,
	})

	if res.Err != nil {
		t.Fatalf("Deliver() error: %v", res.Err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("Deliver() status = %d, want %d", res.Status, http.StatusOK)
	}
	if string(gotBody) != string(payload) {
		t.Errorf("request body = %s, want %s", gotBody, payload)
	}

	headerChecks := map[string]string{
		"Content-Type":        "application/json",
		"User-Agent":          "Geofy-Imagery-API/1.0",
		"X-Event-Type":        "job.completed",
		"X-Delivery-Id":       "delivery-123",
		"X-Timestamp":         "1750000000",
		"X-Signature-Version": "1",
		"X-Signature-Alg":     "HMAC-SHA256",
	}
	for k, want := range headerChecks {
		if v := got.Get(k); v != want {
			t.Errorf("header %s = %q, want %q", k, v, want)
		}
	}

	sig := got.Get("X-Signature")
	if sig == "" {
		t.Fatal("X-Signature header missing")
	}
	if err := VerifyHeader("whsec_test", payload, sig, time.Unix(1750000000, 0), time.Minute); err != nil {
		t.Errorf("X-Signature failed verification: %v", err)
	}
}

func TestHTTPTransportUnsigned(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5*time.Second, NewSigner(""), "Geofy-Imagery-API/1.0")
	res := tr.Deliver(context.Background(), &Request{
		DeliveryID: "delivery-123",
		EventType:  EventJobCompleted,
		URL:        srv.URL,
		Payload:    []byte(`{}`),
		Timestamp:  1750000000,
	})
	if res.Err != nil {
		t.Fatalf("Deliver() error: %v", res.Err)
	}

	// Without a secret none of the signature headers appear
	for _, h := range []string{"X-Signature", "X-Signature-Version", "X-Signature-Alg"} {
		if v := got.Get(h); v != "" {
			t.Errorf("header %s = %q, want absent", h, v)
		}
	}
	if v := got.Get("X-Delivery-Id"); v != "delivery-123" {
		t.Errorf("X-Delivery-Id = %q, want %q", v, "delivery-123")
	}
}

func TestHTTPTransportStatusPassthrough(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantRA     time.Duration
	}{
		{"429 with retry-after seconds", 429, "7", 7 * time.Second},
		{"503 without retry-after", 503, "", 0},
		{"503 with garbage retry-after", 503, "soon", 0},
		{"404 terminal", 404, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			tr := NewHTTPTransport(5*time.Second, NewSigner(""), "ua")
			res := tr.Deliver(context.Background(), &Request{URL: srv.URL, Payload: []byte(`{}`)})

			if res.Err != nil {
				t.Fatalf("Deliver() error: %v", res.Err)
			}
			if res.Status != tt.status {
				t.Errorf("Deliver() status = %d, want %d", res.Status, tt.status)
			}
			if res.RetryAfter != tt.wantRA {
				t.Errorf("Deliver() retryAfter = %v, want %v", res.RetryAfter, tt.wantRA)
			}
		})
	}
}

func TestHTTPTransportNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening anymore

	tr := NewHTTPTransport(time.Second, NewSigner(""), "ua")
	res := tr.Deliver(context.Background(), &Request{URL: srv.URL, Payload: []byte(`{}`)})

	if res.Err == nil {
		t.Fatal("Deliver() to closed server returned nil error")
	}
	if Classify(res.Err, res.Status) != OutcomeNetworkError {
		t.Errorf("Classify() = %q, want %q", Classify(res.Err, res.Status), OutcomeNetworkError)
	}
}

func TestHTTPTransportTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(50*time.Millisecond, NewSigner(""), "ua")
	res := tr.Deliver(context.Background(), &Request{URL: srv.URL, Payload: []byte(`{}`)})

	if res.Err == nil {
		t.Fatal("Deliver() did not time out")
	}
	if got := RetryReason(res.Err, 0); got != "timeout" {
		t.Errorf("RetryReason() = %q, want %q", got, "timeout")
	}
}

func TestHTTPTransportFollowsRedirects(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer final.Close()

	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusTemporaryRedirect)
	}))
	defer redirecting.Close()

	tr := NewHTTPTransport(5*time.Second, NewSigner(""), "ua")
	res := tr.Deliver(context.Background(), &Request{URL: redirecting.URL, Payload: []byte(`{}`)})

	if res.Err != nil {
		t.Fatalf("Deliver() error: %v", res.Err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("Deliver() final status = %d, want %d after redirect", res.Status, http.StatusOK)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		v    string
		want time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "120", 120 * time.Second},
		{"zero seconds", "0", 0},
		{"negative seconds", "-5", 0},
		{"padded seconds", " 30 ", 30 * time.Second},
		{"http date in future", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"http date in past", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "tomorrow", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.v, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}
