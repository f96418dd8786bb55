package delivery

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/geofy/imagery-hooks/internal/tracing"
)

// Request is a single webhook attempt. Timestamp is the unix-seconds send
// time and doubles as the signature timestamp.
type Request struct {
	DeliveryID string
	EventType  string
	URL        string
	Payload    []byte
	Timestamp  int64
}

// Result is the raw outcome of one attempt. Err is set for transport
// failures; otherwise Status holds the final HTTP status after redirects.
type Result struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

// Transport delivers webhook payloads to an endpoint.
type Transport interface {
	Deliver(ctx context.Context, req *Request) *Result
}

// HTTPTransport posts JSON payloads with signature headers.
type HTTPTransport struct {
	client    *http.Client
	signer    *Signer
	userAgent string
}

func NewHTTPTransport(timeout time.Duration, signer *Signer, userAgent string) *HTTPTransport {
	return &HTTPTransport{
		client:    &http.Client{Timeout: timeout},
		signer:    signer,
		userAgent: userAgent,
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, req *Request) *Result {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return &Result{Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", t.userAgent)
	httpReq.Header.Set("X-Event-Type", req.EventType)
	httpReq.Header.Set("X-Delivery-Id", req.DeliveryID)
	httpReq.Header.Set("X-Timestamp", strconv.FormatInt(req.Timestamp, 10))
	if t.signer.Enabled() {
		httpReq.Header.Set("X-Signature-Version", "1")
		httpReq.Header.Set("X-Signature-Alg", "HMAC-SHA256")
		httpReq.Header.Set("X-Signature", t.signer.Header(req.Payload, req.Timestamp))
	}

	// Add trace ID to HTTP headers for correlation
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return &Result{Err: err}
	}
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	_ = resp.Body.Close()

	return &Result{Status: resp.StatusCode, RetryAfter: retryAfter}
}

// parseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP-date. Absent or unparseable values come back as 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
