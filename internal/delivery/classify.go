package delivery

import "strings"

// Outcome classes for a single delivery attempt.
const (
	OutcomeSuccess      = "success"
	OutcomeRateLimited  = "rate_limited"
	OutcomeServerError  = "server_error"
	OutcomeNetworkError = "network_error"
	OutcomeClientError  = "client_error"
)

// Classify maps an attempt result to an outcome class. The HTTP client
// follows redirects, so status is always the final response status.
func Classify(err error, status int) string {
	switch {
	case err != nil:
		return OutcomeNetworkError
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == 429:
		return OutcomeRateLimited
	case status >= 500 && status < 600:
		return OutcomeServerError
	default:
		// 1xx, 3xx and the remaining 4xx: the endpoint answered and said no.
		return OutcomeClientError
	}
}

// Retryable reports whether an outcome class warrants another attempt.
func Retryable(outcome string) bool {
	switch outcome {
	case OutcomeRateLimited, OutcomeServerError, OutcomeNetworkError:
		return true
	}
	return false
}

// RetryReason buckets a failed attempt for metrics.
func RetryReason(err error, status int) string {
	if err != nil {
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
