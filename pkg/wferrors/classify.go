package wferrors

import (
	"errors"
	"strings"
)

// ShouldRetryNetwork classifies an error from an outward network call.
// Rate-limit, 5xx, timeout and connection-reset signatures are retryable;
// 4xx client errors are never retried.
func ShouldRetryNetwork(err error) bool {
	if err == nil {
		return false
	}

	var classified Classified
	if errors.As(err, &classified) {
		return classified.Retryable()
	}

	msg := strings.ToLower(err.Error())

	// Never retry client errors, except rate limiting.
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}
	for _, sig := range []string{"400", "401", "403", "404", "bad request", "unauthorized", "forbidden", "not found"} {
		if strings.Contains(msg, sig) {
			return false
		}
	}

	// Retry transient network failures and server errors.
	for _, sig := range []string{
		"timeout", "timed out", "connection reset", "connection refused",
		"broken pipe", "eof", "temporary", "500", "502", "503", "504",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}

	return false
}
