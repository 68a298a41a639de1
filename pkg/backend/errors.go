package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// UpstreamStatus exposes the backend answer to error dumps.
func (e *StatusError) UpstreamStatus() int {
	return e.StatusCode
}

// ClientError reports a 4xx other than 408/429, which are treated as transient.
func (e *StatusError) ClientError() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// TransportError wraps failures that never produced an HTTP answer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports transport failures, 5xx and throttling answers.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return !status.ClientError()
	}
	return false
}

// IsRejected reports a definitive 4xx answer.
func IsRejected(err error) bool {
	var status *StatusError
	return errors.As(err, &status) && status.ClientError()
}
