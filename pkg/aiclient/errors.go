package aiclient

import (
	"errors"
	"fmt"
)

// RemoteCallError describes a failed call to the AI service. Network-level
// failures, 5xx responses and client-side timeouts are retryable; 4xx
// responses are not, since retrying an invalid payload cannot help.
type RemoteCallError struct {
	// StatusCode is the HTTP status, or 0 for transport-level failures.
	StatusCode int
	Err        error
	retryable  bool
}

func (e *RemoteCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ai service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ai service call failed: %v", e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *RemoteCallError) Retryable() bool {
	return e.retryable
}

// IsRetryable reports whether err is a retryable remote call failure.
func IsRetryable(err error) bool {
	var rce *RemoteCallError
	return errors.As(err, &rce) && rce.Retryable()
}
