package vision

import (
	"errors"
	"fmt"
)

// InvalidInputError reports a caller mistake (empty prompt, undersized
// image payload). Never retried.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "vision: invalid input: " + e.Reason
}

// QuotaError reports HTTP 429 from the upstream. Retried with jittered
// exponential backoff.
type QuotaError struct {
	StatusCode int
	Body       string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("vision: quota exceeded (%d): %s", e.StatusCode, e.Body)
}

// ServerError reports HTTP >= 500 from the upstream. Retried with
// exponential backoff, no jitter.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("vision: upstream server error (%d): %s", e.StatusCode, e.Body)
}

// ClientError reports a non-retryable upstream HTTP error (4xx other than
// 429). Surfaced immediately.
type ClientError struct {
	StatusCode int
	Body       string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("vision: upstream client error (%d): %s", e.StatusCode, e.Body)
}

// ContentPolicyError reports that the upstream refused the input on content
// policy grounds. Fatal for the whole batch: it indicates a systemic input
// problem, not a transient fault.
type ContentPolicyError struct {
	Detail string
}

func (e *ContentPolicyError) Error() string {
	return "vision: content policy violation: " + e.Detail
}

// RetriesExhaustedError reports that the retry budget for an operation ran
// out. Err holds the last upstream error observed.
type RetriesExhaustedError struct {
	Operation string
	Err       error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("vision: retries exhausted for %s: %v", e.Operation, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another attempt: quota and
// server errors are, caller and policy errors are not.
func IsRetryable(err error) bool {
	var qe *QuotaError
	var se *ServerError
	return errors.As(err, &qe) || errors.As(err, &se)
}

// IsContentPolicy reports whether err is a content policy violation
// anywhere in the chain.
func IsContentPolicy(err error) bool {
	var cpe *ContentPolicyError
	return errors.As(err, &cpe)
}
