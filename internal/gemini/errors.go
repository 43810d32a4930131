package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// ValidationError reports bad input: a malformed credential, an empty
// transcript, out-of-range generation parameters, or an unusable provider
// response. Validation failures are local and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// TerminalAPIError reports a provider failure that will not succeed on
// retry: bad or forbidden credential, or quota exhaustion.
type TerminalAPIError struct {
	Status  int
	Message string
}

func (e *TerminalAPIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider rejected request (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider rejected request: %s", e.Message)
}

// TransientAPIError reports a provider failure that may succeed on retry:
// server errors, rate limiting, network failures.
type TransientAPIError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransientAPIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider request failed (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider request failed: %s", e.Message)
}

func (e *TransientAPIError) Unwrap() error { return e.Err }

// TimeoutError reports that every raw-call attempt hit its deadline.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %d attempts", e.Attempts)
}

// errorClass buckets a raw-call failure for the inner retry layer.
type errorClass int

const (
	classTransient errorClass = iota
	classRateLimited           // 429 and 5xx: retried with the longer linear backoff
	classTimeout
	classTerminal
)

// classify buckets err. It prefers the SDK's typed API error and falls back
// to message inspection, since some transport failures surface as plain
// errors with the status embedded in the text.
func classify(err error) errorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return classTimeout
	}

	status := 0
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.Code
	}
	msg := strings.ToLower(err.Error())

	switch {
	case status == 401 || status == 403,
		strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"),
		strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "api key not valid"),
		strings.Contains(msg, "quota exceeded"):
		return classTerminal
	case status == 429 || status >= 500,
		strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "500") || strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "502") || strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "503") || strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "504") || strings.Contains(msg, "gateway timeout"):
		return classRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return classTimeout
	default:
		return classTransient
	}
}

// statusOf extracts the HTTP status from err, if the SDK preserved one.
func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsTerminal reports whether err is a failure that retrying cannot fix.
func IsTerminal(err error) bool {
	var terminal *TerminalAPIError
	return errors.As(err, &terminal)
}
