package inference

import "fmt"

// Error codes a backend can report. Only throttling and model stream
// errors are retryable.
const (
	CodeThrottled   = "throttled"
	CodeStreamError = "model_stream_error"
	CodeBadRequest  = "bad_request"
	CodeServer      = "server_error"
)

// BackendError is a failed backend invocation with its classification.
type BackendError struct {
	Backend string
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %s: %s", e.Backend, e.Code, e.Message)
}

// Retryable reports whether the error is transient and worth retrying.
func (e *BackendError) Retryable() bool {
	return e.Code == CodeThrottled || e.Code == CodeStreamError
}

// classifyStatus maps an HTTP status to an error code.
func classifyStatus(status int) string {
	switch {
	case status == 429:
		return CodeThrottled
	case status >= 500:
		return CodeStreamError
	default:
		return CodeBadRequest
	}
}
