package router

import "errors"

// ErrRequestQueueFull is returned when an admission would exceed the bounded
// request queue's capacity. It maps to a retryable "server too busy"
// condition at the API boundary.
var ErrRequestQueueFull = errors.New("server too busy")

// GenerationError is a request-specific failure during a backend step,
// either reported per-request by the shards or a batch-wide backend failure
// attributed to the request.
type GenerationError struct {
	Msg string
}

func (e *GenerationError) Error() string {
	return "request failed during generation: " + e.Msg
}

// DetokenizationError is a local incremental-decoder failure. It terminates
// the single affected request.
type DetokenizationError struct {
	Msg string
}

func (e *DetokenizationError) Error() string {
	return "request failed during detokenization: " + e.Msg
}
