package scoring

import (
	"errors"
	"fmt"
)

// ErrEmptyResponse means the endpoint answered but produced no usable text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// InvocationError wraps a transport or endpoint failure.
type InvocationError struct {
	Endpoint string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("model invocation failed for endpoint %q: %v", e.Endpoint, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// BlockedError is returned when generation stopped on a content-safety filter.
type BlockedError struct {
	FinishReason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("model output blocked (finish_reason=%s)", e.FinishReason)
}

// RefusedError is returned when the model explicitly declined to answer.
type RefusedError struct {
	Refusal string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("model refused: %s", e.Refusal)
}
