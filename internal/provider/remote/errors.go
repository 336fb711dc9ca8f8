// ABOUTME: Errors returned by the remote engine binding
// ABOUTME: Request timeouts and engine-reported failures

package remote

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the engine does not answer a request in time.
var ErrTimeout = errors.New("engine request timed out")

// EngineError is a failure reported by the engine for a request.
type EngineError struct {
	Op      string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Op, e.Message)
}
