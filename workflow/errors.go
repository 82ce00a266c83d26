package workflow

import (
	"errors"
	"fmt"
)

// ErrNotSuspended is returned by Resume when the execution has no pending
// suspension.
var ErrNotSuspended = errors.New("execution is not suspended")

// ErrUnknownStage is returned when a stage routes to a stage that was never
// registered.
var ErrUnknownStage = errors.New("unknown stage")

// SuspendedError signals that the execution paused at a human gate. It is
// not a failure; the caller presents Request and later calls Resume.
type SuspendedError struct {
	ExecutionID string
	Request     *SuspensionRequest
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("execution %s suspended: %s", e.ExecutionID, e.Request.Action)
}

// Suspended unwraps err into a SuspendedError, if it is one.
func Suspended(err error) (*SuspendedError, bool) {
	var se *SuspendedError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ValidationError reports a resume response the pending request does not
// allow. The execution state is untouched; resume again with a valid
// response.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid resume response: " + e.Reason
}
