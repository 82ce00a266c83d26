// Package checkpoint provides the durable log of workflow snapshots. Each
// execution appends immutable snapshots; the latest one is the resume point
// after a suspension or a process restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when an execution has no checkpoints.
var ErrNotFound = errors.New("checkpoint not found")

// ErrStaleSequence is returned when an append would move the head backwards.
var ErrStaleSequence = errors.New("checkpoint sequence older than head")

// Checkpoint is an immutable snapshot of one execution at one transition.
// State and Pending are opaque to this package; the workflow engine owns
// their encoding.
type Checkpoint struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    uint64          `json:"sequence"`
	Stage       string          `json:"stage"`
	Phase       string          `json:"phase"`
	State       json.RawMessage `json:"state"`
	Pending     json.RawMessage `json:"pending,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store is the durable checkpoint contract. Append at an already-written
// sequence overwrites it with identical content on a crash-and-retry resume;
// appending below the head is an error.
type Store interface {
	Append(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context, executionID string) (*Checkpoint, error)
}
