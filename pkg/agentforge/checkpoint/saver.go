package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Defaults shared by all savers.
const (
	// DefaultPrefix namespaces every key the store creates.
	DefaultPrefix = "agentforge"

	// DefaultTTL is the retention window for every key belonging to a
	// thread. Each write that touches a key refreshes its window, so an
	// active thread never partially expires while an idle one expires as
	// a unit.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultListLimit bounds history scans when ListOptions.Limit is
	// not set.
	DefaultListLimit = 1000
)

// Saver persists checkpoints for resumable agent conversations.
// Implementations must be safe for concurrent use across threads; within one
// (thread, namespace) the surrounding runtime is expected to serialize Put
// calls, as the store does not.
type Saver interface {
	// Put commits a new checkpoint. pos supplies the thread and
	// namespace; pos.CheckpointID, if set, is recorded as the new
	// checkpoint's parent. Returns the position of the new checkpoint.
	Put(ctx context.Context, pos Position, checkpointID string, state any, md Metadata) (Position, error)

	// GetTuple loads the checkpoint at pos, or the latest checkpoint of
	// (thread, namespace) when pos.CheckpointID is empty. Returns
	// ErrNotFound when the thread has no checkpoints; absence is an
	// expected steady state, not a failure.
	GetTuple(ctx context.Context, pos Position) (*Tuple, error)

	// List returns a lazy reverse-chronological iterator over the
	// checkpoints of (thread, namespace). A missing thread id yields an
	// empty iterator. opts may be nil.
	List(ctx context.Context, pos Position, opts *ListOptions) *Iterator

	// PutWrites stages side-effect writes produced by one task against
	// the checkpoint at pos. Writes on ordinary channels are idempotent
	// per (checkpoint, task, index); writes on sentinel channels
	// overwrite.
	PutWrites(ctx context.Context, pos Position, taskID string, writes []Write) error

	// DeleteThread removes every key ever created for a thread.
	// Deleting an unknown thread is a no-op.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases any resources the saver owns.
	Close() error
}

// ListOptions bounds and filters a history scan.
type ListOptions struct {
	// Before excludes the named checkpoint and everything written at or
	// after its insertion time. If the checkpoint no longer exists the
	// scan falls back to no upper bound.
	Before *Position

	// Limit caps the number of yielded checkpoints. Zero or negative
	// means DefaultListLimit.
	Limit int

	// Filter keeps only checkpoints whose metadata carries every given
	// key with an equal value.
	Filter Metadata
}

// Sentinel errors.
var (
	// ErrNotFound indicates the addressed checkpoint does not exist,
	// either because it was never written or because it expired.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrSaverClosed indicates the saver has been closed.
	ErrSaverClosed = errors.New("checkpoint saver closed")
)

// ValidationError indicates a required identifier was missing from a call.
// It is never retried internally and is distinct from ErrNotFound: absence
// of data is routine, absence of an identifier is a caller bug.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

func missingField(field string) error {
	return &ValidationError{Field: field, Message: "required but empty"}
}
