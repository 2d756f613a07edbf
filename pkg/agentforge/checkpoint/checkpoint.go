// Package checkpoint provides durable storage for the step-by-step execution
// state of resumable agent conversations.
package checkpoint

import (
	"github.com/google/uuid"
)

// Position addresses one checkpoint: a thread, a namespace within that
// thread, and optionally a specific checkpoint id. An empty CheckpointID
// means "the latest checkpoint" on read paths and "no parent" on write paths.
type Position struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// Tuple is a fully hydrated checkpoint record as returned by GetTuple.
type Tuple struct {
	// Position addresses this checkpoint.
	Position Position

	// State is the deserialized execution state snapshot.
	State any

	// Metadata describes how and when the snapshot was taken.
	Metadata Metadata

	// Parent points at the checkpoint this one was derived from, or nil
	// for the first checkpoint of a lineage. It is not hydrated; call
	// GetTuple again to fetch it. The parent may have expired, in which
	// case that call reports ErrNotFound.
	Parent *Position

	// PendingWrites are the side effects staged against this checkpoint
	// via PutWrites, ordered by task id and write index.
	PendingWrites []PendingWrite
}

// Metadata is the checkpoint metadata record. The store treats it as opaque
// except for the equality filter in ListOptions, which compares values after
// JSON normalization.
type Metadata map[string]any

// Metadata source values written by the agent runtime.
const (
	SourceInput     = "input"
	SourceLoop      = "loop"
	SourceInterrupt = "interrupt"
)

// DefaultMetadata is substituted when a checkpoint record carries no
// metadata payload.
func DefaultMetadata() Metadata {
	return Metadata{
		"source":  SourceLoop,
		"step":    -1,
		"parents": map[string]any{},
	}
}

// Write is one staged side effect handed to PutWrites: a channel name and
// the value produced for it.
type Write struct {
	Channel string
	Value   any
}

// PendingWrite is a staged write as read back from the store.
type PendingWrite struct {
	TaskID   string
	WriteIdx int
	Channel  string
	Value    any
}

// Channels with reserved write indices. Writes to these channels represent
// singleton signals rather than ordered channel values: they always
// overwrite, while every other channel is written at its position in the
// input slice and is idempotent across retries.
const (
	ChannelError     = "__error__"
	ChannelScheduled = "__scheduled__"
	ChannelInterrupt = "__interrupt__"
	ChannelResume    = "__resume__"
)

var sentinelWriteIdx = map[string]int{
	ChannelError:     -1,
	ChannelScheduled: -2,
	ChannelInterrupt: -3,
	ChannelResume:    -4,
}

// WriteIdx returns the write index for a channel: the reserved negative
// sentinel for singleton channels, otherwise the write's position in the
// input slice.
func WriteIdx(channel string, position int) int {
	if idx, ok := sentinelWriteIdx[channel]; ok {
		return idx
	}
	return position
}

// NewCheckpointID returns a new time-sortable checkpoint id (UUIDv7).
// Checkpoint ids are caller-assigned; sortable ids keep index tie-breaking
// aligned with insertion order.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
