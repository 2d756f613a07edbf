package checkpoint

import (
	"strconv"
	"strings"
)

// Key-space designer: deterministic, side-effect-free key builders shared by
// every backend. Writer and reader derive keys independently from the same
// inputs, so no in-memory state is ever shared between them.
//
// Key families:
//
//	<prefix>:checkpoint:<thread>:<ns>:<id>          checkpoint record (hash)
//	<prefix>:index:<thread>:<ns>                    insertion-time index (sorted set)
//	<prefix>:writes:<thread>:<ns>:<id>:<task>:<idx> pending write (hash)
//	<prefix>:thread-keys:<thread>                   thread key registry (set)

// Hash fields of a checkpoint record.
const (
	fieldType         = "type"
	fieldData         = "data"
	fieldMetadataType = "metadata_type"
	fieldMetadataData = "metadata_data"
	fieldParentID     = "parent_checkpoint_id"
)

// Hash fields of a pending-write record.
const (
	fieldTaskID  = "task_id"
	fieldChannel = "channel"
)

func checkpointKey(prefix, threadID, namespace, checkpointID string) string {
	return prefix + ":checkpoint:" + threadID + ":" + namespace + ":" + checkpointID
}

func indexKey(prefix, threadID, namespace string) string {
	return prefix + ":index:" + threadID + ":" + namespace
}

func writesKey(prefix, threadID, namespace, checkpointID, taskID string, writeIdx int) string {
	return prefix + ":writes:" + threadID + ":" + namespace + ":" + checkpointID +
		":" + taskID + ":" + strconv.Itoa(writeIdx)
}

// writesKeyPattern matches every pending-write key staged against one
// checkpoint, across all tasks and indices.
func writesKeyPattern(prefix, threadID, namespace, checkpointID string) string {
	return prefix + ":writes:" + threadID + ":" + namespace + ":" + checkpointID + ":*"
}

func threadKeysKey(prefix, threadID string) string {
	return prefix + ":thread-keys:" + threadID
}

// writeIdxFromKey recovers the write index from the last segment of a
// pending-write key.
func writeIdxFromKey(key string) int {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return 0
	}
	idx, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return 0
	}
	return idx
}
