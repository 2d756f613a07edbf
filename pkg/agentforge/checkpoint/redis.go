package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jsquire4/agentforge/pkg/agentforge/observability"
)

// RedisSaver persists checkpoints in Redis. It is the production backend:
// a stateless façade over a shared client handle, safe for concurrent use
// across threads.
//
// Each Put commits one pipelined batch: the checkpoint record (hash), its
// index entry (sorted set scored by wall-clock milliseconds), and the
// thread key registry (set), each with a refreshed TTL. The batch is a
// single round trip without cross-key transactional guarantees; a mid-batch
// crash can orphan an index entry, which the read path tolerates by
// treating the orphan as not found.
//
// The saver performs no internal retries and inherits whatever timeout or
// cancellation the caller's context enforces.
type RedisSaver struct {
	client redis.UniversalClient
	opts   options
}

// Compile-time interface check.
var _ Saver = (*RedisSaver)(nil)

// NewRedisSaver creates a Redis-backed saver on an existing client handle.
// The saver does not own the client; pooling and shutdown stay with the
// surrounding application.
func NewRedisSaver(client redis.UniversalClient, opts ...Option) *RedisSaver {
	return &RedisSaver{
		client: client,
		opts:   applyOptions(opts),
	}
}

// Put implements Saver.
//
// pos.CheckpointID, when set, is recorded as the parent pointer. The store
// neither detects nor rejects lineage cycles; callers must only pass
// positions they previously received from Put or GetTuple.
func (s *RedisSaver) Put(ctx context.Context, pos Position, checkpointID string, state any, md Metadata) (Position, error) {
	if pos.ThreadID == "" {
		return Position{}, missingField("thread_id")
	}
	if checkpointID == "" {
		return Position{}, missingField("checkpoint_id")
	}

	done := observability.TimedOperation()
	ctx, span := s.opts.spans.StartOpSpan(ctx, "put", pos.ThreadID, pos.Namespace)
	var err error
	defer func() { s.opts.spans.EndSpanWithError(span, err) }()

	statePayload, err := s.opts.serializer.Dumps(state)
	if err != nil {
		return Position{}, fmt.Errorf("serialize state: %w", err)
	}
	if md == nil {
		md = DefaultMetadata()
	}
	mdPayload, err := s.opts.serializer.Dumps(map[string]any(md))
	if err != nil {
		return Position{}, fmt.Errorf("serialize metadata: %w", err)
	}

	ckptKey := checkpointKey(s.opts.prefix, pos.ThreadID, pos.Namespace, checkpointID)
	idxKey := indexKey(s.opts.prefix, pos.ThreadID, pos.Namespace)
	regKey := threadKeysKey(s.opts.prefix, pos.ThreadID)
	now := s.opts.now()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, ckptKey, map[string]any{
		fieldType:         statePayload.Type,
		fieldData:         statePayload.Data,
		fieldMetadataType: mdPayload.Type,
		fieldMetadataData: mdPayload.Data,
		fieldParentID:     pos.CheckpointID,
	})
	pipe.ZAdd(ctx, idxKey, redis.Z{Score: float64(now.UnixMilli()), Member: checkpointID})
	pipe.SAdd(ctx, regKey, ckptKey, idxKey)
	s.refresh(ctx, pipe, ckptKey, idxKey, regKey)
	if _, err = pipe.Exec(ctx); err != nil {
		err = fmt.Errorf("commit checkpoint %s: %w", checkpointID, err)
		observability.LogStoreError(s.logger(pos), "put", err)
		s.opts.metrics.RecordSave(ctx, pos.Namespace, 0, 0, err)
		return Position{}, err
	}

	durationMs := done()
	s.opts.metrics.RecordSave(ctx, pos.Namespace, msToDuration(durationMs), int64(len(statePayload.Data)), nil)
	observability.LogCheckpointSaved(s.logger(pos), checkpointID, len(statePayload.Data), durationMs)

	return Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: checkpointID}, nil
}

// GetTuple implements Saver.
func (s *RedisSaver) GetTuple(ctx context.Context, pos Position) (*Tuple, error) {
	if pos.ThreadID == "" {
		// Cold start is routine: a thread that was never written (or has
		// no id yet) is absent, not invalid.
		return nil, ErrNotFound
	}

	done := observability.TimedOperation()
	ctx, span := s.opts.spans.StartOpSpan(ctx, "get", pos.ThreadID, pos.Namespace)
	var err error
	defer func() { s.opts.spans.EndSpanWithError(span, err) }()

	var t *Tuple
	t, err = s.fetchTuple(ctx, pos, true)
	durationMs := done()
	if errors.Is(err, ErrNotFound) {
		s.opts.metrics.RecordLoad(ctx, msToDuration(durationMs), false)
		observability.LogCheckpointMiss(s.logger(pos), pos.CheckpointID)
		return nil, err
	}
	if err != nil {
		observability.LogStoreError(s.logger(pos), "get", err)
		return nil, err
	}

	s.opts.metrics.RecordLoad(ctx, msToDuration(durationMs), true)
	observability.LogCheckpointLoaded(s.logger(pos), t.Position.CheckpointID, len(t.PendingWrites), durationMs)
	return t, nil
}

// List implements Saver.
//
// The index query runs on the first Next call; no I/O happens before that.
func (s *RedisSaver) List(ctx context.Context, pos Position, opts *ListOptions) *Iterator {
	if pos.ThreadID == "" {
		return emptyIterator()
	}

	idxKey := indexKey(s.opts.prefix, pos.ThreadID, pos.Namespace)
	var before *Position
	if opts != nil {
		before = opts.Before
	}

	start := func() ([]string, error) {
		max := "+inf"
		if before != nil && before.CheckpointID != "" {
			score, err := s.client.ZScore(ctx, idxKey, before.CheckpointID).Result()
			switch {
			case err == nil:
				max = "(" + strconv.FormatFloat(score, 'f', -1, 64)
			case errors.Is(err, redis.Nil):
				// The bound expired; scan without an upper bound.
			default:
				return nil, fmt.Errorf("resolve before position: %w", err)
			}
		}
		// The limit counts survivors, and any entry can turn out to be
		// an orphan or filtered away, so the index scan is never
		// pre-bounded. Candidate ids are cheap; record fetches stay lazy.
		ids, err := s.client.ZRevRangeByScore(ctx, idxKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
		if err != nil {
			return nil, fmt.Errorf("query index: %w", err)
		}
		return ids, nil
	}
	fetch := func(id string) (*Tuple, error) {
		return s.fetchTuple(ctx, Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: id}, false)
	}
	return newIterator(opts, start, fetch)
}

// PutWrites implements Saver.
func (s *RedisSaver) PutWrites(ctx context.Context, pos Position, taskID string, writes []Write) error {
	if pos.ThreadID == "" {
		return missingField("thread_id")
	}
	if pos.CheckpointID == "" {
		return missingField("checkpoint_id")
	}
	if len(writes) == 0 {
		return nil
	}

	ctx, span := s.opts.spans.StartOpSpan(ctx, "put_writes", pos.ThreadID, pos.Namespace)
	var err error
	defer func() { s.opts.spans.EndSpanWithError(span, err) }()

	type stagedWrite struct {
		key      string
		write    Write
		sentinel bool
	}
	staged := make([]stagedWrite, len(writes))
	for i, w := range writes {
		idx := WriteIdx(w.Channel, i)
		staged[i] = stagedWrite{
			key:      writesKey(s.opts.prefix, pos.ThreadID, pos.Namespace, pos.CheckpointID, taskID, idx),
			write:    w,
			sentinel: idx < 0,
		}
	}

	// One round trip of existence checks protects retried steps on
	// ordinary channels from duplicating side effects. Sentinel channels
	// skip the check and overwrite.
	existing := make(map[string]*redis.IntCmd, len(staged))
	pipe := s.client.Pipeline()
	for _, sw := range staged {
		if !sw.sentinel {
			existing[sw.key] = pipe.Exists(ctx, sw.key)
		}
	}
	if len(existing) > 0 {
		if _, err = pipe.Exec(ctx); err != nil {
			err = fmt.Errorf("check staged writes: %w", err)
			observability.LogStoreError(s.logger(pos), "put_writes", err)
			return err
		}
	}

	regKey := threadKeysKey(s.opts.prefix, pos.ThreadID)
	pipe = s.client.Pipeline()
	count := 0
	for _, sw := range staged {
		if cmd, ok := existing[sw.key]; ok && cmd.Val() > 0 {
			// Retried step: the stored value stays, but its retention
			// window re-arms with the rest of the thread.
			s.refresh(ctx, pipe, sw.key)
			continue
		}
		var payload Payload
		payload, err = s.opts.serializer.Dumps(sw.write.Value)
		if err != nil {
			return fmt.Errorf("serialize write for channel %s: %w", sw.write.Channel, err)
		}
		pipe.HSet(ctx, sw.key, map[string]any{
			fieldTaskID:  taskID,
			fieldChannel: sw.write.Channel,
			fieldType:    payload.Type,
			fieldData:    payload.Data,
		})
		pipe.SAdd(ctx, regKey, sw.key)
		s.refresh(ctx, pipe, sw.key)
		count++
	}
	s.refresh(ctx, pipe, regKey)
	if pipe.Len() == 0 {
		observability.LogWritesStaged(s.logger(pos), pos.CheckpointID, taskID, 0, len(writes))
		return nil
	}
	if _, err = pipe.Exec(ctx); err != nil {
		err = fmt.Errorf("stage writes for checkpoint %s: %w", pos.CheckpointID, err)
		observability.LogStoreError(s.logger(pos), "put_writes", err)
		return err
	}

	s.opts.metrics.RecordStagedWrites(ctx, int64(count))
	observability.LogWritesStaged(s.logger(pos), pos.CheckpointID, taskID, count, len(writes)-count)
	return nil
}

// DeleteThread implements Saver.
//
// The thread registry is the authoritative manifest: every writer adds the
// keys it creates, so one SMEMBERS plus one batched DEL removes the whole
// thread regardless of how many namespaces or checkpoints it accumulated.
func (s *RedisSaver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return missingField("thread_id")
	}

	ctx, span := s.opts.spans.StartOpSpan(ctx, "delete_thread", threadID, "")
	var err error
	defer func() { s.opts.spans.EndSpanWithError(span, err) }()

	regKey := threadKeysKey(s.opts.prefix, threadID)
	var keys []string
	keys, err = s.client.SMembers(ctx, regKey).Result()
	if err != nil {
		err = fmt.Errorf("read thread registry: %w", err)
		observability.LogStoreError(s.opts.logger, "delete_thread", err)
		return err
	}

	pipe := s.client.Pipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	// Delete the registry even when empty; re-deleting a reaped thread is
	// a no-op.
	pipe.Del(ctx, regKey)
	if _, err = pipe.Exec(ctx); err != nil {
		err = fmt.Errorf("delete thread %s: %w", threadID, err)
		observability.LogStoreError(s.opts.logger, "delete_thread", err)
		return err
	}

	s.opts.metrics.RecordThreadDelete(ctx, int64(len(keys)))
	observability.LogThreadDeleted(s.opts.logger, threadID, len(keys))
	return nil
}

// Close implements Saver. The shared client handle belongs to the
// surrounding application, so there is nothing to release here.
func (s *RedisSaver) Close() error {
	return nil
}

// fetchTuple loads and hydrates one checkpoint. An empty pos.CheckpointID
// resolves to the latest index entry first.
func (s *RedisSaver) fetchTuple(ctx context.Context, pos Position, withWrites bool) (*Tuple, error) {
	id := pos.CheckpointID
	if id == "" {
		latest, err := s.latestID(ctx, pos.ThreadID, pos.Namespace)
		if err != nil {
			return nil, err
		}
		id = latest
	}

	fields, err := s.client.HGetAll(ctx, checkpointKey(s.opts.prefix, pos.ThreadID, pos.Namespace, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	stateType, okType := fields[fieldType]
	stateData, okData := fields[fieldData]
	if !okType || !okData {
		// Either the record never landed (index entry ahead of its
		// record after a partial batch) or it expired independently.
		return nil, ErrNotFound
	}

	state, err := s.opts.serializer.Loads(Payload{Type: stateType, Data: []byte(stateData)})
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	md, err := loadMetadata(s.opts.serializer, Payload{
		Type: fields[fieldMetadataType],
		Data: []byte(fields[fieldMetadataData]),
	})
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s metadata: %w", id, err)
	}

	t := &Tuple{
		Position: Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: id},
		State:    state,
		Metadata: md,
	}
	if parent := fields[fieldParentID]; parent != "" {
		t.Parent = &Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: parent}
	}
	if withWrites {
		writes, err := s.pendingWrites(ctx, pos.ThreadID, pos.Namespace, id)
		if err != nil {
			return nil, err
		}
		t.PendingWrites = writes
	}
	return t, nil
}

// latestID resolves the maximum-timestamp index entry for (thread, ns).
func (s *RedisSaver) latestID(ctx context.Context, threadID, namespace string) (string, error) {
	entries, err := s.client.ZRevRangeWithScores(ctx, indexKey(s.opts.prefix, threadID, namespace), 0, 0).Result()
	if err != nil {
		return "", fmt.Errorf("query index: %w", err)
	}
	if len(entries) == 0 {
		return "", ErrNotFound
	}
	id, _ := entries[0].Member.(string)
	return id, nil
}

// pendingWrites resolves the writes staged against one checkpoint, ordered
// by task id and write index.
func (s *RedisSaver) pendingWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]PendingWrite, error) {
	pattern := writesKeyPattern(s.opts.prefix, threadID, namespace, checkpointID)
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pending writes: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	writes := make([]PendingWrite, 0, len(keys))
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("load pending write: %w", err)
		}
		if len(fields) == 0 {
			// Expired between SCAN and read.
			continue
		}
		value, err := s.opts.serializer.Loads(Payload{Type: fields[fieldType], Data: []byte(fields[fieldData])})
		if err != nil {
			return nil, fmt.Errorf("decode pending write: %w", err)
		}
		writes = append(writes, PendingWrite{
			TaskID:   fields[fieldTaskID],
			WriteIdx: writeIdxFromKey(key),
			Channel:  fields[fieldChannel],
			Value:    value,
		})
	}
	sort.Slice(writes, func(i, j int) bool {
		if writes[i].TaskID != writes[j].TaskID {
			return writes[i].TaskID < writes[j].TaskID
		}
		return writes[i].WriteIdx < writes[j].WriteIdx
	})
	return writes, nil
}

// refresh re-arms the retention window of each key, unless retention is
// disabled.
func (s *RedisSaver) refresh(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.opts.ttl <= 0 {
		return
	}
	for _, key := range keys {
		pipe.Expire(ctx, key, s.opts.ttl)
	}
}

// logger returns the configured logger enriched with the position's thread
// and namespace, or nil when logging is disabled.
func (s *RedisSaver) logger(pos Position) *slog.Logger {
	return observability.EnrichLogger(s.opts.logger, pos.ThreadID, pos.Namespace)
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
