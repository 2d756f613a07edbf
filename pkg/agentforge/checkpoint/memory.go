package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemorySaver is an in-memory saver for tests and local development.
// Data is lost when the process exits.
//
// It reproduces the exact key families and retention semantics of the Redis
// backend over maps, including per-key expiry, so the backend contract tests
// exercise identical behavior.
type MemorySaver struct {
	mu   sync.RWMutex
	opts options

	checkpoints map[string]memCheckpoint       // checkpoint key -> record
	indexes     map[string]map[string]int64    // index key -> checkpoint id -> score (epoch ms)
	writes      map[string]memWrite            // pending-write key -> record
	registry    map[string]map[string]struct{} // registry key -> key set
	expiry      map[string]time.Time           // any key -> deadline

	closed bool
}

type memCheckpoint struct {
	state    Payload
	metadata Payload
	parentID string
}

type memWrite struct {
	taskID  string
	channel string
	value   Payload
}

// Compile-time interface check.
var _ Saver = (*MemorySaver)(nil)

// NewMemorySaver creates a new in-memory saver.
func NewMemorySaver(opts ...Option) *MemorySaver {
	return &MemorySaver{
		opts:        applyOptions(opts),
		checkpoints: make(map[string]memCheckpoint),
		indexes:     make(map[string]map[string]int64),
		writes:      make(map[string]memWrite),
		registry:    make(map[string]map[string]struct{}),
		expiry:      make(map[string]time.Time),
	}
}

// Put implements Saver.
func (m *MemorySaver) Put(_ context.Context, pos Position, checkpointID string, state any, md Metadata) (Position, error) {
	if pos.ThreadID == "" {
		return Position{}, missingField("thread_id")
	}
	if checkpointID == "" {
		return Position{}, missingField("checkpoint_id")
	}

	statePayload, err := m.opts.serializer.Dumps(state)
	if err != nil {
		return Position{}, fmt.Errorf("serialize state: %w", err)
	}
	if md == nil {
		md = DefaultMetadata()
	}
	mdPayload, err := m.opts.serializer.Dumps(map[string]any(md))
	if err != nil {
		return Position{}, fmt.Errorf("serialize metadata: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Position{}, ErrSaverClosed
	}

	now := m.opts.now()
	ckptKey := checkpointKey(m.opts.prefix, pos.ThreadID, pos.Namespace, checkpointID)
	idxKey := indexKey(m.opts.prefix, pos.ThreadID, pos.Namespace)
	regKey := threadKeysKey(m.opts.prefix, pos.ThreadID)

	m.checkpoints[ckptKey] = memCheckpoint{
		state:    statePayload,
		metadata: mdPayload,
		parentID: pos.CheckpointID,
	}
	if m.indexes[idxKey] == nil || !m.alive(idxKey, now) {
		m.indexes[idxKey] = make(map[string]int64)
	}
	m.indexes[idxKey][checkpointID] = now.UnixMilli()
	m.register(regKey, now, ckptKey, idxKey)

	m.touch(now, ckptKey, idxKey, regKey)
	return Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: checkpointID}, nil
}

// GetTuple implements Saver.
func (m *MemorySaver) GetTuple(_ context.Context, pos Position) (*Tuple, error) {
	if pos.ThreadID == "" {
		return nil, ErrNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrSaverClosed
	}
	return m.fetchTuple(pos, true)
}

// List implements Saver.
func (m *MemorySaver) List(_ context.Context, pos Position, opts *ListOptions) *Iterator {
	if pos.ThreadID == "" {
		return emptyIterator()
	}

	var before *Position
	if opts != nil {
		before = opts.Before
	}

	start := func() ([]string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if m.closed {
			return nil, ErrSaverClosed
		}

		now := m.opts.now()
		idxKey := indexKey(m.opts.prefix, pos.ThreadID, pos.Namespace)
		if !m.alive(idxKey, now) {
			return nil, nil
		}
		index := m.indexes[idxKey]

		bounded := false
		var bound int64
		if before != nil && before.CheckpointID != "" {
			if score, ok := index[before.CheckpointID]; ok {
				bounded = true
				bound = score
			}
			// A vanished bound falls back to no upper bound.
		}

		type entry struct {
			id    string
			score int64
		}
		entries := make([]entry, 0, len(index))
		for id, score := range index {
			if bounded && score >= bound {
				continue
			}
			entries = append(entries, entry{id: id, score: score})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].score != entries[j].score {
				return entries[i].score > entries[j].score
			}
			return entries[i].id > entries[j].id
		})

		// The limit counts survivors; the iterator applies it after
		// skips, so candidates are never truncated here.
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.id
		}
		return ids, nil
	}
	fetch := func(id string) (*Tuple, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if m.closed {
			return nil, ErrSaverClosed
		}
		return m.fetchTuple(Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: id}, false)
	}
	return newIterator(opts, start, fetch)
}

// PutWrites implements Saver.
func (m *MemorySaver) PutWrites(_ context.Context, pos Position, taskID string, writes []Write) error {
	if pos.ThreadID == "" {
		return missingField("thread_id")
	}
	if pos.CheckpointID == "" {
		return missingField("checkpoint_id")
	}
	if len(writes) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSaverClosed
	}

	now := m.opts.now()
	regKey := threadKeysKey(m.opts.prefix, pos.ThreadID)
	for i, w := range writes {
		idx := WriteIdx(w.Channel, i)
		key := writesKey(m.opts.prefix, pos.ThreadID, pos.Namespace, pos.CheckpointID, taskID, idx)
		if idx >= 0 {
			if _, ok := m.writes[key]; ok && m.alive(key, now) {
				// Retried step: keep the first write, re-arm its window.
				m.touch(now, key)
				continue
			}
		}
		payload, err := m.opts.serializer.Dumps(w.Value)
		if err != nil {
			return fmt.Errorf("serialize write for channel %s: %w", w.Channel, err)
		}
		m.writes[key] = memWrite{taskID: taskID, channel: w.Channel, value: payload}
		m.register(regKey, now, key)
		m.touch(now, key)
	}
	m.touch(now, regKey)
	return nil
}

// DeleteThread implements Saver.
func (m *MemorySaver) DeleteThread(_ context.Context, threadID string) error {
	if threadID == "" {
		return missingField("thread_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSaverClosed
	}

	now := m.opts.now()
	regKey := threadKeysKey(m.opts.prefix, threadID)
	if m.alive(regKey, now) {
		for key := range m.registry[regKey] {
			delete(m.checkpoints, key)
			delete(m.indexes, key)
			delete(m.writes, key)
			delete(m.expiry, key)
		}
	}
	delete(m.registry, regKey)
	delete(m.expiry, regKey)
	return nil
}

// Close implements Saver.
func (m *MemorySaver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.checkpoints = nil
	m.indexes = nil
	m.writes = nil
	m.registry = nil
	m.expiry = nil
	return nil
}

// Len returns the number of live checkpoint records across all threads.
// Useful for testing.
func (m *MemorySaver) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.opts.now()
	count := 0
	for key := range m.checkpoints {
		if m.alive(key, now) {
			count++
		}
	}
	return count
}

// fetchTuple loads one checkpoint. Callers hold at least the read lock.
func (m *MemorySaver) fetchTuple(pos Position, withWrites bool) (*Tuple, error) {
	now := m.opts.now()
	id := pos.CheckpointID
	if id == "" {
		latest, err := m.latestID(pos.ThreadID, pos.Namespace, now)
		if err != nil {
			return nil, err
		}
		id = latest
	}

	ckptKey := checkpointKey(m.opts.prefix, pos.ThreadID, pos.Namespace, id)
	rec, ok := m.checkpoints[ckptKey]
	if !ok || !m.alive(ckptKey, now) {
		return nil, ErrNotFound
	}

	state, err := m.opts.serializer.Loads(rec.state)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	md, err := loadMetadata(m.opts.serializer, rec.metadata)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s metadata: %w", id, err)
	}

	t := &Tuple{
		Position: Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: id},
		State:    state,
		Metadata: md,
	}
	if rec.parentID != "" {
		t.Parent = &Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: rec.parentID}
	}
	if withWrites {
		writes, err := m.pendingWrites(pos.ThreadID, pos.Namespace, id, now)
		if err != nil {
			return nil, err
		}
		t.PendingWrites = writes
	}
	return t, nil
}

func (m *MemorySaver) latestID(threadID, namespace string, now time.Time) (string, error) {
	idxKey := indexKey(m.opts.prefix, threadID, namespace)
	if !m.alive(idxKey, now) {
		return "", ErrNotFound
	}

	var bestID string
	var bestScore int64
	for id, score := range m.indexes[idxKey] {
		if bestID == "" || score > bestScore || (score == bestScore && id > bestID) {
			bestID = id
			bestScore = score
		}
	}
	if bestID == "" {
		return "", ErrNotFound
	}
	return bestID, nil
}

func (m *MemorySaver) pendingWrites(threadID, namespace, checkpointID string, now time.Time) ([]PendingWrite, error) {
	keyPrefix := strings.TrimSuffix(writesKeyPattern(m.opts.prefix, threadID, namespace, checkpointID), "*")

	var writes []PendingWrite
	for key, rec := range m.writes {
		if !strings.HasPrefix(key, keyPrefix) || !m.alive(key, now) {
			continue
		}
		value, err := m.opts.serializer.Loads(rec.value)
		if err != nil {
			return nil, fmt.Errorf("decode pending write: %w", err)
		}
		writes = append(writes, PendingWrite{
			TaskID:   rec.taskID,
			WriteIdx: writeIdxFromKey(key),
			Channel:  rec.channel,
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

// register adds keys to a thread's registry, resetting it first if it
// expired. Callers hold the write lock.
func (m *MemorySaver) register(regKey string, now time.Time, keys ...string) {
	if m.registry[regKey] == nil || !m.alive(regKey, now) {
		m.registry[regKey] = make(map[string]struct{})
	}
	for _, key := range keys {
		m.registry[regKey][key] = struct{}{}
	}
}

// touch refreshes the retention window of the given keys.
func (m *MemorySaver) touch(now time.Time, keys ...string) {
	if m.opts.ttl <= 0 {
		return
	}
	deadline := now.Add(m.opts.ttl)
	for _, key := range keys {
		m.expiry[key] = deadline
	}
}

// alive reports whether a key's retention window is still open. Keys
// without a recorded deadline never expire.
func (m *MemorySaver) alive(key string, now time.Time) bool {
	deadline, ok := m.expiry[key]
	return !ok || now.Before(deadline)
}
