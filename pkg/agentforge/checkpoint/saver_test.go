package checkpoint_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsquire4/agentforge/pkg/agentforge/checkpoint"
)

// testClock is an injectable wall clock advanced manually between writes so
// index ordering is deterministic.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// saverFactory creates a saver instance wired to the given clock.
type saverFactory func(t *testing.T, clk *testClock) checkpoint.Saver

func pos(thread, ns, id string) checkpoint.Position {
	return checkpoint.Position{ThreadID: thread, Namespace: ns, CheckpointID: id}
}

// saverContractTest runs contract tests against any Saver implementation.
func saverContractTest(t *testing.T, name string, factory saverFactory) {
	ctx := context.Background()

	setup := func(t *testing.T) (checkpoint.Saver, *testClock) {
		clk := newTestClock()
		s := factory(t, clk)
		t.Cleanup(func() { s.Close() })
		return s, clk
	}

	t.Run(name+"/Put_and_GetLatest", func(t *testing.T) {
		s, _ := setup(t)

		state := map[string]any{"messages": []any{"hello"}, "step": float64(1)}
		md := checkpoint.Metadata{"source": checkpoint.SourceInput, "step": float64(0)}
		wrote, err := s.Put(ctx, pos("thread-1", "", ""), "c1", state, md)
		require.NoError(t, err)
		assert.Equal(t, pos("thread-1", "", "c1"), wrote)

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		assert.Equal(t, pos("thread-1", "", "c1"), tup.Position)
		assert.Equal(t, state, tup.State)
		assert.Equal(t, checkpoint.SourceInput, tup.Metadata["source"])
		assert.Nil(t, tup.Parent)
		assert.Empty(t, tup.PendingWrites)
	})

	t.Run(name+"/Get_by_ID", func(t *testing.T) {
		s, clk := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "first", nil)
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = s.Put(ctx, pos("thread-1", "", "c1"), "c2", "second", nil)
		require.NoError(t, err)

		tup, err := s.GetTuple(ctx, pos("thread-1", "", "c1"))
		require.NoError(t, err)
		assert.Equal(t, "first", tup.State)
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		s, _ := setup(t)

		_, err := s.GetTuple(ctx, pos("thread-nonexistent", "", ""))
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		// A missing thread id is absence too, never a validation failure.
		_, err = s.GetTuple(ctx, pos("", "", ""))
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		// Known thread, unknown checkpoint id.
		_, err = s.Put(ctx, pos("thread-1", "", ""), "c1", "x", nil)
		require.NoError(t, err)
		_, err = s.GetTuple(ctx, pos("thread-1", "", "no-such-id"))
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/Put_Validation", func(t *testing.T) {
		s, _ := setup(t)

		var verr *checkpoint.ValidationError
		_, err := s.Put(ctx, pos("", "", ""), "c1", "x", nil)
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "thread_id", verr.Field)

		_, err = s.Put(ctx, pos("thread-1", "", ""), "", "x", nil)
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "checkpoint_id", verr.Field)
	})

	t.Run(name+"/Put_DefaultMetadata", func(t *testing.T) {
		s, _ := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "x", nil)
		require.NoError(t, err)

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		assert.Equal(t, checkpoint.SourceLoop, tup.Metadata["source"])
		assert.Equal(t, float64(-1), tup.Metadata["step"])
	})

	t.Run(name+"/LatestWins", func(t *testing.T) {
		s, clk := setup(t)

		parent := ""
		for _, id := range []string{"c1", "c2", "c3"} {
			_, err := s.Put(ctx, pos("thread-1", "", parent), id, id, nil)
			require.NoError(t, err)
			clk.Advance(time.Second)
			parent = id
		}

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		assert.Equal(t, "c3", tup.Position.CheckpointID)
	})

	t.Run(name+"/LatestWins_SameInstant", func(t *testing.T) {
		s, _ := setup(t)

		// Both land in the same millisecond; the greater id wins the tie,
		// and ids from NewCheckpointID sort by creation order.
		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "first", nil)
		require.NoError(t, err)
		_, err = s.Put(ctx, pos("thread-1", "", "c1"), "c2", "second", nil)
		require.NoError(t, err)

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		assert.Equal(t, "c2", tup.Position.CheckpointID)
	})

	t.Run(name+"/Lineage", func(t *testing.T) {
		s, clk := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "root", nil)
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = s.Put(ctx, pos("thread-1", "", "c1"), "c2", "child", nil)
		require.NoError(t, err)

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		require.NotNil(t, tup.Parent)
		assert.Equal(t, pos("thread-1", "", "c1"), *tup.Parent)

		// The parent pointer is a position, not a record; walking it is a
		// second read.
		parent, err := s.GetTuple(ctx, *tup.Parent)
		require.NoError(t, err)
		assert.Equal(t, "root", parent.State)
		assert.Nil(t, parent.Parent)
	})

	t.Run(name+"/Namespaces_Independent", func(t *testing.T) {
		s, clk := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "outer", nil)
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = s.Put(ctx, pos("thread-1", "child:tool", ""), "c2", "inner", nil)
		require.NoError(t, err)

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		assert.Equal(t, "c1", tup.Position.CheckpointID)

		tup, err = s.GetTuple(ctx, pos("thread-1", "child:tool", ""))
		require.NoError(t, err)
		assert.Equal(t, "c2", tup.Position.CheckpointID)
	})

	t.Run(name+"/List_Ordered", func(t *testing.T) {
		s, clk := setup(t)

		for _, id := range []string{"c1", "c2", "c3"} {
			_, err := s.Put(ctx, pos("thread-1", "", ""), id, id, nil)
			require.NoError(t, err)
			clk.Advance(time.Second)
		}

		tuples, err := s.List(ctx, pos("thread-1", "", ""), nil).Collect()
		require.NoError(t, err)
		require.Len(t, tuples, 3)
		assert.Equal(t, "c3", tuples[0].Position.CheckpointID)
		assert.Equal(t, "c2", tuples[1].Position.CheckpointID)
		assert.Equal(t, "c1", tuples[2].Position.CheckpointID)
	})

	t.Run(name+"/List_Limit", func(t *testing.T) {
		s, clk := setup(t)

		for _, id := range []string{"c1", "c2", "c3"} {
			_, err := s.Put(ctx, pos("thread-1", "", ""), id, id, nil)
			require.NoError(t, err)
			clk.Advance(time.Second)
		}

		tuples, err := s.List(ctx, pos("thread-1", "", ""), &checkpoint.ListOptions{Limit: 2}).Collect()
		require.NoError(t, err)
		require.Len(t, tuples, 2)
		assert.Equal(t, "c3", tuples[0].Position.CheckpointID)
		assert.Equal(t, "c2", tuples[1].Position.CheckpointID)
	})

	t.Run(name+"/List_Before", func(t *testing.T) {
		s, clk := setup(t)

		for _, id := range []string{"c1", "c2", "c3"} {
			_, err := s.Put(ctx, pos("thread-1", "", ""), id, id, nil)
			require.NoError(t, err)
			clk.Advance(time.Second)
		}

		before := pos("thread-1", "", "c2")
		tuples, err := s.List(ctx, pos("thread-1", "", ""), &checkpoint.ListOptions{Before: &before}).Collect()
		require.NoError(t, err)
		require.Len(t, tuples, 1)
		assert.Equal(t, "c1", tuples[0].Position.CheckpointID)
	})

	t.Run(name+"/List_Before_Vanished", func(t *testing.T) {
		s, clk := setup(t)

		for _, id := range []string{"c1", "c2"} {
			_, err := s.Put(ctx, pos("thread-1", "", ""), id, id, nil)
			require.NoError(t, err)
			clk.Advance(time.Second)
		}

		// A bound that no longer exists falls back to the full scan.
		before := pos("thread-1", "", "gone")
		tuples, err := s.List(ctx, pos("thread-1", "", ""), &checkpoint.ListOptions{Before: &before}).Collect()
		require.NoError(t, err)
		assert.Len(t, tuples, 2)
	})

	t.Run(name+"/List_Filter", func(t *testing.T) {
		s, clk := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "a",
			checkpoint.Metadata{"source": checkpoint.SourceInput, "step": 0})
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = s.Put(ctx, pos("thread-1", "", ""), "c2", "b",
			checkpoint.Metadata{"source": checkpoint.SourceLoop, "step": 1})
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = s.Put(ctx, pos("thread-1", "", ""), "c3", "c",
			checkpoint.Metadata{"source": checkpoint.SourceLoop, "step": 2})
		require.NoError(t, err)

		tuples, err := s.List(ctx, pos("thread-1", "", ""), &checkpoint.ListOptions{
			Filter: checkpoint.Metadata{"source": checkpoint.SourceLoop},
		}).Collect()
		require.NoError(t, err)
		require.Len(t, tuples, 2)
		assert.Equal(t, "c3", tuples[0].Position.CheckpointID)
		assert.Equal(t, "c2", tuples[1].Position.CheckpointID)

		// The filter literal is an int; the stored value round-tripped
		// through JSON. They still compare equal.
		tuples, err = s.List(ctx, pos("thread-1", "", ""), &checkpoint.ListOptions{
			Filter: checkpoint.Metadata{"step": 1},
		}).Collect()
		require.NoError(t, err)
		require.Len(t, tuples, 1)
		assert.Equal(t, "c2", tuples[0].Position.CheckpointID)
	})

	t.Run(name+"/List_Filter_AppliesAfterLimit", func(t *testing.T) {
		s, clk := setup(t)

		// Newest two checkpoints do not match; the limit counts survivors,
		// so the scan must reach past them.
		for i, id := range []string{"c1", "c2", "c3", "c4"} {
			source := checkpoint.SourceLoop
			if i >= 2 {
				source = checkpoint.SourceInterrupt
			}
			_, err := s.Put(ctx, pos("thread-1", "", ""), id, id,
				checkpoint.Metadata{"source": source})
			require.NoError(t, err)
			clk.Advance(time.Second)
		}

		tuples, err := s.List(ctx, pos("thread-1", "", ""), &checkpoint.ListOptions{
			Filter: checkpoint.Metadata{"source": checkpoint.SourceLoop},
			Limit:  2,
		}).Collect()
		require.NoError(t, err)
		require.Len(t, tuples, 2)
		assert.Equal(t, "c2", tuples[0].Position.CheckpointID)
		assert.Equal(t, "c1", tuples[1].Position.CheckpointID)
	})

	t.Run(name+"/List_MissingThread", func(t *testing.T) {
		s, _ := setup(t)

		tuples, err := s.List(ctx, pos("", "", ""), nil).Collect()
		require.NoError(t, err)
		assert.Empty(t, tuples)

		tuples, err = s.List(ctx, pos("thread-nonexistent", "", ""), nil).Collect()
		require.NoError(t, err)
		assert.Empty(t, tuples)
	})

	t.Run(name+"/PutWrites_Roundtrip", func(t *testing.T) {
		s, _ := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "x", nil)
		require.NoError(t, err)

		err = s.PutWrites(ctx, pos("thread-1", "", "c1"), "task-1", []checkpoint.Write{
			{Channel: "messages", Value: "tool output"},
			{Channel: "scratch", Value: float64(42)},
		})
		require.NoError(t, err)

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		require.Len(t, tup.PendingWrites, 2)
		assert.Equal(t, checkpoint.PendingWrite{
			TaskID: "task-1", WriteIdx: 0, Channel: "messages", Value: "tool output",
		}, tup.PendingWrites[0])
		assert.Equal(t, checkpoint.PendingWrite{
			TaskID: "task-1", WriteIdx: 1, Channel: "scratch", Value: float64(42),
		}, tup.PendingWrites[1])
	})

	t.Run(name+"/PutWrites_Ordering", func(t *testing.T) {
		s, _ := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "x", nil)
		require.NoError(t, err)

		// Staged out of order across tasks; read back ordered by task id
		// then write index, sentinels first within their task.
		at := pos("thread-1", "", "c1")
		require.NoError(t, s.PutWrites(ctx, at, "task-b", []checkpoint.Write{
			{Channel: "messages", Value: "b0"},
		}))
		require.NoError(t, s.PutWrites(ctx, at, "task-a", []checkpoint.Write{
			{Channel: "messages", Value: "a0"},
			{Channel: checkpoint.ChannelError, Value: "boom"},
			{Channel: "scratch", Value: "a2"},
		}))

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		require.Len(t, tup.PendingWrites, 4)
		assert.Equal(t, []checkpoint.PendingWrite{
			{TaskID: "task-a", WriteIdx: -1, Channel: checkpoint.ChannelError, Value: "boom"},
			{TaskID: "task-a", WriteIdx: 0, Channel: "messages", Value: "a0"},
			{TaskID: "task-a", WriteIdx: 2, Channel: "scratch", Value: "a2"},
			{TaskID: "task-b", WriteIdx: 0, Channel: "messages", Value: "b0"},
		}, tup.PendingWrites)
	})

	t.Run(name+"/PutWrites_Idempotent", func(t *testing.T) {
		s, _ := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "x", nil)
		require.NoError(t, err)

		at := pos("thread-1", "", "c1")
		require.NoError(t, s.PutWrites(ctx, at, "task-1", []checkpoint.Write{
			{Channel: "messages", Value: "first attempt"},
		}))
		// A retried step stages the same (task, index) again; the first
		// value stays.
		require.NoError(t, s.PutWrites(ctx, at, "task-1", []checkpoint.Write{
			{Channel: "messages", Value: "second attempt"},
		}))

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		require.Len(t, tup.PendingWrites, 1)
		assert.Equal(t, "first attempt", tup.PendingWrites[0].Value)
	})

	t.Run(name+"/PutWrites_SentinelOverwrites", func(t *testing.T) {
		s, _ := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "x", nil)
		require.NoError(t, err)

		at := pos("thread-1", "", "c1")
		require.NoError(t, s.PutWrites(ctx, at, "task-1", []checkpoint.Write{
			{Channel: checkpoint.ChannelResume, Value: "old"},
		}))
		require.NoError(t, s.PutWrites(ctx, at, "task-1", []checkpoint.Write{
			{Channel: checkpoint.ChannelResume, Value: "new"},
		}))

		tup, err := s.GetTuple(ctx, pos("thread-1", "", ""))
		require.NoError(t, err)
		require.Len(t, tup.PendingWrites, 1)
		assert.Equal(t, -4, tup.PendingWrites[0].WriteIdx)
		assert.Equal(t, "new", tup.PendingWrites[0].Value)
	})

	t.Run(name+"/PutWrites_Validation", func(t *testing.T) {
		s, _ := setup(t)

		writes := []checkpoint.Write{{Channel: "messages", Value: "x"}}

		var verr *checkpoint.ValidationError
		err := s.PutWrites(ctx, pos("", "", "c1"), "task-1", writes)
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "thread_id", verr.Field)

		err = s.PutWrites(ctx, pos("thread-1", "", ""), "task-1", writes)
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "checkpoint_id", verr.Field)
	})

	t.Run(name+"/DeleteThread", func(t *testing.T) {
		s, clk := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "x", nil)
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = s.Put(ctx, pos("thread-1", "other", ""), "c2", "y", nil)
		require.NoError(t, err)
		require.NoError(t, s.PutWrites(ctx, pos("thread-1", "", "c1"), "task-1",
			[]checkpoint.Write{{Channel: "messages", Value: "w"}}))
		_, err = s.Put(ctx, pos("thread-2", "", ""), "c9", "keep", nil)
		require.NoError(t, err)

		require.NoError(t, s.DeleteThread(ctx, "thread-1"))

		// Every namespace of the thread is gone.
		_, err = s.GetTuple(ctx, pos("thread-1", "", ""))
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
		_, err = s.GetTuple(ctx, pos("thread-1", "other", ""))
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
		tuples, err := s.List(ctx, pos("thread-1", "", ""), nil).Collect()
		require.NoError(t, err)
		assert.Empty(t, tuples)

		// Unrelated thread is untouched.
		tup, err := s.GetTuple(ctx, pos("thread-2", "", ""))
		require.NoError(t, err)
		assert.Equal(t, "keep", tup.State)
	})

	t.Run(name+"/DeleteThread_Nonexistent", func(t *testing.T) {
		s, _ := setup(t)

		assert.NoError(t, s.DeleteThread(ctx, "thread-nonexistent"))

		var verr *checkpoint.ValidationError
		err := s.DeleteThread(ctx, "")
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "thread_id", verr.Field)
	})

	t.Run(name+"/DeleteThread_FreshHistory", func(t *testing.T) {
		s, clk := setup(t)

		_, err := s.Put(ctx, pos("thread-1", "", ""), "c1", "old", nil)
		require.NoError(t, err)
		require.NoError(t, s.DeleteThread(ctx, "thread-1"))
		clk.Advance(time.Second)

		// Reusing the thread id starts a clean lineage.
		_, err = s.Put(ctx, pos("thread-1", "", ""), "c2", "new", nil)
		require.NoError(t, err)

		tuples, err := s.List(ctx, pos("thread-1", "", ""), nil).Collect()
		require.NoError(t, err)
		require.Len(t, tuples, 1)
		assert.Equal(t, "c2", tuples[0].Position.CheckpointID)
	})

	t.Run(name+"/ConversationTurn", func(t *testing.T) {
		s, clk := setup(t)

		// One agent turn: commit the input checkpoint, stage the step's
		// writes, commit the child, resume from the latest.
		at := pos("thread-1", "", "")
		wrote, err := s.Put(ctx, at, "c1",
			map[string]any{"messages": []any{"user: hi"}},
			checkpoint.Metadata{"source": checkpoint.SourceInput, "step": -1})
		require.NoError(t, err)

		require.NoError(t, s.PutWrites(ctx, wrote, "task-llm", []checkpoint.Write{
			{Channel: "messages", Value: "assistant: hello"},
		}))

		clk.Advance(time.Second)
		_, err = s.Put(ctx, wrote, "c2",
			map[string]any{"messages": []any{"user: hi", "assistant: hello"}},
			checkpoint.Metadata{"source": checkpoint.SourceLoop, "step": 0})
		require.NoError(t, err)

		latest, err := s.GetTuple(ctx, at)
		require.NoError(t, err)
		assert.Equal(t, "c2", latest.Position.CheckpointID)
		require.NotNil(t, latest.Parent)
		assert.Equal(t, "c1", latest.Parent.CheckpointID)
		assert.Empty(t, latest.PendingWrites)

		// The staged writes belong to the superseded checkpoint.
		parent, err := s.GetTuple(ctx, *latest.Parent)
		require.NoError(t, err)
		require.Len(t, parent.PendingWrites, 1)
		assert.Equal(t, "assistant: hello", parent.PendingWrites[0].Value)

		history, err := s.List(ctx, at, nil).Collect()
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "c2", history[0].Position.CheckpointID)
		assert.Equal(t, "c1", history[1].Position.CheckpointID)
	})
}

// TestMemorySaver runs contract tests against MemorySaver.
func TestMemorySaver(t *testing.T) {
	factory := func(t *testing.T, clk *testClock) checkpoint.Saver {
		return checkpoint.NewMemorySaver(checkpoint.WithClock(clk.Now))
	}
	saverContractTest(t, "MemorySaver", factory)
}

// TestSQLiteSaver runs contract tests against SQLiteSaver.
func TestSQLiteSaver(t *testing.T) {
	factory := func(t *testing.T, clk *testClock) checkpoint.Saver {
		s, err := checkpoint.NewSQLiteSaver(":memory:", checkpoint.WithClock(clk.Now))
		require.NoError(t, err)
		return s
	}
	saverContractTest(t, "SQLiteSaver", factory)
}

// TestRedisSaver runs contract tests against RedisSaver on an in-process
// Redis.
func TestRedisSaver(t *testing.T) {
	factory := func(t *testing.T, clk *testClock) checkpoint.Saver {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return checkpoint.NewRedisSaver(client, checkpoint.WithClock(clk.Now))
	}
	saverContractTest(t, "RedisSaver", factory)
}
