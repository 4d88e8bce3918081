package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentrypoint/agent/internal/persistence"
)

func openTestQueue(t *testing.T, limits map[Kind]Limits) *MultiQueue {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := New(ctx, db, limits, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestPushAndRetrieveFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, nil)

	for _, data := range []string{"first", "second", "third"} {
		if ok := q.Push(ctx, Stateless, Message{ModuleName: "logcollector", Data: data}, false); !ok {
			t.Fatalf("push %q failed", data)
		}
	}

	msgs, err := q.RetrieveMultiple(ctx, Stateless, 2, "")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Data != "first" || msgs[1].Data != "second" {
		t.Fatalf("expected FIFO order [first second], got %+v", msgs)
	}
}

func TestPushNonBlockingReturnsFalseWhenFull(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, map[Kind]Limits{Command: {MaxRows: 1, MaxBytes: 1_000_000}})

	require.True(t, q.Push(ctx, Command, Message{ModuleName: "m", Data: "a"}, false))
	require.False(t, q.Push(ctx, Command, Message{ModuleName: "m", Data: "b"}, false))
}

func TestRemoveMultipleUnblocksWaitingPush(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, map[Kind]Limits{Command: {MaxRows: 1, MaxBytes: 1_000_000}})

	require.True(t, q.Push(ctx, Command, Message{ModuleName: "m", Data: "a"}, false))

	done := make(chan bool, 1)
	go func() {
		done <- q.Push(ctx, Command, Message{ModuleName: "m", Data: "b"}, true)
	}()

	time.Sleep(50 * time.Millisecond)
	n, err := q.RemoveMultiple(ctx, Command, 1, "")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked push was not woken after capacity freed")
	}
}

func TestShutdownUnblocksWaitingPush(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, map[Kind]Limits{Stateful: {MaxRows: 1, MaxBytes: 1_000_000}})
	require.True(t, q.Push(ctx, Stateful, Message{ModuleName: "m", Data: "a"}, false))

	done := make(chan bool, 1)
	go func() {
		done <- q.Push(ctx, Stateful, Message{ModuleName: "m", Data: "b"}, true)
	}()

	time.Sleep(50 * time.Millisecond)
	q.Shutdown()

	select {
	case ok := <-done:
		require.False(t, ok, "expected blocked push to return false on shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("blocked push was not woken by Shutdown")
	}
}

func TestIsEmptyAndClear(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, nil)

	empty, err := q.IsEmpty(ctx, Stateless, "")
	require.NoError(t, err)
	require.True(t, empty)

	require.True(t, q.Push(ctx, Stateless, Message{ModuleName: "m", Data: "x"}, false))
	empty, err = q.IsEmpty(ctx, Stateless, "")
	require.NoError(t, err)
	require.False(t, empty)

	require.NoError(t, q.Clear(ctx, []Kind{Stateless}))
	empty, err = q.IsEmpty(ctx, Stateless, "")
	require.NoError(t, err)
	require.True(t, empty)
}

func TestRetrieveBySizeAlwaysIncludesFirstRow(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, nil)

	require.True(t, q.Push(ctx, Stateless, Message{ModuleName: "m", Data: "0123456789"}, false))
	require.True(t, q.Push(ctx, Stateless, Message{ModuleName: "m", Data: "x"}, false))

	msgs, err := q.RetrieveBySize(ctx, Stateless, 1, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "expected the oversized first row alone, not zero rows")
}

func TestRetrieveBySizeIncludesTheCrossingRow(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, nil)

	require.True(t, q.Push(ctx, Stateless, Message{ModuleName: "m", Data: "012345"}, false))
	require.True(t, q.Push(ctx, Stateless, Message{ModuleName: "m", Data: "012345"}, false))
	require.True(t, q.Push(ctx, Stateless, Message{ModuleName: "m", Data: "012345"}, false))

	msgs, err := q.RetrieveBySize(ctx, Stateless, 10, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2, "expected the row that crosses the 10-byte budget to be included")
}

func TestPushBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, nil)

	err := q.PushBatch(ctx, Stateful, []Message{
		{ModuleName: "m", Data: "1"},
		{ModuleName: "m", Data: "2"},
	})
	require.NoError(t, err)

	n, err := q.Size(ctx, Stateful, "")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
