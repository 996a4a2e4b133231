package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueue_AssignsNewCommand(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cmdID, err := s.Enqueue(ctx, "state.pause", map[string]any{"reason": "test"}, SourceCLI, EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, cmdID)

	got, err := s.NextNew(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cmdID, got.CmdID)
	assert.Equal(t, "state.pause", got.Cmd)
	assert.Equal(t, StatusNew, got.Status)
	assert.Equal(t, "test", got.Args["reason"])
}

func TestEnqueue_DedupeKeyReturnsExistingActiveCommand(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "orders.confirm", map[string]any{"token": "ABC"}, SourceChat, EnqueueOptions{DedupeKey: "confirm:ABC"})
	require.NoError(t, err)

	second, err := s.Enqueue(ctx, "orders.confirm", map[string]any{"token": "ABC"}, SourceChat, EnqueueOptions{DedupeKey: "confirm:ABC"})
	require.NoError(t, err)

	assert.Equal(t, first, second, "duplicate dedupe key while active must return the same command id")
}

func TestEnqueue_DedupeKeyAllowsNewAfterTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "orders.confirm", nil, SourceChat, EnqueueOptions{DedupeKey: "confirm:XYZ"})
	require.NoError(t, err)
	require.NoError(t, s.MarkDone(ctx, first))

	second, err := s.Enqueue(ctx, "orders.confirm", nil, SourceChat, EnqueueOptions{DedupeKey: "confirm:XYZ"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "dedupe key should not block once the prior command reached a terminal state")
}

func TestNextNew_RespectsAvailableAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	_, err := s.Enqueue(ctx, "state.pause", nil, SourceCLI, EnqueueOptions{})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(-time.Hour) })
	got, err := s.NextNew(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "a command not yet available must not be returned")
}

func TestNextNew_OrdersByAvailableThenID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "state.pause", nil, SourceCLI, EnqueueOptions{})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, "state.resume", nil, SourceCLI, EnqueueOptions{})
	require.NoError(t, err)

	got, err := s.NextNew(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, got.CmdID)
	assert.NotEqual(t, second, got.CmdID)
}

func TestMarkDoneAndMarkError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cmdID, err := s.Enqueue(ctx, "stop.now", nil, SourceCLI, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, s.MarkDone(ctx, cmdID))

	got, err := s.NextNew(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "a DONE command must not be returned by NextNew")

	cmdID2, err := s.Enqueue(ctx, "stop.now", nil, SourceCLI, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, s.MarkError(ctx, cmdID2, "ttl_expired"))

	got2, err := s.NextNew(ctx)
	require.NoError(t, err)
	assert.Nil(t, got2, "an ERROR command must not be returned by NextNew")
}

func TestEmitAndTailEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Emit(ctx, LevelInfo, "command.accepted", map[string]any{"i": i})
		require.NoError(t, err)
	}

	events, err := s.TailEvents(ctx, 2, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// newest first
	assert.Equal(t, float64(2), events[0].Fields["i"])
	assert.Equal(t, float64(1), events[1].Fields["i"])
}

func TestTailEvents_SinceID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.Emit(ctx, LevelInfo, "a", nil)
	require.NoError(t, err)
	_, err = s.Emit(ctx, LevelInfo, "b", nil)
	require.NoError(t, err)

	events, err := s.TailEvents(ctx, 10, &id1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Message)
}

func TestSetStateAndGetState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetState(ctx, "mode")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetState(ctx, "mode", "paper"))
	val, ok, err := s.GetState(ctx, "mode")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "paper", val)

	require.NoError(t, s.SetState(ctx, "mode", "live"))
	val, ok, err = s.GetState(ctx, "mode")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "live", val, "last write wins")
}
