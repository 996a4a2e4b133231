package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlab/ctlplane/internal/approval"
	"github.com/marketlab/ctlplane/internal/breaker"
	"github.com/marketlab/ctlplane/internal/bus"
	"github.com/marketlab/ctlplane/internal/orders"
)

func newTestWorker(t *testing.T) (*Worker, *bus.Store, *orders.Store) {
	t.Helper()
	b, err := bus.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	o, err := orders.Open(filepath.Join(t.TempDir(), "orders.json"))
	require.NoError(t, err)

	ledger := approval.New(b)
	w := New(b, o, ledger, Config{Breaker: breaker.Config{Threshold: 5, Window: 60 * time.Second}})
	return w, b, o
}

func TestScenarioS1_PauseResumeRoundTrip(t *testing.T) {
	w, b, _ := newTestWorker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "state.pause", nil, bus.SourceCLI, bus.EnqueueOptions{})
	require.NoError(t, err)
	processed, err := w.DrainOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	state, ok, err := b.GetState(ctx, "state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PAUSED", state)

	events, err := b.TailEvents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "state.changed", events[0].Message)
	assert.Equal(t, "PAUSED", events[0].Fields["state"])

	_, err = b.Enqueue(ctx, "state.resume", nil, bus.SourceCLI, bus.EnqueueOptions{})
	require.NoError(t, err)
	_, err = w.DrainOne(ctx)
	require.NoError(t, err)

	state, _, err = b.GetState(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "RUN", state)
}

func TestScenarioS2_DualControlConfirm(t *testing.T) {
	w, b, o := newTestWorker(t)
	ctx := context.Background()

	tk := orders.NewTicket("BTCUSD", orders.SideBuy, 1, orders.TypeMarket)
	tk.Token = "ABC123"
	o.Put(tk)

	_, err := b.Enqueue(ctx, "orders.confirm", map[string]any{"token": "ABC123"}, bus.SourceCLI, bus.EnqueueOptions{ActorID: "cli:1"})
	require.NoError(t, err)
	_, err = w.DrainOne(ctx)
	require.NoError(t, err)

	events, err := b.TailEvents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "orders.confirm.pending", events[0].Message)
	assert.Equal(t, orders.StatePending, o.Get("ABC123").State)

	_, err = b.Enqueue(ctx, "orders.confirm", map[string]any{"token": "ABC123"}, bus.SourceChat, bus.EnqueueOptions{ActorID: "chat:42"})
	require.NoError(t, err)
	_, err = w.DrainOne(ctx)
	require.NoError(t, err)

	events, err = b.TailEvents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "orders.confirm.ok", events[0].Message)
	assert.Equal(t, orders.StateConfirmed, o.Get("ABC123").State)
}

func TestScenarioS3_DuplicateSourceUnderStrict(t *testing.T) {
	w, b, o := newTestWorker(t)
	w.cfg.DualControlStrict = true
	ctx := context.Background()

	tk := orders.NewTicket("BTCUSD", orders.SideBuy, 1, orders.TypeMarket)
	tk.Token = "ABC123"
	o.Put(tk)

	_, err := b.Enqueue(ctx, "orders.confirm", map[string]any{"token": "ABC123"}, bus.SourceCLI, bus.EnqueueOptions{ActorID: "cli:1"})
	require.NoError(t, err)
	_, err = w.DrainOne(ctx)
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, "orders.confirm", map[string]any{"token": "ABC123"}, bus.SourceCLI, bus.EnqueueOptions{ActorID: "cli:2"})
	require.NoError(t, err)
	_, err = w.DrainOne(ctx)
	require.NoError(t, err)

	events, err := b.TailEvents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "approval.duplicate_source", events[0].Message)
	assert.Equal(t, orders.StatePending, o.Get("ABC123").State)
}

func TestScenarioS5_KillSwitch(t *testing.T) {
	w, b, o := newTestWorker(t)
	ctx := context.Background()

	tokens := []string{}
	for i := 0; i < 3; i++ {
		tk := orders.NewTicket("BTCUSD", orders.SideBuy, 1, orders.TypeMarket)
		o.Put(tk)
		tokens = append(tokens, tk.Token)
	}

	_, err := b.Enqueue(ctx, "stop.now", nil, bus.SourceCLI, bus.EnqueueOptions{})
	require.NoError(t, err)
	_, err = w.DrainOne(ctx)
	require.NoError(t, err)

	state, _, err := b.GetState(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "PAUSED", state)

	breakerState, _, err := b.GetState(ctx, "breaker_state")
	require.NoError(t, err)
	assert.Equal(t, "killswitch", breakerState)

	for _, tok := range tokens {
		assert.Equal(t, orders.StateCanceled, o.Get(tok).State)
	}
}

func TestScenarioS6_BreakerTripAndReset(t *testing.T) {
	b, err := bus.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	defer b.Close()
	o, err := orders.Open(filepath.Join(t.TempDir(), "orders.json"))
	require.NoError(t, err)
	ledger := approval.New(b)
	w := New(b, o, ledger, Config{Breaker: breaker.Config{Threshold: 5, Window: 10 * time.Second}})

	handlers["test.explode"] = func(w *Worker, ctx context.Context, cmd *bus.Command) error {
		return assertErr
	}
	defer delete(handlers, "test.explode")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Enqueue(ctx, "test.explode", nil, bus.SourceTest, bus.EnqueueOptions{})
		require.NoError(t, err)
	}
	_, err = b.Enqueue(ctx, "test.explode", nil, bus.SourceTest, bus.EnqueueOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		processed, err := w.DrainOne(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
	}

	assert.True(t, w.Breaker().IsTripped())

	processed, err := w.DrainOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "6th command must stay NEW while breaker is tripped")

	_, err = b.Enqueue(ctx, "state.resume", nil, bus.SourceCLI, bus.EnqueueOptions{})
	require.NoError(t, err)
	_, err = w.DrainOne(ctx) // picks up state.resume even though tripped
	require.NoError(t, err)
	assert.False(t, w.Breaker().IsTripped())

	processed, err = w.DrainOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed, "the 6th exploding command resumes processing once the breaker resets")
}

var assertErr = &testError{}

type testError struct{}

func (e *testError) Error() string { return "boom" }

func TestTTLExpiry_MarksErrorWithoutRunningHandler(t *testing.T) {
	w, b, _ := newTestWorker(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0).UTC()
	b.SetClock(func() time.Time { return base })

	ttl := 0
	_, err := b.Enqueue(ctx, "state.pause", nil, bus.SourceCLI, bus.EnqueueOptions{TTLSec: &ttl})
	require.NoError(t, err)

	b.SetClock(func() time.Time { return base.Add(time.Second) })

	processed, err := w.DrainOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	_, ok, err := b.GetState(ctx, "state")
	require.NoError(t, err)
	assert.False(t, ok, "ttl-expired command must never reach the handler")

	events, err := b.TailEvents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "command.ttl.expired", events[0].Message)
}

func TestUnknownCommand_RejectedAsPolicyDenied(t *testing.T) {
	w, b, _ := newTestWorker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "totally.unknown", nil, bus.SourceCLI, bus.EnqueueOptions{})
	require.NoError(t, err)
	_, err = w.DrainOne(ctx)
	require.NoError(t, err)

	events, err := b.TailEvents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "command.rejected", events[0].Message)
	assert.Equal(t, "unknown_command", events[0].Fields["reason"])
	assert.False(t, w.Breaker().IsTripped(), "policy rejections must never trip the breaker")
}

func TestOrdersConfirm_UnknownTokenDoesNotCreateApproval(t *testing.T) {
	w, b, _ := newTestWorker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "orders.confirm", map[string]any{"token": "NOPE"}, bus.SourceCLI, bus.EnqueueOptions{})
	require.NoError(t, err)
	_, err = w.DrainOne(ctx)
	require.NoError(t, err)

	events, err := b.TailEvents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "orders.confirm.unknown", events[0].Message)

	row := b.DB().QueryRow(`SELECT COUNT(*) FROM approvals WHERE identity = ?`, "NOPE")
	var count int
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}
