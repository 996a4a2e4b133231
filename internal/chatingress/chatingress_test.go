package chatingress

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlab/ctlplane/internal/bus"
)

type fakeClient struct {
	replies   []string
	callbacks []string
}

func (f *fakeClient) Poll(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	return nil, nil
}
func (f *fakeClient) Reply(ctx context.Context, userID, text string) error {
	f.replies = append(f.replies, text)
	return nil
}
func (f *fakeClient) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.callbacks = append(f.callbacks, text)
	return nil
}

func newTestIngress(t *testing.T, cfg Config) (*Ingress, *bus.Store, *fakeClient) {
	t.Helper()
	b, err := bus.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	client := &fakeClient{}
	ing, err := New(b, client, cfg)
	require.NoError(t, err)
	return ing, b, client
}

func TestHandle_AllowlistedUserEnqueuesLowRisk(t *testing.T) {
	ing, b, _ := newTestIngress(t, Config{Allowlist: []string{"u1"}})
	ctx := context.Background()

	ing.handle(ctx, Update{ID: 1, UserID: "u1", Text: "/pause"})

	cmd, err := b.NextNew(ctx)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "state.pause", cmd.Cmd)
	assert.Equal(t, bus.SourceChat, cmd.Source)
	assert.Equal(t, "chat:u1", cmd.ActorID)
}

func TestHandle_NonAllowlistedUserDenied(t *testing.T) {
	ing, b, _ := newTestIngress(t, Config{Allowlist: []string{"u1"}})
	ctx := context.Background()

	ing.handle(ctx, Update{ID: 1, UserID: "stranger", Text: "/pause"})

	cmd, err := b.NextNew(ctx)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	events, err := b.TailEvents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "auth.denied", events[0].Message)
}

func TestHandle_HighRiskWithoutPinRequiresPin(t *testing.T) {
	ing, b, _ := newTestIngress(t, Config{Allowlist: []string{"u1"}, PIN: "1234"})
	ctx := context.Background()

	ing.handle(ctx, Update{ID: 1, UserID: "u1", Text: "/confirm ABC123"})

	cmd, err := b.NextNew(ctx)
	require.NoError(t, err)
	assert.Nil(t, cmd, "high-risk command without a PIN session must not enqueue")

	events, err := b.TailEvents(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "auth.pin.required", events[0].Message)
}

func TestHandle_HighRiskWithValidPinEnqueues(t *testing.T) {
	ing, b, _ := newTestIngress(t, Config{Allowlist: []string{"u1"}, PIN: "1234"})
	ctx := context.Background()

	ing.handle(ctx, Update{ID: 1, UserID: "u1", Text: "/pin 1234"})
	ing.handle(ctx, Update{ID: 2, UserID: "u1", Text: "/confirm ABC123"})

	cmd, err := b.NextNew(ctx)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "orders.confirm", cmd.Cmd)
	assert.Equal(t, "orders.confirm:ABC123", cmd.DedupeKey)
}

func TestHandle_WrongPinDoesNotStartSession(t *testing.T) {
	ing, _, client := newTestIngress(t, Config{Allowlist: []string{"u1"}, PIN: "1234"})
	ctx := context.Background()

	ing.handle(ctx, Update{ID: 1, UserID: "u1", Text: "/pin 0000"})
	assert.False(t, ing.hasValidPinSession("u1"))
	require.Len(t, client.replies, 1)
	assert.Contains(t, client.replies[0], "incorrect")
}

func TestHandle_RateLimitDropsExcessSilently(t *testing.T) {
	ing, b, _ := newTestIngress(t, Config{Allowlist: []string{"u1"}, RateLimitPerMin: 2})
	ctx := context.Background()

	ing.handle(ctx, Update{ID: 1, UserID: "u1", Text: "/pause"})
	ing.handle(ctx, Update{ID: 2, UserID: "u1", Text: "/pause"})
	ing.handle(ctx, Update{ID: 3, UserID: "u1", Text: "/pause"})

	events, err := b.TailEvents(ctx, 10, nil)
	require.NoError(t, err)
	var rateLimited int
	for _, e := range events {
		if e.Message == "rate.limited" {
			rateLimited++
		}
	}
	assert.Equal(t, 1, rateLimited)
}

func TestParse_CallbackPayload(t *testing.T) {
	ing, _, _ := newTestIngress(t, Config{})
	cmd, args, isPin, ok := ing.parse(Update{CallbackData: "action:orders.confirm|identity:ABC123"})
	assert.True(t, ok)
	assert.False(t, isPin)
	assert.Equal(t, "orders.confirm", cmd)
	assert.Equal(t, "ABC123", args["token"])
}

func TestParse_UnrecognizedTextIgnored(t *testing.T) {
	ing, _, _ := newTestIngress(t, Config{})
	_, _, _, ok := ing.parse(Update{Text: "hello there"})
	assert.False(t, ok)
}

func TestAllowRate_WindowResetsOverTime(t *testing.T) {
	ing, _, _ := newTestIngress(t, Config{RateLimitPerMin: 1})
	base := time.Unix(1_700_000_000, 0)
	ing.now = func() time.Time { return base }

	assert.True(t, ing.allowRate("u1"))
	assert.False(t, ing.allowRate("u1"))

	ing.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, ing.allowRate("u1"))
}
