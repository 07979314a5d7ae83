package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *EscalationQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewEscalationQueueWithClient(client)
}

func TestActionKeyRoundTrip(t *testing.T) {
	a := Action{Tenant: "t1", CleaningID: "c-42", Label: LabelBackupInvite, OffsetMinutes: 45}
	parsed, err := ParseAction(a.Key())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestParseActionRejectsMalformed(t *testing.T) {
	_, err := ParseAction("only|three|parts")
	assert.Error(t, err)
	_, err = ParseAction("t|c|label|notanumber")
	assert.Error(t, err)
}

func TestPopDueClaimsOnlyDueActions(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	due := Action{Tenant: "t1", CleaningID: "c1", Label: LabelReminder, OffsetMinutes: 10}
	future := Action{Tenant: "t1", CleaningID: "c1", Label: LabelFinalEscalation, OffsetMinutes: 60}
	require.NoError(t, q.Schedule(ctx, due, now.Add(-time.Minute)))
	require.NoError(t, q.Schedule(ctx, future, now.Add(time.Hour)))

	claimed, err := q.PopDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due, claimed[0])

	// A second pop gets nothing; the due action is gone.
	claimed, err = q.PopDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	depth, err := q.PendingDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestCancelCleaningRemovesPendingActions(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	for _, label := range []string{LabelReminder, LabelBackupInvite, LabelFinalEscalation} {
		a := Action{Tenant: "t1", CleaningID: "c1", Label: label, OffsetMinutes: 30}
		require.NoError(t, q.Schedule(ctx, a, now.Add(time.Hour)))
	}
	other := Action{Tenant: "t1", CleaningID: "c2", Label: LabelReminder, OffsetMinutes: 30}
	require.NoError(t, q.Schedule(ctx, other, now.Add(time.Hour)))

	removed, err := q.CancelCleaning(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	depth, err := q.PendingDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	pending, err := q.PendingForCleaning(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancelCleaningNothingScheduledIsNoop(t *testing.T) {
	q := newTestQueue(t)
	removed, err := q.CancelCleaning(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestScheduleSameKeyCollapses(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	a := Action{Tenant: "t1", CleaningID: "c1", Label: LabelReminder, OffsetMinutes: 10}
	require.NoError(t, q.Schedule(ctx, a, now.Add(time.Hour)))
	require.NoError(t, q.Schedule(ctx, a, now.Add(2*time.Hour)))

	depth, err := q.PendingDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
