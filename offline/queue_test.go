package offline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/model"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := NewQueue(store.DB, nil, nil)
	require.NoError(t, err)
	return q
}

func boatPayload(t *testing.T, ct ChangeType, name string) Payload {
	t.Helper()
	p, err := SnapshotPayload(ct, &model.Boat{Meta: model.Meta{ID: "b1"}, Name: name})
	require.NoError(t, err)
	return p
}

func TestPayloadRoundTripByDiscriminant(t *testing.T) {
	next := model.FromMillis(1_700_000_000_000)
	in := ScheduleChangePayload{IntervalDays: 30, NextDueAt: &next}
	encoded, err := EncodePayload(in)
	require.NoError(t, err)

	out, err := DecodePayload(ChangeSchedule, encoded)
	require.NoError(t, err)
	sc, ok := out.(ScheduleChangePayload)
	require.True(t, ok)
	require.Equal(t, 30, sc.IntervalDays)
	require.True(t, sc.NextDueAt.Equal(next.Time))

	_, err = DecodePayload("rename", encoded)
	require.ErrorIs(t, err, ErrUnknownChangeType)
}

func TestEnqueueOncePerMutationType(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, model.TypeBoat, "b1", boatPayload(t, ChangeUpdate, "A"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.TypeBoat, "b1", boatPayload(t, ChangeUpdate, "B"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.TypeBoat, "b1", InformationChangePayload{Fields: map[string]any{"name": "C"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.TypeBoat, "b1", InformationChangePayload{Fields: map[string]any{"kind": "sail"}})
	require.NoError(t, err)

	changes, err := q.ForEntity(ctx, model.TypeBoat, "b1")
	require.NoError(t, err)
	require.Len(t, changes, 2)

	byType := map[ChangeType]Change{}
	for _, c := range changes {
		byType[c.ChangeType] = c
	}
	upd := byType[ChangeUpdate].Payload.(UpdatePayload)
	require.Contains(t, string(upd.Entity), `"name":"B"`)
	info := byType[ChangeInformation].Payload.(InformationChangePayload)
	require.Equal(t, map[string]any{"name": "C", "kind": "sail"}, info.Fields)
}

func TestDeleteAfterPendingCreateCollapses(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, model.TypeBoat, "b1", boatPayload(t, ChangeCreate, "A"))
	require.NoError(t, err)
	c, err := q.Enqueue(ctx, model.TypeBoat, "b1", boatPayload(t, ChangeUpdate, "B"))
	require.NoError(t, err)
	require.Equal(t, ChangeCreate, c.ChangeType, "update folds into the pending create")

	c, err = q.Enqueue(ctx, model.TypeBoat, "b1", DeletePayload{})
	require.NoError(t, err)
	require.Nil(t, c)

	changes, err := q.ForEntity(ctx, model.TypeBoat, "b1")
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestDeleteSupersedesPendingUpdates(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, model.TypeBoat, "b1", boatPayload(t, ChangeUpdate, "A"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.TypeBoat, "b1", DeletePayload{})
	require.NoError(t, err)

	changes, err := q.ForEntity(ctx, model.TypeBoat, "b1")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, ChangeDelete, changes[0].ChangeType)

	pending, err := q.HasPendingDelete(ctx, model.TypeBoat, "b1")
	require.NoError(t, err)
	require.True(t, pending)
}

func TestDrainMarksAttemptsAndFails(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, model.TypeBoat, "b1", boatPayload(t, ChangeUpdate, "A"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.TypeBoat, "b1", InformationChangePayload{Fields: map[string]any{"name": "B"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.TypeTodo, "t1", DeletePayload{})
	require.NoError(t, err)

	boom := errors.New("connection refused")
	var dispatched []ChangeType
	d := DispatcherFunc(func(ctx context.Context, c Change) error {
		dispatched = append(dispatched, c.ChangeType)
		if c.EntityType == model.TypeBoat {
			return boom
		}
		return nil
	})

	for attempt := 1; attempt <= q.MaxAttempts(); attempt++ {
		res, err := q.Drain(ctx, d)
		require.NoError(t, err)
		require.Equal(t, 1, res.Failed)
		require.Equal(t, 1, res.Skipped, "later changes of a failing entity wait their turn")
		require.ErrorIs(t, res.Errors[0], boom)
	}
	require.Equal(t, ChangeDelete, dispatched[1])

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, q.MaxAttempts(), failed[0].SyncAttempts)
	require.Equal(t, "connection refused", failed[0].LastError)

	// Failed records are retained and no longer drained
	res, err := q.Drain(ctx, d)
	require.NoError(t, err)
	require.Equal(t, 0, res.Failed)
	require.Equal(t, 1, res.Delivered, "the information change behind the failed update goes out")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 0, Failed: 1, Synced: 2}, stats)

	require.NoError(t, q.Retry(ctx, failed[0].ID))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestCleanupHonorsRetention(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	old, err := q.Enqueue(ctx, model.TypeNote, "n1", DeletePayload{})
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, old.ID))

	now = now.Add(6 * 24 * time.Hour)
	recent, err := q.Enqueue(ctx, model.TypeNote, "n2", DeletePayload{})
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, recent.ID))
	_, err = q.Enqueue(ctx, model.TypeNote, "n3", DeletePayload{})
	require.NoError(t, err)

	now = now.Add(2 * 24 * time.Hour)
	n, err := q.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Synced: 1}, stats)
}

func TestMarkEntityDelivered(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, model.TypeTemplate, "m1", boatPayload(t, ChangeUpdate, "x"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.TypeTemplate, "m1", InformationChangePayload{Fields: map[string]any{"name": "y"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.TypeTemplate, "m1", ScheduleChangePayload{IntervalDays: 90})
	require.NoError(t, err)

	require.NoError(t, q.MarkEntityDelivered(ctx, model.TypeTemplate, "m1"))
	changes, err := q.ForEntity(ctx, model.TypeTemplate, "m1")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, ChangeSchedule, changes[0].ChangeType)

	pending, err := q.PendingOf(ctx, model.TypeBoat)
	require.NoError(t, err)
	require.Empty(t, pending)
	pending, err = q.PendingOf(ctx, model.TypeBoat, model.TypeTemplate)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
