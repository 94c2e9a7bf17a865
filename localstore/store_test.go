package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-boatsync/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "local.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr(s string) *string { return &s }

func TestInitializeDatabase(t *testing.T) {
	s := newTestStore(t)

	expectedTables := []string{"entities", "gps_points", "_sync_state", "_settings"}
	for _, table := range expectedTables {
		var count int
		err := s.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	// Re-running the schema setup is harmless
	require.NoError(t, initializeDatabase(s.DB))
}

func TestPutGetListUnsynced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boat := &model.Boat{Meta: model.Meta{ID: "b1", UpdatedAt: model.FromMillis(1000)}, Name: "Aurora", OwnerID: ptr("alice")}
	require.NoError(t, s.Put(ctx, boat))
	synced := &model.Boat{Meta: model.Meta{ID: "b2", UpdatedAt: model.FromMillis(2000), Synced: true, Acked: true}, Name: "Borealis"}
	require.NoError(t, s.Put(ctx, synced))

	got, err := s.Get(ctx, model.TypeBoat, "b1")
	require.NoError(t, err)
	gb := got.(*model.Boat)
	require.Equal(t, "Aurora", gb.Name)
	require.Equal(t, "alice", *gb.OwnerID)
	require.False(t, gb.Synced)
	require.Equal(t, int64(1000), gb.UpdatedAt.Millis())

	all, err := s.List(ctx, model.TypeBoat)
	require.NoError(t, err)
	require.Len(t, all, 2)

	unsynced, err := s.ListUnsynced(ctx, model.TypeBoat)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	require.Equal(t, "b1", unsynced[0].Base().ID)

	_, err = s.Get(ctx, model.TypeBoat, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, model.TypeBoat, "b1"))
	require.NoError(t, s.Delete(ctx, model.TypeBoat, "b1"))
	n, err := s.Count(ctx, model.TypeBoat)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPhotoLocalStatePersisted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	photo := &model.Photo{Meta: model.Meta{ID: "p1", UpdatedAt: model.Now()}, AttachedType: model.TypeTrip, AttachedID: "t1", LocalPath: "/data/p1.jpg"}
	require.NoError(t, s.Put(ctx, photo))

	got, err := s.Get(ctx, model.TypePhoto, "p1")
	require.NoError(t, err)
	require.Equal(t, "/data/p1.jpg", got.(*model.Photo).LocalPath)
}

func TestMarkSyncedGuardsConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	uploaded := model.FromMillis(5000)
	require.NoError(t, s.Put(ctx, &model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: uploaded}, Title: "Oil"}))

	ok, err := s.MarkSynced(ctx, model.TypeTodo, "t1", uploaded, model.FromMillis(5100))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, model.TypeTodo, "t1")
	require.NoError(t, err)
	require.True(t, got.Base().Synced)
	require.True(t, got.Base().Acked)
	require.Equal(t, int64(5100), got.Base().UpdatedAt.Millis())

	// Local edit during the round trip: the row must stay unsynced
	require.NoError(t, s.Put(ctx, &model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: model.FromMillis(7000), Acked: true}, Title: "Oil + filter"}))
	ok, err = s.MarkSynced(ctx, model.TypeTodo, "t1", model.FromMillis(6000), model.FromMillis(6100))
	require.NoError(t, err)
	require.False(t, ok)

	got, err = s.Get(ctx, model.TypeTodo, "t1")
	require.NoError(t, err)
	require.False(t, got.Base().Synced)
}

func TestReplaceIDCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, &model.Boat{Meta: model.Meta{ID: "local-boat", UpdatedAt: model.FromMillis(1)}, Name: "Aurora"}))
	require.NoError(t, s.Put(ctx, &model.Trip{Meta: model.Meta{ID: "local-trip", UpdatedAt: model.FromMillis(2), Synced: true}, BoatID: "local-boat"}))
	require.NoError(t, s.Put(ctx, &model.Note{Meta: model.Meta{ID: "n1", UpdatedAt: model.FromMillis(3)}, BoatID: ptr("local-boat"), TripID: ptr("local-trip"), Title: "log"}))
	require.NoError(t, s.Put(ctx, &model.Photo{Meta: model.Meta{ID: "p1", UpdatedAt: model.FromMillis(4)}, AttachedType: model.TypeTrip, AttachedID: "local-trip"}))
	require.NoError(t, s.Put(ctx, &model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: model.FromMillis(5), Synced: true, Acked: true}, BoatID: ptr("local-boat"), Title: "oil"}))
	require.NoError(t, s.AddTrackPoints(ctx,
		model.GPSPoint{TripID: "local-trip", Seq: 1, Latitude: 1, Longitude: 2, RecordedAt: model.FromMillis(10)},
		model.GPSPoint{TripID: "local-trip", Seq: 2, Latitude: 3, Longitude: 4, RecordedAt: model.FromMillis(20)},
	))

	require.NoError(t, s.ReplaceID(ctx, model.TypeBoat, "local-boat", "srv-boat"))
	require.NoError(t, s.ReplaceID(ctx, model.TypeTrip, "local-trip", "srv-trip"))

	_, err := s.Get(ctx, model.TypeBoat, "local-boat")
	require.ErrorIs(t, err, ErrNotFound)
	boat, err := s.Get(ctx, model.TypeBoat, "srv-boat")
	require.NoError(t, err)
	require.Equal(t, "Aurora", boat.(*model.Boat).Name)

	trip, err := s.Get(ctx, model.TypeTrip, "srv-trip")
	require.NoError(t, err)
	require.Equal(t, "srv-boat", trip.(*model.Trip).BoatID)
	require.True(t, trip.Base().Synced, "rows the server never saw keep their sync flags")

	todo, err := s.Get(ctx, model.TypeTodo, "t1")
	require.NoError(t, err)
	require.Equal(t, "srv-boat", *todo.(*model.Todo).BoatID)
	require.False(t, todo.Base().Synced, "acked rows go back to the upload set")
	require.True(t, todo.Base().Acked)

	note, err := s.Get(ctx, model.TypeNote, "n1")
	require.NoError(t, err)
	require.Equal(t, "srv-boat", *note.(*model.Note).BoatID)
	require.Equal(t, "srv-trip", *note.(*model.Note).TripID)

	photo, err := s.Get(ctx, model.TypePhoto, "p1")
	require.NoError(t, err)
	require.Equal(t, "srv-trip", photo.(*model.Photo).AttachedID)

	points, err := s.TrackPoints(ctx, "srv-trip")
	require.NoError(t, err)
	require.Len(t, points, 2)
	points, err = s.TrackPoints(ctx, "local-trip")
	require.NoError(t, err)
	require.Empty(t, points)

	require.ErrorIs(t, s.ReplaceID(ctx, model.TypeBoat, "nope", "other"), ErrNotFound)
}

func TestPullCursorAndSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ts, err := s.LastPull(ctx, model.TypeTrip)
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	require.NoError(t, s.SetLastPull(ctx, model.TypeTrip, model.FromMillis(5000)))
	require.NoError(t, s.SetLastPull(ctx, model.TypeTrip, model.FromMillis(4000)))
	ts, err = s.LastPull(ctx, model.TypeTrip)
	require.NoError(t, err)
	require.Equal(t, int64(5000), ts.Millis())

	require.NoError(t, s.ResetPulls(ctx))
	ts, err = s.LastPull(ctx, model.TypeTrip)
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	_, ok, err := s.Setting(ctx, "mode")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.SetSetting(ctx, "mode", "server"))
	require.NoError(t, s.SetSetting(ctx, "mode", "standalone"))
	v, ok, err := s.Setting(ctx, "mode")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "standalone", v)
	require.NoError(t, s.DeleteSetting(ctx, "mode"))
	_, ok, err = s.Setting(ctx, "mode")
	require.NoError(t, err)
	require.False(t, ok)
}
