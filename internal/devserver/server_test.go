package devserver

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/remote"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func TestCreateAssignsIDAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestServer(t, Options{})
	c := remote.NewClient(ts.URL, nil, nil)

	boat := &model.Boat{Meta: model.Meta{ID: "local-1", UpdatedAt: model.FromMillis(1_000)}, Name: "Aurora"}
	first, err := c.Create(ctx, boat)
	require.NoError(t, err)
	require.NotEqual(t, "local-1", first.Entity.Base().ID)

	again, err := c.Create(ctx, boat)
	require.NoError(t, err)
	require.Equal(t, first.Entity.Base().ID, again.Entity.Base().ID)
	require.Len(t, srv.Entities(model.TypeBoat), 1)

	found, err := c.FindBoatByName(ctx, "aurora")
	require.NoError(t, err)
	require.Equal(t, first.Entity.Base().ID, found.ID)

	_, err = c.FindBoatByName(ctx, "Borealis")
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestUpdateConflictAndForce(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestServer(t, Options{KeepClientIDs: true})
	c := remote.NewClient(ts.URL, nil, nil)

	srv.Seed(&model.Note{Meta: model.Meta{ID: "n1", UpdatedAt: model.FromMillis(10_000)}, Title: "server"})

	stale := &model.Note{Meta: model.Meta{ID: "n1", UpdatedAt: model.FromMillis(5_000)}, Title: "device"}
	_, err := c.Update(ctx, stale, false)
	ce, ok := remote.AsConflict(err)
	require.True(t, ok)
	require.Equal(t, "server", ce.Server.(*model.Note).Title)

	res, err := c.Update(ctx, stale, true)
	require.NoError(t, err)
	require.Equal(t, "device", res.Entity.(*model.Note).Title)
}

func TestIncrementalListIncludesTombstones(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	srv, ts := newTestServer(t, Options{KeepClientIDs: true, Now: func() time.Time { return clock }})
	c := remote.NewClient(ts.URL, nil, nil)

	srv.Seed(&model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: model.FromMillis(1)}, Title: "a"})
	srv.Seed(&model.Todo{Meta: model.Meta{ID: "t2", UpdatedAt: model.FromMillis(1)}, Title: "b"})

	full, err := c.List(ctx, model.TypeTodo, model.Timestamp{})
	require.NoError(t, err)
	require.Len(t, full.Items, 2)

	require.NoError(t, c.Delete(ctx, model.TypeTodo, "t1"))
	require.ErrorIs(t, c.Delete(ctx, model.TypeTodo, "t1"), remote.ErrNotFound)

	delta, err := c.List(ctx, model.TypeTodo, full.ServerTimestamp)
	require.NoError(t, err)
	require.Len(t, delta.Items, 1)
	require.True(t, delta.Items[0].Base().Deleted)

	empty, err := c.List(ctx, model.TypeTodo, delta.ServerTimestamp)
	require.NoError(t, err)
	require.Empty(t, empty.Items)
}

func TestAuthRequired(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestServer(t, Options{JWTSecret: "dev"})

	_, err := remote.NewClient(ts.URL, nil, nil).List(ctx, model.TypeBoat, model.Timestamp{})
	require.ErrorIs(t, err, remote.ErrUnauthorized)

	token, err := srv.JWT().GenerateToken("alice", "phone", time.Hour)
	require.NoError(t, err)
	c := remote.NewClient(ts.URL, func(context.Context) (string, error) { return token, nil }, nil)

	res, err := c.Create(ctx, &model.Boat{Meta: model.Meta{ID: "b1"}, Name: "Aurora"})
	require.NoError(t, err)
	require.Equal(t, "alice", *res.Entity.(*model.Boat).OwnerID)
}

func TestScheduleTrackAndBlobs(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestServer(t, Options{KeepClientIDs: true})
	c := remote.NewClient(ts.URL, nil, nil)

	srv.Seed(&model.MaintenanceTemplate{Meta: model.Meta{ID: "m1", UpdatedAt: model.FromMillis(1)}, BoatID: "b1", Name: "Oil", IntervalDays: 30})
	res, err := c.ApplyScheduleChange(ctx, "m1", remote.ScheduleChange{IntervalDays: 90})
	require.NoError(t, err)
	require.Equal(t, 90, res.Entity.(*model.MaintenanceTemplate).IntervalDays)

	srv.Seed(&model.Trip{Meta: model.Meta{ID: "t1", UpdatedAt: model.FromMillis(1)}, BoatID: "b1"})
	pts := []model.GPSPoint{{Seq: 1, Latitude: 1}, {Seq: 2, Latitude: 2}}
	require.NoError(t, c.AppendTrack(ctx, "t1", pts))
	require.NoError(t, c.AppendTrack(ctx, "t1", pts))
	require.Len(t, srv.Track("t1"), 2)

	path := filepath.Join(t.TempDir(), "sunset.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o600))
	key, err := c.UploadBlob(ctx, "p1", path)
	require.NoError(t, err)
	require.Equal(t, "photos/p1.jpg", key)
	data, ok := srv.Blob(key)
	require.True(t, ok)
	require.Equal(t, "jpeg", string(data))

	require.NoError(t, c.DeleteBlob(ctx, key))
	_, ok = srv.Blob(key)
	require.False(t, ok)
	require.NoError(t, c.DeleteBlob(ctx, key), "missing blobs are not an error")
}
