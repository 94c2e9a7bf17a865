package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-boatsync/conflict"
	"github.com/mobiletoly/go-boatsync/internal/devserver"
	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/offline"
	"github.com/mobiletoly/go-boatsync/remote"
)

// toggleTransport fails every request while the network is down
type toggleTransport struct {
	down atomic.Bool
}

func (tt *toggleTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if tt.down.Load() {
		return nil, errors.New("network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(r)
}

type testEnv struct {
	store   *localstore.Store
	queue   *offline.Queue
	server  *devserver.Server
	net     *toggleTransport
	online  atomic.Bool
	audit   *conflict.AuditLog
	handler *Set
}

func newTestEnv(t *testing.T, opts devserver.Options) *testEnv {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queue, err := offline.NewQueue(store.DB, nil, nil)
	require.NoError(t, err)

	srv := devserver.New(opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})

	env := &testEnv{store: store, queue: queue, server: srv, net: &toggleTransport{}}
	env.online.Store(true)
	client := remote.NewClient(hs.URL, nil, nil)
	client.HTTP.Transport = env.net
	env.audit = conflict.NewAuditLog(nil, nil)

	env.handler = NewSet(&Deps{
		Store:    store,
		Queue:    queue,
		Remote:   client,
		Detector: conflict.NewDetector(conflict.DefaultTolerance),
		Audit:    env.audit,
		Online:   env.online.Load,
	})
	return env
}

func (e *testEnv) h(t model.EntityType) Handler {
	h, _ := e.handler.For(t)
	return h
}

func (e *testEnv) get(t *testing.T, et model.EntityType, id string) model.Entity {
	t.Helper()
	ent, err := e.store.Get(context.Background(), et, id)
	require.NoError(t, err)
	return ent
}

func ts(ms int64) model.Timestamp { return model.FromMillis(ms) }

func TestSetOrderAndRouting(t *testing.T) {
	env := newTestEnv(t, devserver.Options{})
	var order []model.EntityType
	for _, h := range env.handler.Ordered() {
		order = append(order, h.Type())
	}
	require.Equal(t, model.SyncOrder, order)

	h, ok := env.handler.For(model.TypeEvent)
	require.True(t, ok)
	require.Equal(t, model.TypeTemplate, h.Type())
	require.Equal(t, []model.EntityType{model.TypeTemplate, model.TypeEvent}, h.Types())
}

func TestOfflineCreateReconcilesServerID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{})

	boat := &model.Boat{Meta: model.Meta{ID: "local-boat", UpdatedAt: ts(1_000)}, Name: "Aurora"}
	trip := &model.Trip{Meta: model.Meta{ID: "local-trip", UpdatedAt: ts(2_000)}, BoatID: "local-boat", StartedAt: ts(2_000)}
	require.NoError(t, env.store.Put(ctx, boat))
	require.NoError(t, env.store.Put(ctx, trip))
	require.NoError(t, env.store.AddTrackPoints(ctx, model.GPSPoint{TripID: "local-trip", Seq: 1, Latitude: 59.3, Longitude: 18.1, RecordedAt: ts(2_100)}))

	p, err := offline.SnapshotPayload(offline.ChangeCreate, boat)
	require.NoError(t, err)
	_, err = env.queue.Enqueue(ctx, model.TypeBoat, boat.ID, p)
	require.NoError(t, err)

	env.online.Store(false)
	res := env.h(model.TypeBoat).SyncEntity(ctx, model.TypeBoat, boat.ID)
	require.True(t, res.Success)
	require.True(t, res.Deferred)
	require.False(t, env.get(t, model.TypeBoat, boat.ID).Base().Synced)

	env.online.Store(true)
	res = env.h(model.TypeBoat).SyncEntity(ctx, model.TypeBoat, boat.ID)
	require.True(t, res.Success, res.Err())
	require.Equal(t, 1, res.SyncedCount)

	boats := env.server.Entities(model.TypeBoat)
	require.Len(t, boats, 1)
	serverID := boats[0].Base().ID
	require.NotEqual(t, boat.ID, serverID)

	_, err = env.store.Get(ctx, model.TypeBoat, boat.ID)
	require.ErrorIs(t, err, localstore.ErrNotFound)
	local := env.get(t, model.TypeBoat, serverID)
	require.True(t, local.Base().Synced)

	// References follow the new ID before trips are uploaded
	localTrip := env.get(t, model.TypeTrip, trip.ID).(*model.Trip)
	require.Equal(t, serverID, localTrip.BoatID)

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)

	res = env.h(model.TypeTrip).SyncToServer(ctx)
	require.True(t, res.Success, res.Err())
	trips := env.server.Entities(model.TypeTrip)
	require.Len(t, trips, 1)
	require.Equal(t, serverID, trips[0].(*model.Trip).BoatID)
	require.Len(t, env.server.Track(trips[0].Base().ID), 1)

	points, err := env.store.TrackPoints(ctx, trips[0].Base().ID)
	require.NoError(t, err)
	require.Len(t, points, 1)
}

func TestUploadedReferenceFollowsServerID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{})

	require.NoError(t, env.store.Put(ctx, &model.Boat{Meta: model.Meta{ID: "local-boat", UpdatedAt: ts(1_000)}, Name: "Aurora"}))
	require.NoError(t, env.store.Put(ctx, &model.Trip{Meta: model.Meta{ID: "local-trip", UpdatedAt: ts(2_000)}, BoatID: "local-boat", StartedAt: ts(2_000)}))

	// The trip reaches the server first, still pointing at the local boat ID
	res := env.h(model.TypeTrip).SyncEntity(ctx, model.TypeTrip, "local-trip")
	require.True(t, res.Success, res.Err())
	trips := env.server.Entities(model.TypeTrip)
	require.Len(t, trips, 1)
	tripID := trips[0].Base().ID
	require.Equal(t, "local-boat", trips[0].(*model.Trip).BoatID)

	res = env.h(model.TypeBoat).Sync(ctx)
	require.True(t, res.Success, res.Err())
	boats := env.server.Entities(model.TypeBoat)
	require.Len(t, boats, 1)
	boatID := boats[0].Base().ID

	trip := env.get(t, model.TypeTrip, tripID).(*model.Trip)
	require.Equal(t, boatID, trip.BoatID)
	require.False(t, trip.Synced, "rewritten reference must be uploaded again")

	res = env.h(model.TypeTrip).Sync(ctx)
	require.True(t, res.Success, res.Err())

	trip = env.get(t, model.TypeTrip, tripID).(*model.Trip)
	require.Equal(t, boatID, trip.BoatID)
	require.True(t, trip.Synced)
	remoteTrip, ok := env.server.Entity(model.TypeTrip, tripID)
	require.True(t, ok)
	require.Equal(t, boatID, remoteTrip.(*model.Trip).BoatID)
}

func TestBoatMergedByName(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	env.server.Seed(&model.Boat{Meta: model.Meta{ID: "srv-boat", UpdatedAt: ts(1_000)}, Name: "Aurora"})
	require.NoError(t, env.store.Put(ctx, &model.Boat{Meta: model.Meta{ID: "dev-boat", UpdatedAt: ts(5_000)}, Name: "aurora", Kind: "sail"}))

	res := env.h(model.TypeBoat).SyncToServer(ctx)
	require.True(t, res.Success, res.Err())

	require.Len(t, env.server.Entities(model.TypeBoat), 1)
	merged := env.get(t, model.TypeBoat, "srv-boat").(*model.Boat)
	require.True(t, merged.Synced)
	require.Equal(t, "sail", merged.Kind)
	_, err := env.store.Get(ctx, model.TypeBoat, "dev-boat")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestUploadConflictServerNewerWinsOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	env.server.Seed(&model.Note{Meta: model.Meta{ID: "n1", UpdatedAt: ts(30_000)}, Title: "log", Content: "server"})
	require.NoError(t, env.store.Put(ctx, &model.Note{Meta: model.Meta{ID: "n1", UpdatedAt: ts(20_000), Acked: true}, Title: "log", Content: "local"}))

	res := env.h(model.TypeNote).Sync(ctx)
	require.True(t, res.Success, res.Err())
	require.Equal(t, 1, res.ConflictCount)

	local := env.get(t, model.TypeNote, "n1").(*model.Note)
	require.Equal(t, "server", local.Content)
	require.True(t, local.Synced)

	records := env.audit.Recent()
	require.Len(t, records, 1)
	require.Equal(t, conflict.ResolutionServerWins, records[0].Resolution)
	require.Equal(t, "local", records[0].Overwritten)
	require.Equal(t, conflict.KindHTTPConflict, records[0].Kind)
}

func TestPullConflictLocalNewerWins(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	env.server.Seed(&model.Note{Meta: model.Meta{ID: "n1", UpdatedAt: ts(30_000)}, Title: "log", Content: "server"})
	require.NoError(t, env.store.Put(ctx, &model.Note{Meta: model.Meta{ID: "n1", UpdatedAt: ts(40_000), Acked: true}, Title: "log", Content: "local"}))

	res := env.h(model.TypeNote).SyncFromServer(ctx)
	require.True(t, res.Success, res.Err())
	require.Equal(t, 1, res.ConflictCount)

	srv, ok := env.server.Entity(model.TypeNote, "n1")
	require.True(t, ok)
	require.Equal(t, "local", srv.(*model.Note).Content)
	require.True(t, env.get(t, model.TypeNote, "n1").Base().Synced)

	records := env.audit.Recent()
	require.Len(t, records, 1)
	require.Equal(t, conflict.ResolutionLocalWins, records[0].Resolution)
	require.Equal(t, "server", records[0].Overwritten)
}

func TestInteractivePullCollectsConflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	env.server.Seed(&model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: ts(30_000)}, Title: "server"})
	require.NoError(t, env.store.Put(ctx, &model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: ts(10_000), Acked: true}, Title: "local"}))

	h := env.h(model.TypeTodo)
	res := h.Pull(ctx, conflict.Interactive)
	require.True(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "local", env.get(t, model.TypeTodo, "t1").(*model.Todo).Title, "nothing merged before the caller decides")
	require.Empty(t, env.audit.Recent())

	require.NoError(t, h.Resolve(ctx, res.Conflicts[0], true))
	srv, _ := env.server.Entity(model.TypeTodo, "t1")
	require.Equal(t, "local", srv.(*model.Todo).Title)
	require.True(t, env.get(t, model.TypeTodo, "t1").Base().Synced)
	require.Equal(t, conflict.ResolutionKeptLocal, env.audit.Recent()[0].Resolution)
}

func TestSkewInsideToleranceIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	env.server.Seed(&model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: ts(10_500)}, Title: "server"})
	require.NoError(t, env.store.Put(ctx, &model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: ts(10_000), Acked: true}, Title: "local"}))

	res := env.h(model.TypeTodo).SyncFromServer(ctx)
	require.True(t, res.Success)
	require.Zero(t, res.ConflictCount)
	local := env.get(t, model.TypeTodo, "t1").(*model.Todo)
	require.Equal(t, "server", local.Title)
	require.True(t, local.Synced)
}

func TestPendingDeleteWinsOverPull(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	env.server.Seed(&model.MarkedLocation{Meta: model.Meta{ID: "l1", UpdatedAt: ts(1_000)}, Name: "Anchorage"})
	_, err := env.queue.Enqueue(ctx, model.TypeLocation, "l1", offline.DeletePayload{})
	require.NoError(t, err)

	res := env.h(model.TypeLocation).SyncFromServer(ctx)
	require.True(t, res.Success)
	_, err = env.store.Get(ctx, model.TypeLocation, "l1")
	require.ErrorIs(t, err, localstore.ErrNotFound)

	// The next full sync delivers the delete
	res = env.h(model.TypeLocation).Sync(ctx)
	require.True(t, res.Success, res.Err())
	_, ok := env.server.Entity(model.TypeLocation, "l1")
	require.False(t, ok)
}

func TestTombstoneRemovesSyncedCopy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	env.server.Seed(&model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: ts(1_000)}, Title: "a"})
	env.server.Seed(&model.Todo{Meta: model.Meta{ID: "t2", UpdatedAt: ts(1_000)}, Title: "b"})
	res := env.h(model.TypeTodo).SyncFromServer(ctx)
	require.True(t, res.Success)
	require.Equal(t, 2, res.SyncedCount)

	// Another device deletes t1
	require.NoError(t, env.h(model.TypeTodo).Dispatch(ctx, offline.Change{EntityType: model.TypeTodo, EntityID: "t1", ChangeType: offline.ChangeDelete, Payload: offline.DeletePayload{}}))

	res = env.h(model.TypeTodo).SyncFromServer(ctx)
	require.True(t, res.Success)
	_, err := env.store.Get(ctx, model.TypeTodo, "t1")
	require.ErrorIs(t, err, localstore.ErrNotFound)
	require.NotNil(t, env.get(t, model.TypeTodo, "t2"))
}

func TestTransportErrorsAreReportedNotQueued(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{})
	require.NoError(t, env.store.Put(ctx, &model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: ts(1_000)}, Title: "a"}))
	require.NoError(t, env.store.Put(ctx, &model.Todo{Meta: model.Meta{ID: "t2", UpdatedAt: ts(1_000)}, Title: "b"}))

	env.net.down.Store(true)
	res := env.h(model.TypeTodo).Sync(ctx)
	require.False(t, res.Success)
	require.Len(t, res.Errors, 3, "two uploads and the pull fail independently")

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, offline.Stats{}, stats)

	env.net.down.Store(false)
	res = env.h(model.TypeTodo).Sync(ctx)
	require.True(t, res.Success, res.Err())
	require.Len(t, env.server.Entities(model.TypeTodo), 2)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{})
	require.NoError(t, env.store.Put(ctx, &model.Boat{Meta: model.Meta{ID: "b1"}, Name: "Aurora"}))

	tests := []struct {
		name   string
		entity model.Entity
	}{
		{"empty boat name", &model.Boat{Meta: model.Meta{ID: "b2"}, Name: " "}},
		{"duplicate boat name", &model.Boat{Meta: model.Meta{ID: "b2"}, Name: "AURORA"}},
		{"trip on unknown boat", &model.Trip{Meta: model.Meta{ID: "t1"}, BoatID: "nope"}},
		{"empty todo", &model.Todo{Meta: model.Meta{ID: "td"}}},
		{"latitude out of range", &model.MarkedLocation{Meta: model.Meta{ID: "l1"}, Name: "x", Latitude: 91}},
		{"template without boat", &model.MaintenanceTemplate{Meta: model.Meta{ID: "m1"}, Name: "Oil"}},
		{"photo without file", &model.Photo{Meta: model.Meta{ID: "p1"}, AttachedType: model.TypeTrip, AttachedID: "t1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.h(tt.entity.Type()).Validate(ctx, tt.entity)
			require.Error(t, err)
			require.True(t, IsValidation(err), err)
		})
	}

	require.NoError(t, env.h(model.TypeBoat).Validate(ctx, &model.Boat{Meta: model.Meta{ID: "b1"}, Name: "Aurora"}))
	require.NoError(t, env.h(model.TypeTrip).Validate(ctx, &model.Trip{Meta: model.Meta{ID: "t1"}, BoatID: "b1"}))
}

func TestPhotoBlobLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	path := filepath.Join(t.TempDir(), "bow.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o600))
	photo := &model.Photo{Meta: model.Meta{ID: "p1", UpdatedAt: ts(1_000)}, AttachedType: model.TypeTrip, AttachedID: "t1", LocalPath: path}
	require.NoError(t, env.store.Put(ctx, photo))

	res := env.h(model.TypePhoto).SyncToServer(ctx)
	require.True(t, res.Success, res.Err())

	local := env.get(t, model.TypePhoto, "p1").(*model.Photo)
	require.Equal(t, "photos/p1.jpg", local.RemoteKey)
	require.Equal(t, path, local.LocalPath)
	_, ok := env.server.Blob(local.RemoteKey)
	require.True(t, ok)

	p, err := offline.SnapshotPayload(offline.ChangeDelete, local)
	require.NoError(t, err)
	require.NoError(t, env.store.Delete(ctx, model.TypePhoto, "p1"))
	_, err = env.queue.Enqueue(ctx, model.TypePhoto, "p1", p)
	require.NoError(t, err)

	res = env.h(model.TypePhoto).SyncToServer(ctx)
	require.True(t, res.Success, res.Err())
	_, ok = env.server.Blob(local.RemoteKey)
	require.False(t, ok)
	_, ok = env.server.Entity(model.TypePhoto, "p1")
	require.False(t, ok)
}

func TestScheduleChangeDelivered(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	env.server.Seed(&model.MaintenanceTemplate{Meta: model.Meta{ID: "m1", UpdatedAt: ts(1_000)}, BoatID: "b1", Name: "Oil", IntervalDays: 30})
	res := env.h(model.TypeTemplate).SyncFromServer(ctx)
	require.True(t, res.Success, res.Err())

	tpl := env.get(t, model.TypeTemplate, "m1").(*model.MaintenanceTemplate)
	tpl.IntervalDays = 90
	tpl.UpdatedAt = ts(2_000)
	tpl.Synced = false
	require.NoError(t, env.store.Put(ctx, tpl))
	_, err := env.queue.Enqueue(ctx, model.TypeTemplate, "m1", offline.ScheduleChangePayload{IntervalDays: 90})
	require.NoError(t, err)

	res = env.h(model.TypeTemplate).SyncToServer(ctx)
	require.True(t, res.Success, res.Err())
	srv, _ := env.server.Entity(model.TypeTemplate, "m1")
	require.Equal(t, 90, srv.(*model.MaintenanceTemplate).IntervalDays)
	require.True(t, env.get(t, model.TypeTemplate, "m1").Base().Synced)
}

func TestQueuedAndImmediateSyncConverge(t *testing.T) {
	ctx := context.Background()
	immediate := newTestEnv(t, devserver.Options{KeepClientIDs: true})
	queued := newTestEnv(t, devserver.Options{KeepClientIDs: true})

	todo := &model.Todo{Meta: model.Meta{ID: "t1", UpdatedAt: ts(1_000)}, Title: "scrape hull"}

	require.NoError(t, immediate.store.Put(ctx, todo))
	require.True(t, immediate.h(model.TypeTodo).SyncEntity(ctx, model.TypeTodo, "t1").Success)

	require.NoError(t, queued.store.Put(ctx, todo))
	p, err := offline.SnapshotPayload(offline.ChangeCreate, todo)
	require.NoError(t, err)
	_, err = queued.queue.Enqueue(ctx, model.TypeTodo, "t1", p)
	require.NoError(t, err)
	dr, err := queued.queue.Drain(ctx, queued.handler)
	require.NoError(t, err)
	require.Equal(t, 1, dr.Delivered)
	_, err = queued.queue.Cleanup(ctx)
	require.NoError(t, err)

	a := immediate.get(t, model.TypeTodo, "t1")
	b := queued.get(t, model.TypeTodo, "t1")
	same, err := model.SameContent(a, b)
	require.NoError(t, err)
	require.True(t, same)
	require.Equal(t, a.Base().Synced, b.Base().Synced)
	require.Equal(t, a.Base().UpdatedAt.Millis(), b.Base().UpdatedAt.Millis())
}
