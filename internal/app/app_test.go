package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-boatsync/config"
	"github.com/mobiletoly/go-boatsync/internal/auth"
	"github.com/mobiletoly/go-boatsync/internal/devserver"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/orchestrator"
	"github.com/mobiletoly/go-boatsync/partition"
)

const testSecret = "test-secret"

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.ServerURL = serverURL
	cfg.DatabasePath = filepath.Join(dir, "boatsync.db")
	cfg.Audit.Path = filepath.Join(dir, "conflicts.log")
	cfg.Sync.ProbeInterval = 50 * time.Millisecond
	return cfg
}

func startServer(t *testing.T) (*devserver.Server, string) {
	t.Helper()
	srv := devserver.New(devserver.Options{JWTSecret: testSecret})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, hs.URL
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.NewJWTAuth(testSecret).GenerateToken(userID, "device-1", time.Hour)
	require.NoError(t, err)
	return tok
}

func TestNewWiresComponents(t *testing.T) {
	a := newApp(t, testConfig(t, "http://127.0.0.1:1"))

	require.False(t, a.Network.Online(), "offline until probed")
	require.True(t, a.Network.Current().Unmetered)
	require.Len(t, a.Handlers.Ordered(), 7)

	var names []string
	for _, job := range a.Scheduler.Jobs() {
		names = append(names, job.Name)
	}
	require.ElementsMatch(t, []string{
		orchestrator.JobGeneral, orchestrator.JobPhotos, orchestrator.JobMaintenance, orchestrator.JobCleanup,
	}, names)
}

func TestConnectAndCommit(t *testing.T) {
	ctx := context.Background()
	srv, url := startServer(t)
	a := newApp(t, testConfig(t, url))

	userID, err := a.Connect(ctx, "", token(t, "alice"))
	require.NoError(t, err)
	require.Equal(t, "alice", userID)
	mode, _, err := a.Store.Setting(ctx, partition.AppModeKey)
	require.NoError(t, err)
	require.Equal(t, partition.AppModeConnected, mode)

	require.True(t, a.CheckConnectivity(ctx))

	res, err := a.Orchestrator.Commit(ctx, &model.Boat{Name: "Aurora"})
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)

	boats := srv.Entities(model.TypeBoat)
	require.Len(t, boats, 1)
	require.Equal(t, "Aurora", boats[0].(*model.Boat).Name)
}

func TestConnectRejectsMalformedToken(t *testing.T) {
	a := newApp(t, testConfig(t, "http://127.0.0.1:1"))
	_, err := a.Connect(context.Background(), "", "not-a-jwt")
	require.Error(t, err)
}

func TestCheckConnectivityUnreachable(t *testing.T) {
	a := newApp(t, testConfig(t, "http://127.0.0.1:1"))
	a.Network.SetOnline(true)
	require.False(t, a.CheckConnectivity(context.Background()))
	require.False(t, a.Network.Online())
}

func TestRunRequiresCredentials(t *testing.T) {
	a := newApp(t, testConfig(t, "http://127.0.0.1:1"))
	err := a.Run(context.Background())
	require.ErrorIs(t, err, auth.ErrNoCredentials)
}

func TestRunUntilCancelled(t *testing.T) {
	_, url := startServer(t)
	a := newApp(t, testConfig(t, url))
	_, err := a.Connect(context.Background(), url, token(t, "alice"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Network.Online, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "entity_type", "boat")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["msg"])
	require.Equal(t, "boat", line["entity_type"])
}
