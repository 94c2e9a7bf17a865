package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-boatsync/internal/auth"
	"github.com/mobiletoly/go-boatsync/internal/devserver"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BOATSYNC_DEVSERVER_JWT_SECRET", "cli-secret")

	out, err := execute(t, "token", "alice")
	require.NoError(t, err)
	claims, err := auth.NewJWTAuth("cli-secret").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
}

func TestTokenCommandNeedsSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "token", "alice")
	require.Error(t, err)
}

func TestConnectSyncAndStatus(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("BOATSYNC_AUDIT_PATH", filepath.Join(dir, "conflicts.log"))

	srv := devserver.New(devserver.Options{JWTSecret: "cli-secret"})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	tok, err := srv.JWT().GenerateToken("alice", "device-1", time.Hour)
	require.NoError(t, err)

	db := filepath.Join(dir, "local.db")
	out, err := execute(t, "--db", db, "--server", hs.URL, "connect", tok)
	require.NoError(t, err)
	require.Contains(t, out, "as alice")

	out, err = execute(t, "--db", db, "sync")
	require.NoError(t, err)
	require.Contains(t, out, "Sync succeeded")

	out, err = execute(t, "--db", db, "status")
	require.NoError(t, err)
	require.Contains(t, out, "Mode:    connected")
	require.Contains(t, out, "(reachable), user alice")
	require.Contains(t, out, "0 pending, 0 failed")

	out, err = execute(t, "--db", db, "queue", "list")
	require.NoError(t, err)
	require.Contains(t, out, "No changes")
}
