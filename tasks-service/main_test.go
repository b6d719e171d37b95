package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/chepyr/subtask-tracker/internal/config"
	"github.com/chepyr/subtask-tracker/internal/logging"
	"github.com/chepyr/subtask-tracker/shared/models"
	"github.com/chepyr/subtask-tracker/tasks-service/db"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteEnv(t *testing.T) string {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "tasks.db") + "?_busy_timeout=5000"
	t.Setenv("STORAGE_DRIVER", "sqlite3")
	t.Setenv("SQLITE_DSN", dsn)
	t.Setenv("LOG_LEVEL", "error")
	return dsn
}

func runCmd(args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestMigrateAndPromote(t *testing.T) {
	dsn := sqliteEnv(t)
	require.NoError(t, runCmd("migrate"))
	// migrating twice is harmless
	require.NoError(t, runCmd("migrate"))

	conn, err := db.Connect(db.DriverSQLite, dsn)
	require.NoError(t, err)
	defer conn.Close()
	users := db.NewUserRepository(conn)

	now := time.Now().UTC()
	alice := &models.User{ID: uuid.New(), Username: "alice", PasswordHash: "hash", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, users.Create(context.Background(), alice))

	require.NoError(t, runCmd("promote", "alice"))
	got, err := users.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, got.IsAdmin)

	require.NoError(t, runCmd("promote", "--revoke", "alice"))
	got, err = users.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, got.IsAdmin)

	err = runCmd("promote", "bob")
	assert.True(t, errors.Is(err, db.ErrNotFound), "got %v", err)
}

func TestPromote_RequiresUsername(t *testing.T) {
	sqliteEnv(t)
	assert.Error(t, runCmd("promote"))
}

func TestServe_RejectsInvalidConfig(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("JWT_SECRET", "short")

	err := runCmd("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestStorageFlagOverridesEnv(t *testing.T) {
	sqliteEnv(t)

	err := runCmd("--storage", "mysql", "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_DRIVER")
}

func TestStartServer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := initServer(&config.Config{ServerPort: "0"}, http.NotFoundHandler())

	done := make(chan error, 1)
	go func() { done <- startServer(ctx, server, logging.Discard()) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
