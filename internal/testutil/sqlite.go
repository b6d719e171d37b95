// Package testutil opens throwaway databases for tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/chepyr/subtask-tracker/tasks-service/db"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite returns a migrated in-memory database that is closed when the test ends.
func SQLite(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Connect(db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(context.Background(), conn, db.DriverSQLite); err != nil {
		conn.Close()
		t.Fatalf("migrate sqlite: %v", err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Logf("close db: %v", err)
		}
	})
	return conn
}

// TaskStore is SQLite wrapped in a task repository.
func TaskStore(t testing.TB) *db.TaskRepository {
	t.Helper()
	return db.NewTaskRepository(SQLite(t), db.DriverSQLite)
}
