package main

import (
	"context"
	"fmt"

	"github.com/chepyr/subtask-tracker/internal/config"
	"github.com/chepyr/subtask-tracker/tasks-service/db"
	"github.com/chepyr/subtask-tracker/tasks-service/graph"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const driverNeo4j = "neo4j"

// storage bundles the repositories of one backend with its lifecycle hooks.
type storage struct {
	driver  string
	tasks   db.TaskStore
	users   db.UserRepositoryInterface
	migrate func(ctx context.Context) error
	close   func()
}

func initStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.StorageDriver {
	case db.DriverPostgres:
		return initDB(db.DriverPostgres, cfg.PostgresDSN())
	case db.DriverSQLite:
		return initDB(db.DriverSQLite, cfg.SQLiteDSN)
	case driverNeo4j:
		return initGraph(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initDB(driverName, dsn string) (*storage, error) {
	dbConn, err := db.Connect(driverName, dsn)
	if err != nil {
		return nil, err
	}
	return &storage{
		driver: driverName,
		tasks:  db.NewTaskRepository(dbConn, driverName),
		users:  db.NewUserRepository(dbConn),
		migrate: func(ctx context.Context) error {
			return db.Migrate(ctx, dbConn, driverName)
		},
		close: func() { dbConn.Close() },
	}, nil
}

func initGraph(ctx context.Context, cfg *config.Config) (*storage, error) {
	driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		return nil, err
	}
	return &storage{
		driver: driverNeo4j,
		tasks:  graph.NewStore(driver),
		users:  graph.NewUserStore(driver),
		migrate: func(ctx context.Context) error {
			return graph.Migrate(ctx, driver)
		},
		close: func() { driver.Close(context.Background()) },
	}, nil
}
