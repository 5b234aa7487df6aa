package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"dealhub/adapter/postgres"
	"dealhub/adapter/sqlite"
	"dealhub/domain"
	"dealhub/internal/config"
)

func OpenDB(cfg config.Config) (*sql.DB, error) {
	pgURL := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.PGUser, cfg.PGPassword, cfg.PGHost, cfg.PGPort, cfg.PGDatabase,
	)
	dbConn, err := sql.Open("postgres", pgURL)
	if err != nil {
		return nil, err
	}
	dbConn.SetMaxOpenConns(10)
	dbConn.SetMaxIdleConns(10)
	dbConn.SetConnMaxLifetime(30 * time.Minute)
	if err := dbConn.Ping(); err != nil {
		dbConn.Close()
		return nil, err
	}
	return dbConn, nil
}

// OpenStore opens the configured store and ensures its schema. Any failure
// here is fatal for the caller: the service does not run without persistence.
func OpenStore(ctx context.Context, cfg config.Config) (domain.Store, error) {
	var store domain.Store
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		conn, err := OpenDB(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store = postgres.New(conn)
	case config.DriverSQLite:
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = repo
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err := store.Ensure(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("db ensure failed: %w", err)
	}
	return store, nil
}
