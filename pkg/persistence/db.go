// Package persistence provides the SQLite-backed durable gateway: cycle
// history, the bus event archive, ledger snapshots, and health findings.
package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/logx"
)

// Gateway is the single durable-storage surface. It satisfies
// orchestrator.CycleSink, guardian.Storage, and guardian.FindingSink.
type Gateway struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if necessary) the database at dbPath and ensures the
// schema is at the current version.
func Open(dbPath string) (*Gateway, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("database opened: %s", dbPath)

	return &Gateway{db: db, logger: logger}, nil
}

// Ping verifies the gateway is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection. Call during shutdown.
func (g *Gateway) Close() error {
	if err := g.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
