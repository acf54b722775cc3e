package store

import (
	"context"
	"errors"
	"fmt"
)

// migrations are applied in order; entry i moves the schema to version i+1.
// PRAGMA user_version records the applied version. Append, never edit.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS governor_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			worker TEXT,
			dimension TEXT,
			wait_ms INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			dimensions TEXT,
			occurred_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_governor_events_occurred ON governor_events(occurred_at);`,
		`CREATE INDEX IF NOT EXISTS idx_governor_events_kind ON governor_events(kind, occurred_at);`,
	},
	{
		`CREATE INDEX IF NOT EXISTS idx_governor_events_worker ON governor_events(worker, occurred_at);`,
	},
}

// SchemaVersion returns the journal schema version recorded in the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	var version int
	if err := s.DB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies pending schema migrations, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("journal schema version %d is newer than this binary supports (%d)", current, len(migrations))
	}

	for version := current + 1; version <= len(migrations); version++ {
		if err := s.applyMigration(ctx, version, migrations[version-1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, statements []string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration %d failed: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("record schema version %d: %w", version, err)
	}
	return tx.Commit()
}
