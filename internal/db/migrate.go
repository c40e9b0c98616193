// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationStep is a schema change embedded in the binary. The core runs on
// end-user devices, so migrations ship with the build rather than as files.
type migrationStep struct {
	Version     int
	Description string
	SQL         string
}

var migrationSteps = []migrationStep{
	{
		Version:     1,
		Description: "create operation_queue",
		SQL: `
		CREATE TABLE IF NOT EXISTS operation_queue (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_operation_queue_status ON operation_queue(status);
		CREATE INDEX IF NOT EXISTS idx_operation_queue_created_at ON operation_queue(created_at);`,
	},
	{
		Version:     2,
		Description: "create optimistic_updates",
		SQL: `
		CREATE TABLE IF NOT EXISTS optimistic_updates (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			timestamp INTEGER NOT NULL,
			rollback_data TEXT NOT NULL,
			operation_id TEXT,
			error_message TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_optimistic_updates_status ON optimistic_updates(status);
		CREATE INDEX IF NOT EXISTS idx_optimistic_updates_timestamp ON optimistic_updates(timestamp);`,
	},
	{
		Version:     3,
		Description: "create collection caches",
		SQL: `
		CREATE TABLE IF NOT EXISTS beers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			brewery TEXT NOT NULL DEFAULT '',
			style TEXT NOT NULL DEFAULT '',
			abv REAL NOT NULL DEFAULT 0,
			tasted INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS tastings (
			id TEXT PRIMARY KEY,
			beer_id TEXT NOT NULL,
			beer_name TEXT NOT NULL DEFAULT '',
			tasted_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS rewards (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			redeemed INTEGER NOT NULL DEFAULT 0,
			earned_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS collection_state (
			kind TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			item_count INTEGER NOT NULL DEFAULT 0,
			refreshed_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tastings_beer_id ON tastings(beer_id);`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// Migrate applies all pending migration steps in a transaction each, verifying
// that already-applied steps have not been edited since they ran.
func (m *Migrator) Migrate() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}
	appliedByVersion := make(map[int]Migration, len(applied))
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	for _, step := range migrationSteps {
		checksum := checksumOf(step.SQL)

		if prev, ok := appliedByVersion[step.Version]; ok {
			if prev.Checksum != checksum {
				return fmt.Errorf("migration %d checksum mismatch: applied=%s current=%s",
					step.Version, prev.Checksum, checksum)
			}
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(step.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", step.Version, step.Description, err)
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			step.Version, time.Now().Unix(), step.Description, checksum,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", step.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// checksumOf returns the hex-encoded SHA-256 of the migration SQL.
func checksumOf(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
