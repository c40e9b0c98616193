// Package db provides unit tests for store open and migrations.
package db

import (
	"testing"
)

// newTestDB opens a fresh store in a temp directory with migrations applied.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := NewMigrator(database.DB).Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	return database
}

// newTestRepo opens a migrated store and returns a repository over it.
func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	database := newTestDB(t)
	repo := NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// TestOpenCreatesDataDir tests that Open creates the data directory.
func TestOpenCreatesDataDir(t *testing.T) {
	dir := t.TempDir() + "/nested/data"

	database, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer database.Close()

	if err := database.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

// TestMigrateIsIdempotent tests that running migrations twice is safe.
func TestMigrateIsIdempotent(t *testing.T) {
	database := newTestDB(t)

	m := NewMigrator(database.DB)
	if err := m.Migrate(); err != nil {
		t.Fatalf("Second Migrate failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != len(migrationSteps) {
		t.Errorf("Expected version %d, got %d", len(migrationSteps), version)
	}
}

// TestMigrateRecordsChecksums tests that applied migrations carry checksums.
func TestMigrateRecordsChecksums(t *testing.T) {
	database := newTestDB(t)

	applied, err := NewMigrator(database.DB).GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}

	if len(applied) != len(migrationSteps) {
		t.Fatalf("Expected %d applied migrations, got %d", len(migrationSteps), len(applied))
	}

	for i, mig := range applied {
		if mig.Checksum != checksumOf(migrationSteps[i].SQL) {
			t.Errorf("Migration %d checksum mismatch", mig.Version)
		}
	}
}

// TestMigrateDetectsEditedStep tests that an edited applied step is rejected.
func TestMigrateDetectsEditedStep(t *testing.T) {
	database := newTestDB(t)

	// Tamper with the recorded checksum of step 1.
	_, err := database.Exec("UPDATE schema_migrations SET checksum = ? WHERE version = 1",
		checksumOf("something else"))
	if err != nil {
		t.Fatalf("Failed to tamper with checksum: %v", err)
	}

	if err := NewMigrator(database.DB).Migrate(); err == nil {
		t.Error("Expected checksum mismatch error")
	}
}
